package weft

import (
	"context"
	"log/slog"
	"strings"

	"github.com/everydev1618/weft/capability"
)

// DefaultInternalPrefix marks tool ids that are always allowed.
const DefaultInternalPrefix = "weft/threads/"

// HarnessConfig assembles a Harness.
type HarnessConfig struct {
	ThreadID         string
	Directive        string
	Limits           Limits
	Capabilities     capability.Set
	Namespace        string
	InternalPrefixes []string
	Hooks            []Hook
	Dispatcher       Dispatcher
	Logger           *slog.Logger
}

// Harness is the per-thread policy object. It checks limits and
// permissions and evaluates hooks into decisions; it never changes thread
// state itself.
type Harness struct {
	threadID         string
	limits           Limits
	caps             capability.Set
	namespace        string
	internalPrefixes []string
	hooks            []Hook
	dispatcher       Dispatcher
	logger           *slog.Logger
}

// NewHarness validates hooks and builds a harness.
func NewHarness(cfg HarnessConfig) (*Harness, error) {
	hooks := make([]Hook, len(cfg.Hooks))
	copy(hooks, cfg.Hooks)
	for _, h := range hooks {
		if err := h.Validate(); err != nil {
			return nil, err
		}
	}
	sortHooks(hooks)

	prefixes := cfg.InternalPrefixes
	if prefixes == nil {
		prefixes = []string{DefaultInternalPrefix}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{
		threadID:         cfg.ThreadID,
		limits:           cfg.Limits,
		caps:             cfg.Capabilities,
		namespace:        cfg.Namespace,
		internalPrefixes: prefixes,
		hooks:            hooks,
		dispatcher:       cfg.Dispatcher,
		logger:           logger,
	}, nil
}

// Limits returns the resolved limits.
func (h *Harness) Limits() Limits {
	return h.limits
}

// Capabilities returns the granted capability set.
func (h *Harness) Capabilities() capability.Set {
	return h.caps
}

// Hooks returns the merged, layer-ordered hooks.
func (h *Harness) Hooks() []Hook {
	return h.hooks
}

// CheckLimits returns the first dimension that reached its ceiling.
func (h *Harness) CheckLimits(c Cost) *LimitEvent {
	return h.limits.Check(c)
}

// CheckSpawn reports the spawn limit when count spawns have already been made.
func (h *Harness) CheckSpawn(count int) *LimitEvent {
	if h.limits.Spawns > 0 && count >= h.limits.Spawns {
		return &LimitEvent{Dimension: "spawns", Current: float64(count), Max: float64(h.limits.Spawns)}
	}
	return nil
}

// CheckPermission fails closed: the action must be granted by a capability
// unless the item is internal.
func (h *Harness) CheckPermission(primary, itemType, itemID string) error {
	for _, p := range h.internalPrefixes {
		if itemID != "" && strings.HasPrefix(itemID, p) {
			return nil
		}
	}
	action := capability.Action(h.namespace, primary, itemType, itemID)
	if h.caps.Allows(action) {
		return nil
	}
	return &PermissionError{ThreadID: h.threadID, Action: action}
}

// OnLimit decides what happens when a limit is reached. Without a matching
// hook the thread suspends for someone to raise the ceiling.
func (h *Harness) OnLimit(ctx context.Context, hc HookContext) Decision {
	hc.Event = HookLimit
	hook := h.control(ctx, hc)
	if hook == nil {
		return Decision{Verdict: VerdictSuspend}
	}
	switch hook.Action.Kind {
	case ActionContinue:
		return h.decide(hook, VerdictProceed, hc)
	case ActionFail:
		return h.decide(hook, VerdictFail, hc)
	case ActionAbort:
		return h.decide(hook, VerdictAbort, hc)
	}
	return h.decide(hook, VerdictSuspend, hc)
}

// OnError decides what happens after a classified failure. Without a
// matching hook retryable categories retry, limits and budgets suspend,
// cancellation aborts and everything else fails.
func (h *Harness) OnError(ctx context.Context, hc HookContext) Decision {
	hc.Event = HookError
	if hook := h.control(ctx, hc); hook != nil {
		switch hook.Action.Kind {
		case ActionRetry:
			return h.decide(hook, VerdictRetry, hc)
		case ActionFail:
			return h.decide(hook, VerdictFail, hc)
		case ActionAbort:
			return h.decide(hook, VerdictAbort, hc)
		case ActionContinue:
			return h.decide(hook, VerdictProceed, hc)
		}
	}

	var cat Category
	if hc.Error != nil {
		cat = hc.Error.Category
	}
	switch {
	case cat.Retryable():
		return Decision{Verdict: VerdictRetry}
	case cat == CategoryLimitHit, cat == CategoryBudget:
		return Decision{Verdict: VerdictSuspend}
	case cat == CategoryCancelled:
		return Decision{Verdict: VerdictAbort}
	}
	return Decision{Verdict: VerdictFail}
}

// AfterStep lets hooks stop a thread between turns.
func (h *Harness) AfterStep(ctx context.Context, hc HookContext) Decision {
	hc.Event = HookAfterStep
	hook := h.control(ctx, hc)
	if hook == nil {
		return Decision{Verdict: VerdictProceed}
	}
	switch hook.Action.Kind {
	case ActionFail:
		return h.decide(hook, VerdictFail, hc)
	case ActionAbort:
		return h.decide(hook, VerdictAbort, hc)
	}
	return h.decide(hook, VerdictProceed, hc)
}

// RunContext runs every matching hook for a context event and joins their
// output with blank lines.
func (h *Harness) RunContext(ctx context.Context, event HookEvent, hc HookContext) string {
	hc.Event = event
	doc := hc.Doc()
	var blocks []string
	for i := range h.hooks {
		hook := &h.hooks[i]
		if hook.Event != event || !hook.Condition.Matches(doc) {
			continue
		}
		if hook.Layer == LayerInfra {
			h.runInfra(ctx, hook, doc)
			continue
		}
		if s := strings.TrimSpace(interpolateString(hook.Action.Content, doc)); s != "" {
			blocks = append(blocks, s)
		}
		if hook.Action.Tool != nil {
			if s := strings.TrimSpace(h.dispatchHookTool(ctx, hook, doc)); s != "" {
				blocks = append(blocks, s)
			}
		}
	}
	return strings.Join(blocks, "\n\n")
}

// control returns the first matching non-infra hook for the event. Infra
// hooks that match are run on the way and never win.
func (h *Harness) control(ctx context.Context, hc HookContext) *Hook {
	doc := hc.Doc()
	var winner *Hook
	for i := range h.hooks {
		hook := &h.hooks[i]
		if hook.Event != hc.Event || !hook.Condition.Matches(doc) {
			continue
		}
		if hook.Layer == LayerInfra {
			h.runInfra(ctx, hook, doc)
			continue
		}
		if winner == nil {
			winner = hook
		}
	}
	if winner != nil {
		h.logger.Debug("hook matched",
			"thread_id", h.threadID,
			"hook", winner.ID,
			"layer", winner.Layer.String(),
			"event", string(hc.Event),
			"action", string(winner.Action.Kind),
		)
	}
	return winner
}

func (h *Harness) decide(hook *Hook, v Verdict, hc HookContext) Decision {
	return Decision{
		Verdict: v,
		HookID:  hook.ID,
		Reason:  interpolateString(hook.Action.Reason, hc.Doc()),
	}
}

func (h *Harness) runInfra(ctx context.Context, hook *Hook, doc map[string]any) {
	if hook.Action.Content != "" {
		h.logger.Info(interpolateString(hook.Action.Content, doc),
			"thread_id", h.threadID,
			"hook", hook.ID,
			"event", doc["event"],
		)
	}
	if hook.Action.Tool != nil {
		h.dispatchHookTool(ctx, hook, doc)
	}
}

func (h *Harness) dispatchHookTool(ctx context.Context, hook *Hook, doc map[string]any) string {
	if h.dispatcher == nil {
		h.logger.Warn("hook tool skipped: no dispatcher", "thread_id", h.threadID, "hook", hook.ID)
		return ""
	}
	ref := hook.Action.Tool
	params, _ := interpolateValue(ref.Params, doc).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	out, err := h.dispatcher.Dispatch(ctx, ToolRequest{
		ThreadID: h.threadID,
		CallID:   "hook:" + hook.ID,
		Primary:  ref.Primary,
		ItemType: ref.ItemType,
		ItemID:   ref.ItemID,
		Params:   params,
	})
	if err != nil {
		h.logger.Warn("hook tool failed", "thread_id", h.threadID, "hook", hook.ID, "tool", ref.ItemID, "error", err)
		return ""
	}
	return out
}
