package weft

import (
	"fmt"
	"sort"
)

// HookLayer orders hooks. Lower layers are evaluated first.
type HookLayer int

const (
	LayerUser HookLayer = iota
	LayerDirective
	LayerBuiltin
	LayerProject
	LayerInfra
)

func (l HookLayer) String() string {
	switch l {
	case LayerUser:
		return "user"
	case LayerDirective:
		return "directive"
	case LayerBuiltin:
		return "builtin"
	case LayerProject:
		return "project"
	case LayerInfra:
		return "infra"
	default:
		return "unknown"
	}
}

// HookEvent is the point in a thread's life a hook listens to.
type HookEvent string

const (
	HookError           HookEvent = "error"
	HookLimit           HookEvent = "limit"
	HookAfterStep       HookEvent = "after_step"
	HookThreadStarted   HookEvent = "thread_started"
	HookThreadContinued HookEvent = "thread_continued"
)

// Control reports whether the event decides control flow, as opposed to
// injecting context.
func (e HookEvent) Control() bool {
	switch e {
	case HookError, HookLimit, HookAfterStep:
		return true
	}
	return false
}

func (e HookEvent) valid() bool {
	return e.Control() || e == HookThreadStarted || e == HookThreadContinued
}

// ActionKind is the closed set of hook outcomes.
type ActionKind string

const (
	ActionRetry    ActionKind = "retry"
	ActionFail     ActionKind = "fail"
	ActionAbort    ActionKind = "abort"
	ActionContinue ActionKind = "continue"
	ActionContext  ActionKind = "context"
)

// ToolRef names a tool a hook dispatches. String values in Params may
// reference the hook context with ${path}.
type ToolRef struct {
	Primary  string         `yaml:"primary" json:"primary"`
	ItemType string         `yaml:"item_type" json:"item_type"`
	ItemID   string         `yaml:"item_id" json:"item_id"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// HookAction is what a matching hook asks for.
type HookAction struct {
	Kind ActionKind `yaml:"kind" json:"kind"`

	// Content is injected for context actions and logged for infra hooks.
	Content string `yaml:"content,omitempty" json:"content,omitempty"`

	// Reason is recorded with fail and abort.
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`

	// Tool is dispatched when the hook fires. For context actions its
	// result is injected after Content.
	Tool *ToolRef `yaml:"tool,omitempty" json:"tool,omitempty"`
}

// Hook is a declarative rule. Layer is assigned by where the hook was
// declared, not by the declaration itself.
type Hook struct {
	ID        string     `yaml:"id" json:"id"`
	Event     HookEvent  `yaml:"event" json:"event"`
	Condition Condition  `yaml:"condition,omitempty" json:"condition,omitempty"`
	Action    HookAction `yaml:"action" json:"action"`
	Layer     HookLayer  `yaml:"-" json:"layer"`
}

// Validate checks the event, the action kind for that event and the condition.
func (h Hook) Validate() error {
	if !h.Event.valid() {
		return fmt.Errorf("%w: hook %q: unknown event %q", ErrInvalidConfig, h.ID, h.Event)
	}
	switch h.Action.Kind {
	case ActionRetry, ActionFail, ActionAbort, ActionContinue:
		if !h.Event.Control() {
			return fmt.Errorf("%w: hook %q: %s action on %s event", ErrInvalidConfig, h.ID, h.Action.Kind, h.Event)
		}
	case ActionContext:
		if h.Event.Control() && h.Layer != LayerInfra {
			return fmt.Errorf("%w: hook %q: context action on %s event", ErrInvalidConfig, h.ID, h.Event)
		}
	case "":
		if h.Layer != LayerInfra {
			return fmt.Errorf("%w: hook %q: missing action kind", ErrInvalidConfig, h.ID)
		}
	default:
		return fmt.Errorf("%w: hook %q: unknown action %q", ErrInvalidConfig, h.ID, h.Action.Kind)
	}
	if err := h.Condition.Validate(); err != nil {
		return fmt.Errorf("%w: hook %q: %v", ErrInvalidConfig, h.ID, err)
	}
	return nil
}

// MergeHooks stamps each source with its layer and returns one list sorted
// by layer, keeping declaration order within a layer.
func MergeHooks(sources map[HookLayer][]Hook) ([]Hook, error) {
	var merged []Hook
	for layer, hooks := range sources {
		for _, h := range hooks {
			h.Layer = layer
			if err := h.Validate(); err != nil {
				return nil, err
			}
			merged = append(merged, h)
		}
	}
	sortHooks(merged)
	return merged, nil
}

func sortHooks(hooks []Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Layer < hooks[j].Layer
	})
}

// HookContext is the read-only view of a thread that conditions and
// templates evaluate against.
type HookContext struct {
	ThreadID  string
	ParentID  string
	Directive string
	Model     string
	Event     HookEvent
	Turn      int
	Attempt   int
	Cost      Cost
	Limits    Limits
	Limit     *LimitEvent
	Error     *Classification
	Inputs    map[string]any
}

// Doc renders the context as the document conditions see.
func (c HookContext) Doc() map[string]any {
	doc := map[string]any{
		"thread_id": c.ThreadID,
		"parent_id": c.ParentID,
		"directive": c.Directive,
		"model":     c.Model,
		"event":     string(c.Event),
		"turn":      c.Turn,
		"attempt":   c.Attempt,
		"cost":      c.Cost.doc(),
		"limits":    c.Limits.doc(),
	}
	if c.Limit != nil {
		doc["limit"] = c.Limit.doc()
	}
	if c.Error != nil {
		doc["error"] = c.Error.doc(true)
	}
	if c.Inputs != nil {
		doc["inputs"] = c.Inputs
	}
	return doc
}

// Verdict is the runner-facing outcome of a control event.
type Verdict int

const (
	VerdictProceed Verdict = iota
	VerdictRetry
	VerdictFail
	VerdictAbort
	VerdictSuspend
)

func (v Verdict) String() string {
	switch v {
	case VerdictProceed:
		return "proceed"
	case VerdictRetry:
		return "retry"
	case VerdictFail:
		return "fail"
	case VerdictAbort:
		return "abort"
	case VerdictSuspend:
		return "suspend"
	default:
		return "unknown"
	}
}

// Decision is a verdict plus the hook that produced it. HookID is empty
// when a default applied.
type Decision struct {
	Verdict Verdict
	HookID  string
	Reason  string
}
