package weft

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/everydev1618/weft/llm"
	"github.com/everydev1618/weft/registry"
)

// ContinuePrompt closes every continuation's first turn.
const ContinuePrompt = "Continue executing the directive. Pick up where the previous thread left off."

const summaryPrompt = `Summarize the conversation below so another agent can take over the work without reading it.
Cover the goal, what has been done, what was learned and what remains. Be concrete about file names, ids and numbers.
Use at most %d tokens.

<conversation>
%s
</conversation>`

// contextRatio is the share of the context window the last turn used. It
// falls back to a character estimate when the provider reported nothing.
func (r *run) contextRatio() float64 {
	if r.window <= 0 {
		return 0
	}
	used := r.lastTokens
	if used == 0 {
		used = estimateTokens(r.messages)
	}
	return float64(used) / float64(r.window)
}

// maybeContinue hands off to a fresh thread once context usage crosses the
// trigger threshold. The trigger re-arms only after usage drops below the
// threshold by the configured margin. A handoff that fails before any
// budget moved is logged and the thread keeps going.
func (r *run) maybeContinue() *Outcome {
	cc := r.o.cfg.Continuation
	ratio := r.contextRatio()
	if r.aboveThreshold {
		if ratio < cc.TriggerThreshold-cc.RearmMargin {
			r.aboveThreshold = false
		}
		return nil
	}
	if ratio < cc.TriggerThreshold {
		return nil
	}
	r.aboveThreshold = true
	r.logger.Info("context threshold reached", "ratio", ratio, "threshold", cc.TriggerThreshold)

	next, committed, err := r.o.handoff(r)
	if err != nil {
		herr := &HandoffError{ThreadID: r.id, Err: err}
		if committed {
			return r.fail(herr)
		}
		r.logger.Warn("handoff failed, continuing in place", "error", herr)
		return nil
	}
	out := r.end(registry.StatusContinued, "", nil)
	out.SuccessorID = next
	return out
}

// handoff starts r's continuation and returns its id. committed reports
// whether r's budget had already moved when an error occurred, in which
// case r cannot go on.
func (o *Orchestrator) handoff(r *run) (string, bool, error) {
	ctx := r.bg()

	history, err := r.transcript.Messages()
	if err != nil || len(history) == 0 {
		if err != nil {
			r.logger.Warn("transcript unreadable, summarizing from memory", "error", err)
		}
		history = r.messages
	}

	summary, err := o.summarize(r, history)
	if err != nil {
		return "", false, fmt.Errorf("summary: %w", err)
	}

	t, err := o.registry.Get(ctx, r.id)
	if err != nil {
		return "", false, err
	}
	remaining, err := o.ledger.Remaining(ctx, r.id)
	if err != nil {
		return "", false, err
	}
	if remaining <= 0 {
		return "", false, errors.New("no budget left to carry forward")
	}

	nextID := uuid.New().String()
	if err := o.registry.Register(ctx, registry.Thread{
		ID:        nextID,
		ParentID:  r.parentID,
		Directive: r.directive.Name,
		Model:     r.model,
		Owner:     o.owner,
	}); err != nil {
		return "", false, err
	}

	carried, err := o.ledger.Continue(ctx, r.id, nextID)
	if err != nil {
		if serr := o.registry.UpdateStatus(ctx, nextID, registry.StatusError); serr != nil {
			r.logger.Warn("could not retire unused continuation", "continuation", nextID, "error", serr)
		}
		return "", false, err
	}

	// From here on r's budget belongs to the continuation.
	if err := o.registry.SetContinuation(ctx, r.id, nextID); err != nil {
		return "", true, err
	}

	limits := r.harness.Limits().Remaining(r.cost, t.Cost.SpawnCount)
	limits.Spend = carried

	cp := &Checkpoint{
		ThreadID:     nextID,
		ParentID:     r.parentID,
		Directive:    r.directive,
		UserHooks:    r.userHooks,
		Capabilities: r.caps,
		Inputs:       r.inputs,
		Limits:       limits,
		Trigger:      TriggerSpawn,
		SavedAt:      o.now().UTC(),
	}
	next, err := o.newRun(cp)
	if err != nil {
		return "", true, err
	}

	hc := next.hookContext(HookThreadContinued)
	hc.Inputs = withPredecessor(r.inputs, r.id)
	injected := next.harness.RunContext(ctx, HookThreadContinued, hc)

	cp.Messages = continuationMessages(history, summary, injected, o.cfg.Continuation.ResumeCeilingTokens)
	next.messages = cp.Messages
	if err := o.store.Save(cp); err != nil {
		return "", true, &CheckpointError{ThreadID: nextID, Trigger: TriggerSpawn, Err: err}
	}
	next.appendMessages(cp.Messages...)

	r.appendRecords(Record{Type: RecordHandoff, Turn: r.turn, Data: map[string]any{
		"continuation_thread_id": nextID,
		"carried_spend":          carried,
		"summary_chars":          len(summary),
		"window_messages":        len(cp.Messages),
	}})
	r.logger.Info("handed off", "continuation", nextID, "carried_spend", carried)

	if err := o.start(next); err != nil {
		return "", true, err
	}
	return nextID, false, nil
}

// summarize asks the provider for a bounded summary of history and bills
// it to r.
func (o *Orchestrator) summarize(r *run, history []llm.Message) (string, error) {
	maxTokens := o.cfg.Continuation.SummaryMaxTokens
	client := o.llm
	if rl, ok := client.(llm.ResponseLimiter); ok && maxTokens > 0 {
		client = rl.WithMaxTokens(maxTokens)
	}

	// Leave room for the summary itself.
	budget := max(r.window/2, 1) * charsPerToken
	prompt := fmt.Sprintf(summaryPrompt, maxTokens, renderConversation(history, budget))

	if err := r.limiter.wait(r.ctx); err != nil {
		return "", err
	}
	resp, err := client.Generate(r.ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}}, nil)
	if err != nil {
		return "", err
	}

	r.cost.InputTokens += resp.InputTokens
	r.cost.OutputTokens += resp.OutputTokens
	r.cost.Spend += resp.CostUSD
	if resp.CostUSD > 0 {
		if err := o.ledger.IncrementActual(r.bg(), r.id, resp.CostUSD); err != nil {
			r.unbilled += resp.CostUSD
			return "", err
		}
	}
	r.syncCost()

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.New("provider returned an empty summary")
	}
	return summary, nil
}

// continuationMessages builds a continuation's opening conversation: the
// system prompt, a user turn carrying the summary, the most recent turns
// that fit under ceiling tokens, and a closing instruction.
func continuationMessages(history []llm.Message, summary, injected string, ceiling int) []llm.Message {
	var out []llm.Message
	var convo []llm.Message
	for _, m := range history {
		if m.Role == llm.RoleSystem {
			if len(out) == 0 {
				out = append(out, m)
			}
			continue
		}
		convo = append(convo, m)
	}

	header := "Summary of the work so far:\n\n" + summary
	if injected != "" {
		header = injected + "\n\n" + header
	}

	window := trailingWindow(convo, ceiling)
	if len(window) > 0 && window[0].Role == llm.RoleUser {
		first := window[0]
		first.Content = header + "\n\n" + first.Content
		out = append(out, first)
		window = window[1:]
	} else {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: header})
	}
	out = append(out, window...)
	return append(out, llm.Message{Role: llm.RoleUser, Content: ContinuePrompt})
}

// trailingWindow returns the longest suffix of msgs under ceiling tokens
// that starts on a user or assistant message, so no tool result is cut off
// from its call.
func trailingWindow(msgs []llm.Message, ceiling int) []llm.Message {
	start := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		used += estimateTokens(msgs[i : i+1])
		if used > ceiling {
			break
		}
		if msgs[i].Role == llm.RoleUser || msgs[i].Role == llm.RoleAssistant {
			start = i
		}
	}
	return append([]llm.Message(nil), msgs[start:]...)
}

const charsPerToken = 4

// estimateTokens approximates token usage from message size.
func estimateTokens(msgs []llm.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name)
			if args, err := json.Marshal(tc.Arguments); err == nil {
				chars += len(args)
			}
		}
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// renderConversation flattens msgs to text, keeping the most recent
// maxChars.
func renderConversation(msgs []llm.Message, maxChars int) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "[%s]", m.Role)
		if m.IsError {
			b.WriteString(" (error)")
		}
		if m.Content != "" {
			b.WriteString(" ")
			b.WriteString(m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			fmt.Fprintf(&b, "\n  -> %s %s", tc.Name, args)
		}
		b.WriteString("\n")
	}
	s := b.String()
	if len(s) > maxChars {
		s = "..." + s[len(s)-maxChars:]
	}
	return s
}

func withPredecessor(inputs map[string]any, id string) map[string]any {
	out := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		out[k] = v
	}
	out["continuation_of"] = id
	return out
}
