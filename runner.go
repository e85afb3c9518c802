package weft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/everydev1618/weft/capability"
	"github.com/everydev1618/weft/ledger"
	"github.com/everydev1618/weft/llm"
	"github.com/everydev1618/weft/registry"
)

// Outcome is how a run ended.
type Outcome struct {
	ThreadID string
	Status   registry.Status
	Text     string
	Err      error
	Cost     Cost

	// Reason explains a suspension.
	Reason string

	// SuccessorID is set when the thread handed off to a continuation.
	SuccessorID string
}

// run is one thread executing in this process. The fields below the
// static configuration are owned by the run goroutine.
type run struct {
	o          *Orchestrator
	id         string
	parentID   string
	directive  Directive
	harness    *Harness
	inputs     map[string]any
	userHooks  []Hook
	caps       []string
	model      string
	window     int
	tools      map[string]ToolSpec
	schemas    []llm.ToolSchema
	limiter    *rateLimiter
	transcript *Transcript
	logger     *slog.Logger

	messages       []llm.Message
	cost           Cost
	turn           int
	aboveThreshold bool
	retryAttempt   int
	unbilled       float64
	lastTokens     int
	elapsedBase    time.Duration
	started        time.Time

	// ctx is cancelled by Kill and Shutdown. soft is additionally
	// cancelled by Cancel so backoff sleeps wake up.
	ctx             context.Context
	cancel          context.CancelFunc
	soft            context.Context
	softCancel      context.CancelFunc
	cancelRequested atomic.Bool

	done    chan struct{}
	outcome Outcome
}

// newRun rebuilds a run from checkpoint-shaped state. Spawn, Resume and
// handoff all go through here.
func (o *Orchestrator) newRun(cp *Checkpoint) (*run, error) {
	caps, err := capability.NewSet(cp.Capabilities...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	declared, err := MergeHooks(map[HookLayer][]Hook{
		LayerDirective: cp.Directive.Hooks,
		LayerUser:      cp.UserHooks,
	})
	if err != nil {
		return nil, err
	}
	hooks := append(append([]Hook{}, o.hooks...), declared...)

	h, err := NewHarness(HarnessConfig{
		ThreadID:         cp.ThreadID,
		Directive:        cp.Directive.Name,
		Limits:           cp.Limits,
		Capabilities:     caps,
		Namespace:        o.cfg.Capabilities.Namespace,
		InternalPrefixes: o.cfg.Capabilities.InternalPrefixes,
		Hooks:            hooks,
		Dispatcher:       o.dispatcher,
		Logger:           o.logger,
	})
	if err != nil {
		return nil, err
	}

	tools := make(map[string]ToolSpec)
	var schemas []llm.ToolSchema
	for _, t := range append(append([]ToolSpec{}, cp.Directive.Tools...), threadToolSpecs()...) {
		if _, dup := tools[t.Name]; dup {
			continue
		}
		tools[t.Name] = t
		schemas = append(schemas, t.schema())
	}

	model := cp.Directive.Model
	if m, ok := o.llm.(interface{ Model() string }); ok && model == "" {
		model = m.Model()
	}
	window := o.cfg.Continuation.ContextWindow
	if w, ok := o.llm.(llm.ContextWindower); ok && w.ContextWindow() > 0 {
		window = w.ContextWindow()
	}

	ctx, cancel := context.WithCancel(o.ctx)
	soft, softCancel := context.WithCancel(ctx)
	return &run{
		o:              o,
		id:             cp.ThreadID,
		parentID:       cp.ParentID,
		directive:      cp.Directive,
		harness:        h,
		inputs:         cp.Inputs,
		userHooks:      cp.UserHooks,
		caps:           caps.Strings(),
		model:          model,
		window:         window,
		tools:          tools,
		schemas:        schemas,
		limiter:        o.limiterFor(model),
		transcript:     o.store.Transcript(cp.ThreadID),
		logger:         o.logger.With("thread_id", cp.ThreadID),
		messages:       append([]llm.Message(nil), cp.Messages...),
		cost:           cp.Cost,
		turn:           cp.Turn,
		aboveThreshold: cp.AboveThreshold,
		retryAttempt:   cp.RetryAttempt,
		unbilled:       cp.Unbilled,
		elapsedBase:    cp.Cost.Elapsed,
		ctx:            ctx,
		cancel:         cancel,
		soft:           soft,
		softCancel:     softCancel,
		done:           make(chan struct{}),
	}, nil
}

// requestCancel asks the run to stop at its next check.
func (r *run) requestCancel() {
	r.cancelRequested.Store(true)
	r.softCancel()
}

// execute drives the turn loop until the thread stops.
func (r *run) execute() Outcome {
	r.started = r.o.now()
	if out := r.finishPendingTools(); out != nil {
		return *out
	}
	for {
		if out := r.step(); out != nil {
			return *out
		}
	}
}

// step runs one turn. A non-nil Outcome ends the thread.
func (r *run) step() *Outcome {
	r.tick()
	if err := r.checkpoint(TriggerPreTurn); err != nil {
		return r.fail(err)
	}
	if out := r.checkLimits(); out != nil {
		return out
	}
	if out := r.interrupted(); out != nil {
		return out
	}

	resp, early, out := r.call()
	if out != nil {
		return out
	}
	r.record(resp)
	if out := r.bill(resp.CostUSD); out != nil {
		return out
	}
	r.syncCost()
	if err := r.checkpoint(TriggerPostLLM); err != nil {
		return r.fail(err)
	}
	if out := r.interrupted(); out != nil {
		return out
	}

	if len(resp.ToolCalls) == 0 {
		return r.end(registry.StatusCompleted, resp.Content, nil)
	}
	if out := r.runTools(resp.ToolCalls, early); out != nil {
		return out
	}
	if out := r.interrupted(); out != nil {
		return out
	}

	switch d := r.harness.AfterStep(r.ctx, r.hookContext(HookAfterStep)); d.Verdict {
	case VerdictFail:
		return r.fail(fmt.Errorf("stopped by hook %s: %s", d.HookID, d.Reason))
	case VerdictAbort:
		return r.cancelled()
	}
	return r.maybeContinue()
}

func (r *run) tick() {
	r.cost.Elapsed = r.elapsedBase + r.o.now().Sub(r.started)
}

func (r *run) checkLimits() *Outcome {
	ev := r.harness.CheckLimits(r.cost)
	if ev == nil {
		return nil
	}
	hc := r.hookContext(HookLimit)
	hc.Limit = ev
	d := r.harness.OnLimit(r.ctx, hc)
	r.logger.Info("limit reached", "limit", ev.String(), "verdict", d.Verdict.String(), "hook", d.HookID)

	switch d.Verdict {
	case VerdictProceed:
		return nil
	case VerdictFail:
		return r.fail(&LimitError{Event: *ev})
	case VerdictAbort:
		return r.cancelled()
	}
	return r.suspend("limit: " + ev.String())
}

// interrupted reports a pending cancel, kill or shutdown.
func (r *run) interrupted() *Outcome {
	switch {
	case r.cancelRequested.Load():
		return r.cancelled()
	case r.ctx.Err() == nil:
		return nil
	case r.o.closing.Load():
		return r.suspend("shutdown")
	}
	return r.cancelled()
}

// call streams one provider response, retrying classified failures.
func (r *run) call() (*llm.LLMResponse, map[string]llm.Message, *Outcome) {
	for {
		resp, early, err := r.stream()
		if err == nil {
			r.retryAttempt = 0
			return resp, early, nil
		}
		if out := r.interrupted(); out != nil {
			return nil, nil, out
		}

		// failed counts this call; MaxAttempts bounds the total calls.
		failed := r.retryAttempt + 1
		cls := r.o.classifier.Classify(err)
		hc := r.hookContext(HookError)
		hc.Attempt = failed
		hc.Error = &cls
		d := r.harness.OnError(r.ctx, hc)
		r.logger.Warn("provider call failed",
			"attempt", failed,
			"category", string(cls.Category),
			"verdict", d.Verdict.String(),
			"error", err,
		)

		var wait time.Duration
		switch d.Verdict {
		case VerdictRetry, VerdictProceed:
			var ok bool
			if d.HookID == "" {
				wait, ok = r.o.cfg.Retry.Decide(cls, failed)
			} else {
				wait, ok = r.o.cfg.Retry.DecideForced(cls, failed)
			}
			if !ok {
				if cls.Category == CategoryQuota || cls.Category == CategoryRateLimited {
					return nil, nil, r.suspend("retries exhausted: " + string(cls.Category))
				}
				return nil, nil, r.fail(err)
			}
			if d.Verdict == VerdictProceed {
				wait = 0
			}
		case VerdictFail:
			return nil, nil, r.fail(err)
		case VerdictAbort:
			return nil, nil, r.cancelled()
		default:
			return nil, nil, r.suspend(string(cls.Category))
		}

		r.retryAttempt = failed
		if err := r.checkpoint(TriggerRetryWait); err != nil {
			return nil, nil, r.fail(err)
		}
		if sleepCtx(r.soft, wait) != nil {
			if out := r.interrupted(); out != nil {
				return nil, nil, out
			}
		}
	}
}

// stream makes one provider attempt. Tool calls that complete mid-stream
// are dispatched early when a batch size is configured; their results are
// dropped if the attempt fails.
func (r *run) stream() (*llm.LLMResponse, map[string]llm.Message, error) {
	if err := r.limiter.wait(r.ctx); err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	start := r.o.now()
	ch, err := r.o.llm.GenerateStream(ctx, r.messages, r.schemas)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	defer func() {
		cancel()
		for range ch {
		}
	}()

	p := llm.NewParser(r.o.cfg.Parser.ParserConfig)
	batch := r.newBatch()
	for ev := range ch {
		out, err := p.Feed(ev)
		if err != nil {
			batch.discard()
			return nil, nil, err
		}
		for _, pe := range out {
			if pe.Type == llm.ParseToolComplete && pe.Tool != nil {
				batch.add(*pe.Tool)
			}
		}
	}
	if !p.Ended() {
		batch.discard()
		if err := r.ctx.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, llm.ErrStreamTruncated
	}

	resp := p.Response(r.model)
	resp.LatencyMs = r.o.now().Sub(start).Milliseconds()
	return resp, batch.wait(), nil
}

// record appends the assistant turn to memory and the transcript.
func (r *run) record(resp *llm.LLMResponse) {
	r.turn++
	r.cost.Turns++
	r.cost.InputTokens += resp.InputTokens
	r.cost.OutputTokens += resp.OutputTokens
	r.cost.Spend += resp.CostUSD
	r.lastTokens = resp.InputTokens + resp.CacheReadInputTokens + resp.CacheCreationInputTokens + resp.OutputTokens

	msg := llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
	r.messages = append(r.messages, msg)
	r.appendMessages(msg)

	r.logger.Debug("turn complete",
		"turn", r.turn,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"cost_usd", resp.CostUSD,
		"tool_calls", len(resp.ToolCalls),
		"latency_ms", resp.LatencyMs,
	)
}

// bill charges spend to the ledger. Spend the reservation cannot cover is
// kept as unbilled and the thread is escalated.
func (r *run) bill(spend float64) *Outcome {
	if spend <= 0 {
		return nil
	}
	err := r.o.ledger.IncrementActual(r.bg(), r.id, spend)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrOverspend) {
		return r.fail(fmt.Errorf("bill spend: %w", err))
	}
	r.unbilled += spend
	r.logger.Warn("spend exceeds reservation", "spend", spend, "unbilled", r.unbilled, "error", err)

	cls := r.o.classifier.Classify(err)
	hc := r.hookContext(HookError)
	hc.Error = &cls
	switch d := r.harness.OnError(r.ctx, hc); d.Verdict {
	case VerdictFail:
		return r.fail(err)
	case VerdictAbort:
		return r.cancelled()
	}
	return r.suspend("budget exhausted")
}

func (r *run) syncCost() {
	if err := r.o.registry.UpdateCost(r.bg(), r.id, r.cost.Snapshot(0)); err != nil {
		r.logger.Warn("cost update failed", "error", err)
	}
}

// finishPendingTools dispatches the calls of an assistant turn that was
// checkpointed before its tools ran.
func (r *run) finishPendingTools() *Outcome {
	n := len(r.messages)
	if n == 0 || r.messages[n-1].Role != llm.RoleAssistant || len(r.messages[n-1].ToolCalls) == 0 {
		return nil
	}
	calls := r.messages[n-1].ToolCalls
	r.logger.Info("dispatching tool calls left by the last turn", "count", len(calls))
	return r.runTools(calls, nil)
}

func (r *run) runTools(calls []llm.ToolCall, early map[string]llm.Message) *Outcome {
	results := r.dispatchAll(calls, early)
	r.messages = append(r.messages, results...)
	r.appendMessages(results...)
	if err := r.checkpoint(TriggerPostTools); err != nil {
		return r.fail(err)
	}
	return nil
}

// dispatchAll runs calls concurrently and returns their results in call
// order.
func (r *run) dispatchAll(calls []llm.ToolCall, early map[string]llm.Message) []llm.Message {
	results := make([]llm.Message, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		if m, ok := early[call.ID]; ok {
			results[i] = m
			continue
		}
		g.Go(func() error {
			results[i] = r.dispatch(r.ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatch turns one call into a tool result. Unknown tools, denied
// permissions and tool failures come back to the model as error results.
func (r *run) dispatch(ctx context.Context, call llm.ToolCall) llm.Message {
	res := llm.Message{Role: llm.RoleTool, ToolCallID: call.ID}
	spec, ok := r.tools[call.Name]
	if !ok {
		res.Content = fmt.Sprintf("unknown tool %q", call.Name)
		res.IsError = true
		return res
	}
	req := spec.request(r.id, call)
	if err := r.harness.CheckPermission(req.Primary, req.ItemType, req.ItemID); err != nil {
		r.logger.Warn("tool call denied", "tool", call.Name, "error", err)
		res.Content = err.Error()
		res.IsError = true
		return res
	}

	r.appendRecords(Record{Type: RecordToolCall, Turn: r.turn, Data: map[string]any{
		"call_id": call.ID, "primary": req.Primary, "item_type": req.ItemType, "item_id": req.ItemID,
	}})
	start := time.Now()
	out, err := r.o.dispatchTool(ctx, r, req)
	if err != nil {
		res.Content = (&ToolError{ToolName: call.Name, Err: err}).Error()
		res.IsError = true
	} else {
		res.Content = out
	}
	r.appendRecords(Record{Type: RecordToolResult, Turn: r.turn, Data: map[string]any{
		"call_id": call.ID, "is_error": res.IsError, "duration_ms": time.Since(start).Milliseconds(),
	}})
	return res
}

// toolBatch dispatches completed tool calls while the stream is still
// running, size calls at a time.
type toolBatch struct {
	r       *run
	size    int
	ctx     context.Context
	cancel  context.CancelFunc
	g       errgroup.Group
	pending []llm.ToolCall

	mu      sync.Mutex
	results map[string]llm.Message
}

func (r *run) newBatch() *toolBatch {
	size := r.o.cfg.Parser.BatchSize
	if size <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(r.ctx)
	return &toolBatch{r: r, size: size, ctx: ctx, cancel: cancel, results: make(map[string]llm.Message)}
}

func (b *toolBatch) add(call llm.ToolCall) {
	if b == nil {
		return
	}
	b.pending = append(b.pending, call)
	if len(b.pending) < b.size {
		return
	}
	for _, c := range b.pending {
		b.g.Go(func() error {
			m := b.r.dispatch(b.ctx, c)
			b.mu.Lock()
			b.results[c.ID] = m
			b.mu.Unlock()
			return nil
		})
	}
	b.pending = nil
}

// wait returns the results of every dispatched call. Calls still pending
// are left to the regular dispatch pass.
func (b *toolBatch) wait() map[string]llm.Message {
	if b == nil {
		return nil
	}
	_ = b.g.Wait()
	b.cancel()
	return b.results
}

func (b *toolBatch) discard() {
	if b == nil {
		return
	}
	b.cancel()
	_ = b.g.Wait()
}

func (r *run) hookContext(event HookEvent) HookContext {
	return HookContext{
		ThreadID:  r.id,
		ParentID:  r.parentID,
		Directive: r.directive.Name,
		Model:     r.model,
		Event:     event,
		Turn:      r.turn,
		Attempt:   r.retryAttempt,
		Cost:      r.cost,
		Limits:    r.harness.Limits(),
		Inputs:    r.inputs,
	}
}

func (r *run) snapshot(trigger CheckpointTrigger) *Checkpoint {
	return &Checkpoint{
		ThreadID:       r.id,
		ParentID:       r.parentID,
		Directive:      r.directive,
		UserHooks:      r.userHooks,
		Capabilities:   r.caps,
		Inputs:         r.inputs,
		Limits:         r.harness.Limits(),
		Turn:           r.turn,
		Messages:       r.messages,
		Cost:           r.cost,
		AboveThreshold: r.aboveThreshold,
		RetryAttempt:   r.retryAttempt,
		Unbilled:       r.unbilled,
		Trigger:        trigger,
		SavedAt:        r.o.now().UTC(),
	}
}

// checkpoint saves state. Under the warn policy a failed write is logged
// and the thread carries on.
func (r *run) checkpoint(trigger CheckpointTrigger) error {
	err := r.o.store.Save(r.snapshot(trigger))
	if err == nil {
		return nil
	}
	cerr := &CheckpointError{ThreadID: r.id, Trigger: trigger, Err: err}
	if r.o.cfg.Checkpoint.OnFailure == CheckpointWarn {
		r.logger.Warn("checkpoint failed", "trigger", string(trigger), "error", err)
		return nil
	}
	return cerr
}

func (r *run) appendMessages(msgs ...llm.Message) {
	if err := r.transcript.AppendMessages(r.turn, msgs...); err != nil {
		r.logger.Warn("transcript append failed", "error", err)
	}
}

func (r *run) appendRecords(recs ...Record) {
	if err := r.transcript.Append(recs...); err != nil {
		r.logger.Warn("transcript append failed", "error", err)
	}
}

// bg is for bookkeeping writes that must land even while the run is being
// torn down.
func (r *run) bg() context.Context {
	return context.WithoutCancel(r.ctx)
}

func (r *run) end(status registry.Status, text string, err error) *Outcome {
	return &Outcome{ThreadID: r.id, Status: status, Text: text, Err: err, Cost: r.cost}
}

func (r *run) fail(err error) *Outcome {
	return r.end(registry.StatusError, "", &ThreadError{ThreadID: r.id, Directive: r.directive.Name, Err: err})
}

func (r *run) suspend(reason string) *Outcome {
	out := r.end(registry.StatusSuspended, "", nil)
	out.Reason = reason
	return out
}

func (r *run) cancelled() *Outcome {
	return r.end(registry.StatusCancelled, "", ErrCancelled)
}
