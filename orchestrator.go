package weft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/everydev1618/weft/ledger"
	"github.com/everydev1618/weft/llm"
	"github.com/everydev1618/weft/registry"
)

// Orchestrator runs threads in this process and coordinates them through
// the shared registry and budget ledger.
type Orchestrator struct {
	cfg        Config
	registry   *registry.Registry
	ledger     *ledger.Ledger
	store      *StateStore
	llm        llm.LLM
	dispatcher Dispatcher
	resolver   DirectiveResolver
	classifier *Classifier
	hooks      []Hook
	probe      registry.LivenessProbe
	owner      registry.Owner
	logger     *slog.Logger
	now        func() time.Time

	// Rate limiting
	rateLimitConfigs map[string]RateLimitConfig
	rateLimits       map[string]*rateLimiter

	runs    map[string]*run
	mu      sync.RWMutex
	wg      sync.WaitGroup
	closing atomic.Bool

	// Lifecycle callbacks
	onComplete []func(ThreadEvent)
	onFailed   []func(ThreadEvent)
	onStarted  []func(ThreadEvent)
	onEvent    []func(ThreadEvent)
	callbackMu sync.RWMutex
	events     *CallbackConfig

	closers []io.Closer

	// Shutdown coordination
	ctx    context.Context
	cancel context.CancelFunc
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithRegistry sets the thread registry.
func WithRegistry(r *registry.Registry) OrchestratorOption {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithLedger sets the budget ledger.
func WithLedger(l *ledger.Ledger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.ledger = l
	}
}

// WithStateStore sets where checkpoints and transcripts live.
func WithStateStore(s *StateStore) OrchestratorOption {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithLLM sets the provider backend.
func WithLLM(l llm.LLM) OrchestratorOption {
	return func(o *Orchestrator) {
		o.llm = l
	}
}

// WithDispatcher sets where tool calls go.
func WithDispatcher(d Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.dispatcher = d
	}
}

// WithDirectiveResolver sets how directive names are looked up.
func WithDirectiveResolver(r DirectiveResolver) OrchestratorOption {
	return func(o *Orchestrator) {
		o.resolver = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithLivenessProbe sets how orphan scans decide whether an owner is alive.
func WithLivenessProbe(p registry.LivenessProbe) OrchestratorOption {
	return func(o *Orchestrator) {
		o.probe = p
	}
}

// WithOwner overrides the identity recorded on threads this process runs.
func WithOwner(owner registry.Owner) OrchestratorOption {
	return func(o *Orchestrator) {
		o.owner = owner
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithRateLimits configures per-model rate limiting on top of the
// configuration file.
func WithRateLimits(limits map[string]RateLimitConfig) OrchestratorOption {
	return func(o *Orchestrator) {
		for model, config := range limits {
			o.rateLimitConfigs[model] = config
		}
	}
}

// NewOrchestrator creates an Orchestrator. The registry, ledger and state
// store are required.
func NewOrchestrator(opts ...OrchestratorOption) (*Orchestrator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:              DefaultConfig(),
		owner:            registry.CurrentOwner(),
		logger:           slog.Default(),
		now:              time.Now,
		rateLimitConfigs: make(map[string]RateLimitConfig),
		rateLimits:       make(map[string]*rateLimiter),
		runs:             make(map[string]*run),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.registry == nil || o.ledger == nil || o.store == nil {
		cancel()
		return nil, fmt.Errorf("%w: registry, ledger and state store are required", ErrInvalidConfig)
	}
	if err := o.cfg.Validate(); err != nil {
		cancel()
		return nil, err
	}
	classifier, err := NewClassifier(o.cfg.Classification)
	if err != nil {
		cancel()
		return nil, err
	}
	o.classifier = classifier
	if o.hooks, err = o.cfg.hookLayers(); err != nil {
		cancel()
		return nil, err
	}
	if o.probe == nil {
		o.probe = registry.ProcessProbe{Host: o.owner.Host}
	}

	for model, config := range o.cfg.RateLimits {
		if _, ok := o.rateLimitConfigs[model]; !ok {
			o.rateLimitConfigs[model] = config
		}
	}
	for model, config := range o.rateLimitConfigs {
		if config.RequestsPerMinute > 0 {
			o.rateLimits[model] = newRateLimiter(config, o.now)
		}
	}
	return o, nil
}

// Open opens the stores named by cfg.Paths and builds an Orchestrator that
// closes them on Close.
func Open(ctx context.Context, cfg Config, opts ...OrchestratorOption) (*Orchestrator, error) {
	logger := slog.Default()
	reg, err := registry.Open(ctx, cfg.Paths.RegistryDB, registry.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	led, err := ledger.Open(ctx, cfg.Paths.LedgerDB, ledger.WithLogger(logger))
	if err != nil {
		reg.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	store, err := NewStateStore(cfg.Paths.StateDir)
	if err != nil {
		reg.Close()
		led.Close()
		return nil, err
	}

	base := []OrchestratorOption{WithConfig(cfg), WithRegistry(reg), WithLedger(led), WithStateStore(store)}
	o, err := NewOrchestrator(append(base, opts...)...)
	if err != nil {
		reg.Close()
		led.Close()
		return nil, err
	}
	o.closers = append(o.closers, reg, led)
	return o, nil
}

// Registry returns the thread registry.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Ledger returns the budget ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger {
	return o.ledger
}

// StateStore returns the checkpoint and transcript store.
func (o *Orchestrator) StateStore() *StateStore {
	return o.store
}

// SpawnRequest describes a thread to start.
type SpawnRequest struct {
	// Directive to run. When nil, DirectiveName is resolved.
	Directive     *Directive
	DirectiveName string

	// ParentID makes the thread a child: its limits and budget come out of
	// the parent's.
	ParentID string

	// Limits are the caller's overrides, applied over the directive's.
	Limits LimitOverrides

	// Hooks are user-layer hooks.
	Hooks []Hook

	// Inputs are available to the prompt and to hooks as ${inputs.x}.
	Inputs map[string]any
}

// Spawn registers a thread, reserves its budget and starts it. It returns
// the new thread's id.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	if o.closing.Load() {
		return "", ErrClosed
	}
	if o.llm == nil {
		return "", ErrNoProvider
	}
	d, err := o.resolveDirective(ctx, req)
	if err != nil {
		return "", err
	}

	var parent *Limits
	var parentCaps []string
	if req.ParentID != "" {
		pl, caps, err := o.parentState(req.ParentID)
		if err != nil {
			return "", err
		}
		parent, parentCaps = &pl, caps
	}
	limits, err := ResolveLimits(o.cfg.Defaults, d.Limits, req.Limits, parent)
	if err != nil {
		return "", err
	}

	if parent != nil {
		check, err := o.ledger.CanSpawn(ctx, req.ParentID, limits.Spend)
		if err != nil {
			return "", err
		}
		if !check.Allowed {
			explicit := d.Limits.Spend != nil || req.Limits.Spend != nil
			if explicit || check.Remaining <= 0 {
				return "", &ledger.InsufficientBudgetError{
					ParentID:  req.ParentID,
					Requested: limits.Spend,
					Remaining: check.Remaining,
				}
			}
			// An inherited ceiling shrinks to what the parent has left.
			limits.Spend = check.Remaining
		}

		allowed, err := o.spawnAllowance(ctx, req.ParentID, *parent)
		if err != nil {
			return "", err
		}
		if _, err := o.registry.IncrementSpawnCount(ctx, req.ParentID, allowed); err != nil {
			return "", err
		}
	}

	id := uuid.New().String()
	if parent != nil {
		err = o.ledger.Reserve(ctx, id, limits.Spend, req.ParentID)
	} else {
		err = o.ledger.Register(ctx, id, limits.Spend, "")
	}
	if err != nil {
		return "", err
	}

	model := d.Model
	if m, ok := o.llm.(interface{ Model() string }); ok && model == "" {
		model = m.Model()
	}
	if err := o.registry.Register(ctx, registry.Thread{
		ID:        id,
		ParentID:  req.ParentID,
		Directive: d.Name,
		Model:     model,
		Owner:     o.owner,
	}); err != nil {
		o.releaseQuietly(id, registry.StatusError)
		return "", err
	}

	caps := d.Capabilities
	if caps == nil {
		caps = parentCaps
	}
	cp := &Checkpoint{
		ThreadID:     id,
		ParentID:     req.ParentID,
		Directive:    *d,
		UserHooks:    req.Hooks,
		Capabilities: caps,
		Inputs:       req.Inputs,
		Limits:       limits,
		Trigger:      TriggerSpawn,
		SavedAt:      o.now().UTC(),
	}
	r, err := o.newRun(cp)
	if err != nil {
		o.abandon(id, err)
		return "", err
	}

	doc := map[string]any{"inputs": req.Inputs}
	var opening []string
	if s := r.harness.RunContext(ctx, HookThreadStarted, r.hookContext(HookThreadStarted)); s != "" {
		opening = append(opening, s)
	}
	opening = append(opening, interpolateString(d.Prompt, doc))
	if d.System != "" {
		cp.Messages = append(cp.Messages, llm.Message{Role: llm.RoleSystem, Content: d.System})
	}
	cp.Messages = append(cp.Messages, llm.Message{Role: llm.RoleUser, Content: strings.Join(opening, "\n\n")})
	r.messages = cp.Messages

	if err := o.store.Save(cp); err != nil {
		err = &CheckpointError{ThreadID: id, Trigger: TriggerSpawn, Err: err}
		o.abandon(id, err)
		return "", err
	}
	r.appendMessages(cp.Messages...)

	if err := o.start(r); err != nil {
		o.abandon(id, err)
		return "", err
	}
	o.logger.Info("thread spawned",
		"thread_id", id,
		"parent_id", req.ParentID,
		"directive", d.Name,
		"spend", limits.Spend,
		"depth", limits.Depth,
	)
	return id, nil
}

func (o *Orchestrator) resolveDirective(ctx context.Context, req SpawnRequest) (*Directive, error) {
	d := req.Directive
	if d == nil {
		if o.resolver == nil {
			return nil, ErrNoResolver
		}
		var err error
		if d, err = o.resolver.Resolve(ctx, req.DirectiveName); err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	c := *d
	return &c, nil
}

// parentState returns a parent's limits and capabilities, from memory when
// it runs here, otherwise from its checkpoint.
func (o *Orchestrator) parentState(id string) (Limits, []string, error) {
	o.mu.RLock()
	r := o.runs[id]
	o.mu.RUnlock()
	if r != nil {
		return r.harness.Limits(), r.caps, nil
	}
	cp, err := o.store.Load(id)
	if err != nil {
		return Limits{}, nil, fmt.Errorf("parent %s: %w", id, err)
	}
	return cp.Limits, cp.Capabilities, nil
}

// spawnAllowance returns the spawn ceiling IncrementSpawnCount enforces for
// parentID. A parent running here has its limit hooks consulted once the
// ceiling is reached; a continue verdict lifts it.
func (o *Orchestrator) spawnAllowance(ctx context.Context, parentID string, limits Limits) (int, error) {
	if limits.Spawns == 0 {
		return math.MaxInt, nil
	}
	o.mu.RLock()
	r := o.runs[parentID]
	o.mu.RUnlock()
	if r == nil {
		return limits.Spawns, nil
	}

	t, err := o.registry.Get(ctx, parentID)
	if err != nil {
		return 0, err
	}
	ev := r.harness.CheckSpawn(t.Cost.SpawnCount)
	if ev == nil {
		return limits.Spawns, nil
	}
	d := r.harness.OnLimit(ctx, HookContext{
		ThreadID:  r.id,
		ParentID:  r.parentID,
		Directive: r.directive.Name,
		Model:     r.model,
		Event:     HookLimit,
		Limits:    r.harness.Limits(),
		Limit:     ev,
		Inputs:    r.inputs,
	})
	if d.Verdict == VerdictProceed {
		return math.MaxInt, nil
	}
	o.logger.Info("spawn refused",
		"thread_id", parentID,
		"limit", ev.String(),
		"verdict", d.Verdict.String(),
	)
	return 0, &LimitError{Event: *ev}
}

// abandon retires a thread that was registered but never ran.
func (o *Orchestrator) abandon(id string, cause error) {
	ctx := context.Background()
	if err := o.registry.SetResult(ctx, id, "", cause.Error()); err != nil {
		o.logger.Warn("set result failed", "thread_id", id, "error", err)
	}
	if err := o.registry.UpdateStatus(ctx, id, registry.StatusError); err != nil {
		o.logger.Warn("status update failed", "thread_id", id, "error", err)
	}
	o.releaseQuietly(id, registry.StatusError)
}

func (o *Orchestrator) releaseQuietly(id string, status registry.Status) {
	if err := o.ledger.Release(context.Background(), id, ledger.Status(status)); err != nil {
		o.logger.Warn("budget release failed", "thread_id", id, "error", err)
	}
}

// start marks r running and launches its loop.
func (o *Orchestrator) start(r *run) error {
	o.mu.Lock()
	if o.closing.Load() {
		o.mu.Unlock()
		return ErrClosed
	}
	if _, ok := o.runs[r.id]; ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThreadRunning, r.id)
	}
	o.runs[r.id] = r
	o.wg.Add(1)
	o.mu.Unlock()

	if err := o.registry.UpdateStatus(r.bg(), r.id, registry.StatusRunning); err != nil {
		o.mu.Lock()
		delete(o.runs, r.id)
		o.mu.Unlock()
		o.wg.Done()
		return err
	}

	o.emit(ThreadEvent{Type: EventStarted, ThreadID: r.id, ParentID: r.parentID, Directive: r.directive.Name})
	go func() {
		defer o.wg.Done()
		out := r.execute()
		o.finalize(r, out)
	}()
	return nil
}

// finalize records how a run ended. Suspended threads keep their budget
// reservation; every other terminal status releases it.
func (o *Orchestrator) finalize(r *run, out Outcome) {
	ctx := r.bg()
	r.tick()
	out.Cost = r.cost

	if out.Status != registry.StatusContinued {
		r.syncCost()
		if err := o.store.Save(r.snapshot(TriggerFinal)); err != nil {
			r.logger.Warn("final checkpoint failed", "error", err)
		}
	}

	ev := ThreadEvent{
		Type:        EventType(out.Status),
		ThreadID:    r.id,
		ParentID:    r.parentID,
		Directive:   r.directive.Name,
		Result:      out.Text,
		Reason:      out.Reason,
		SuccessorID: out.SuccessorID,
		Cost:        out.Cost.Snapshot(0),
	}

	switch out.Status {
	case registry.StatusCompleted:
		o.setResult(ctx, r.id, out.Text, "")
		o.setStatus(ctx, r.id, out.Status)
		o.releaseQuietly(r.id, out.Status)
	case registry.StatusError:
		msg := out.Err.Error()
		ev.Error = msg
		o.setResult(ctx, r.id, "", msg)
		o.setStatus(ctx, r.id, out.Status)
		o.releaseQuietly(r.id, out.Status)
		if r.parentID != "" {
			err := o.store.Transcript(r.parentID).Append(Record{Type: RecordChildFailed, Data: map[string]any{
				"child_thread_id": r.id,
				"directive":       r.directive.Name,
				"error":           msg,
			}})
			if err != nil {
				r.logger.Warn("could not notify parent transcript", "parent_id", r.parentID, "error", err)
			}
		}
	case registry.StatusCancelled:
		o.setStatus(ctx, r.id, out.Status)
		o.releaseQuietly(r.id, out.Status)
	case registry.StatusSuspended:
		o.setStatus(ctx, r.id, out.Status)
	}

	r.logger.Info("thread stopped",
		"status", string(out.Status),
		"reason", out.Reason,
		"turns", out.Cost.Turns,
		"spend", out.Cost.Spend,
		"continuation", out.SuccessorID,
	)

	r.outcome = out
	r.softCancel()
	r.cancel()
	o.mu.Lock()
	delete(o.runs, r.id)
	o.mu.Unlock()
	close(r.done)

	o.emit(ev)
}

func (o *Orchestrator) setStatus(ctx context.Context, id string, s registry.Status) {
	if err := o.registry.UpdateStatus(ctx, id, s); err != nil {
		o.logger.Error("status update failed", "thread_id", id, "status", string(s), "error", err)
	}
}

func (o *Orchestrator) setResult(ctx context.Context, id, result, errMsg string) {
	if err := o.registry.SetResult(ctx, id, result, errMsg); err != nil {
		o.logger.Error("set result failed", "thread_id", id, "error", err)
	}
}

func (o *Orchestrator) limiterFor(model string) *rateLimiter {
	return o.rateLimits[model]
}

// ResumeOptions adjusts a suspended thread before it restarts.
type ResumeOptions struct {
	// Limits raise (or lower) ceilings. They are capped by the parent's.
	Limits LimitOverrides
}

// Resume restarts a suspended thread from its last checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, id string, opts ResumeOptions) error {
	if o.closing.Load() {
		return ErrClosed
	}
	if o.llm == nil {
		return ErrNoProvider
	}
	o.mu.RLock()
	_, local := o.runs[id]
	o.mu.RUnlock()
	if local {
		return fmt.Errorf("%w: %s", ErrThreadRunning, id)
	}

	t, err := o.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != registry.StatusSuspended {
		return fmt.Errorf("%w: %s is %s", ErrNotSuspended, id, t.Status)
	}
	cp, err := o.store.Load(id)
	if err != nil {
		return err
	}

	if err := opts.Limits.Validate(); err != nil {
		return err
	}
	limits := opts.Limits.Apply(cp.Limits)
	if cp.ParentID != "" {
		parent, _, err := o.parentState(cp.ParentID)
		if err != nil {
			return err
		}
		limits = limits.capBy(parent)
	}
	if limits.Spend <= 0 {
		return fmt.Errorf("%w: spend limit must be positive", ErrInvalidConfig)
	}

	if limits.Spend != cp.Limits.Spend {
		entry, err := o.ledger.Get(ctx, id)
		if err != nil {
			return err
		}
		if entry.ParentID == "" {
			err = o.ledger.Raise(ctx, id, limits.Spend)
		} else {
			err = o.ledger.Reserve(ctx, id, limits.Spend, entry.ParentID)
		}
		if err != nil {
			return fmt.Errorf("resize budget: %w", err)
		}
	}
	cp.Limits = limits

	if cp.Unbilled > 0 {
		if err := o.ledger.IncrementActual(ctx, id, cp.Unbilled); err != nil {
			return fmt.Errorf("bill %.6f carried over: %w", cp.Unbilled, err)
		}
		cp.Unbilled = 0
	}
	if err := o.registry.SetOwner(ctx, id, o.owner); err != nil {
		return err
	}

	r, err := o.newRun(cp)
	if err != nil {
		return err
	}
	if err := o.start(r); err != nil {
		return err
	}
	o.logger.Info("thread resumed", "thread_id", id, "turn", cp.Turn, "trigger", string(cp.Trigger))
	return nil
}

// Cancel asks a thread to stop at its next check. A continued thread is
// resolved to the end of its chain first. Suspended threads are cancelled
// directly. Threads running in another process return ErrNotLocal.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	t, err := o.registry.ResolveTerminal(ctx, id)
	if err != nil {
		return err
	}
	o.mu.RLock()
	r := o.runs[t.ID]
	o.mu.RUnlock()
	if r != nil {
		r.requestCancel()
		o.logger.Info("cancel requested", "thread_id", t.ID)
		return nil
	}

	switch t.Status {
	case registry.StatusSuspended, registry.StatusCreated:
		if err := o.registry.UpdateStatus(ctx, t.ID, registry.StatusCancelled); err != nil {
			return err
		}
		return o.ledger.Release(ctx, t.ID, ledger.Status(registry.StatusCancelled))
	case registry.StatusRunning:
		return fmt.Errorf("%w: %s owned by %s", ErrNotLocal, t.ID, t.Owner)
	}
	return nil
}

// Kill stops a local thread immediately, abandoning any in-flight call.
func (o *Orchestrator) Kill(id string) error {
	o.mu.RLock()
	r, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLocal, id)
	}
	o.logger.Warn("killing thread", "thread_id", id)
	r.cancel()
	return nil
}

// Running returns the ids of threads executing in this process.
func (o *Orchestrator) Running() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every local thread. Interrupted threads are suspended so
// another process can resume them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing.Store(true)
	o.mu.Unlock()

	// Cancel all runs
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down and closes the stores opened by Open.
func (o *Orchestrator) Close() error {
	errs := []error{o.Shutdown(context.Background())}
	for _, c := range o.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// ThreadStatus is a thread's registry row plus its budget.
type ThreadStatus struct {
	Thread registry.Thread `json:"thread"`
	Budget *ledger.Entry   `json:"budget,omitempty"`
	Local  bool            `json:"local"`
}

// Status reports on one thread.
func (o *Orchestrator) Status(ctx context.Context, id string) (*ThreadStatus, error) {
	t, err := o.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &ThreadStatus{Thread: *t}
	if e, err := o.ledger.Get(ctx, id); err == nil {
		st.Budget = e
	} else if !errors.Is(err, ledger.ErrNotRegistered) {
		return nil, err
	}
	o.mu.RLock()
	_, st.Local = o.runs[id]
	o.mu.RUnlock()
	return st, nil
}

// SearchChain searches the transcripts of every thread in id's
// continuation chain, oldest first.
func (o *Orchestrator) SearchChain(ctx context.Context, id, query string, regex bool) ([]SearchHit, error) {
	chain, err := o.registry.Chain(ctx, id)
	if err != nil {
		return nil, err
	}
	var hits []SearchHit
	for _, t := range chain {
		h, err := o.store.Transcript(t.ID).Search(query, regex)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", t.ID, err)
		}
		hits = append(hits, h...)
	}
	return hits, nil
}
