package weft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/everydev1618/weft/registry"
)

// WaitOptions controls Wait.
type WaitOptions struct {
	// Timeout bounds the whole wait. Zero waits until ctx is done.
	Timeout time.Duration

	// FailFast stops waiting at the first thread that errors and asks the
	// others to cancel.
	FailFast bool
}

// Result is where a waited-on thread ended up. ThreadID is the id that was
// waited on; FinalThreadID is the end of its continuation chain.
type Result struct {
	ThreadID      string                `json:"thread_id"`
	FinalThreadID string                `json:"final_thread_id"`
	Status        registry.Status       `json:"status"`
	Text          string                `json:"result,omitempty"`
	Error         string                `json:"error,omitempty"`
	Cost          registry.CostSnapshot `json:"cost"`
}

// Settled reports whether the thread stopped, either for good or
// suspended awaiting a resume.
func (r Result) Settled() bool {
	return r.Status.Terminal() || r.Status == registry.StatusSuspended
}

// Wait blocks until every thread has settled, following continuation
// chains to their last thread. Threads running here are awaited through
// their completion channels, others through registry change
// notifications.
//
// On timeout Wait returns what it has with ErrWaitTimeout; unsettled
// entries carry their current status. In fail-fast mode the first error
// returns immediately after cancellation was requested for the rest.
func (o *Orchestrator) Wait(ctx context.Context, ids []string, opts WaitOptions) ([]Result, error) {
	wctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	results := make([]Result, len(ids))
	var failed *ThreadError
	var once sync.Once

	g, gctx := errgroup.WithContext(wctx)
	for i, id := range ids {
		g.Go(func() error {
			res, err := o.waitOne(gctx, id)
			results[i] = res
			if err != nil {
				return err
			}
			if opts.FailFast && res.Status == registry.StatusError {
				once.Do(func() {
					failed = &ThreadError{ThreadID: res.FinalThreadID, Err: fmt.Errorf("%w: %s", ErrThreadFailed, res.Error)}
					o.cancelOthers(ids, id)
				})
				return failed
			}
			return nil
		})
	}
	err := g.Wait()

	for i, id := range ids {
		if !results[i].Settled() {
			results[i] = o.currentResult(context.WithoutCancel(ctx), id)
		}
	}

	switch {
	case err == nil:
		return results, nil
	case failed != nil:
		return results, failed
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return results, fmt.Errorf("%w after %v", ErrWaitTimeout, opts.Timeout)
	}
	return results, err
}

func (o *Orchestrator) cancelOthers(ids []string, except string) {
	for _, id := range ids {
		if id == except {
			continue
		}
		if err := o.Cancel(context.Background(), id); err != nil && !errors.Is(err, ErrNotLocal) {
			o.logger.Warn("fail-fast cancel failed", "thread_id", id, "error", err)
		}
	}
}

// waitOne follows id's chain until its last thread settles.
func (o *Orchestrator) waitOne(ctx context.Context, id string) (Result, error) {
	cur := id
	for {
		o.mu.RLock()
		r := o.runs[cur]
		o.mu.RUnlock()
		if r != nil {
			select {
			case <-r.done:
			case <-ctx.Done():
				return Result{ThreadID: id, FinalThreadID: cur}, ctx.Err()
			}
			if next := r.outcome.SuccessorID; next != "" {
				cur = next
				continue
			}
		}

		t, err := o.registry.Get(ctx, cur)
		if err != nil {
			return Result{ThreadID: id, FinalThreadID: cur}, err
		}
		if t.Status == registry.StatusContinued && t.ContinuationThreadID != "" {
			cur = t.ContinuationThreadID
			continue
		}
		res := resultOf(id, t)
		if res.Settled() {
			return res, nil
		}

		o.mu.RLock()
		_, local := o.runs[cur]
		o.mu.RUnlock()
		if local {
			continue
		}
		if _, err := o.registry.WaitFor(ctx, cur, settledOrMoved(t.Status)); err != nil {
			if !errors.Is(err, registry.ErrWatchUnavailable) {
				return res, err
			}
			// No file to watch, e.g. an in-memory registry.
			if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
				return res, err
			}
		}
	}
}

// settledOrMoved wakes a registry watch once the thread leaves from.
func settledOrMoved(from registry.Status) func(*registry.Thread) bool {
	return func(t *registry.Thread) bool {
		return t.Status != from || t.Status.Terminal() || t.Status == registry.StatusSuspended
	}
}

func (o *Orchestrator) currentResult(ctx context.Context, id string) Result {
	t, err := o.registry.ResolveTerminal(ctx, id)
	if err != nil {
		return Result{ThreadID: id, FinalThreadID: id, Error: err.Error()}
	}
	return resultOf(id, t)
}

func resultOf(id string, t *registry.Thread) Result {
	return Result{
		ThreadID:      id,
		FinalThreadID: t.ID,
		Status:        t.Status,
		Text:          t.Result,
		Error:         t.Error,
		Cost:          t.Cost,
	}
}
