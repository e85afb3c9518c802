package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Write events can arrive before the writer commits, so a wake-up waits for
// the files to settle and the row is re-read on a slow tick regardless.
var (
	settleDelay     = 20 * time.Millisecond
	recheckInterval = 500 * time.Millisecond
)

// WaitFor blocks until the thread's row satisfies done, waking on writes to
// the registry database files. It is the cross-process counterpart of the
// orchestrator's in-memory completion channels.
func (r *Registry) WaitFor(ctx context.Context, id string, done func(*Thread) bool) (*Thread, error) {
	if r.path == "" {
		return nil, ErrWatchUnavailable
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchUnavailable, err)
	}
	defer w.Close()

	dir := filepath.Dir(r.path)
	base := filepath.Base(r.path)
	if err := w.Add(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchUnavailable, err)
	}

	tick := time.NewTicker(recheckInterval)
	defer tick.Stop()

	// Check after the watch is armed so a write between the two cannot be
	// missed.
	for {
		t, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if done(t) {
			return t, nil
		}

		if err := waitForWrite(ctx, w, base, tick.C); err != nil {
			return nil, err
		}
	}
}

func waitForWrite(ctx context.Context, w *fsnotify.Watcher, base string, tick <-chan time.Time) error {
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			return nil
		case <-settle:
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return ErrWatchUnavailable
			}
			// registry.db, registry.db-wal, registry.db-shm
			if strings.HasPrefix(filepath.Base(ev.Name), base) && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				settle = time.After(settleDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return ErrWatchUnavailable
			}
			return fmt.Errorf("%w: %v", ErrWatchUnavailable, err)
		}
	}
}
