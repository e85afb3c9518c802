package registry

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func register(t *testing.T, r *Registry, id, parent string) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), Thread{ID: id, ParentID: parent, Directive: "d"}))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusContinued, true},
		{StatusRunning, StatusSuspended, true},
		{StatusSuspended, StatusRunning, true},
		{StatusSuspended, StatusCancelled, true},
		{StatusSuspended, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusContinued, StatusRunning, false},
		{StatusError, StatusRunning, false},
		{StatusCancelled, StatusSuspended, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRegisterAndGet(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)

	owner := Owner{PID: 42, Host: "box"}
	require.NoError(t, r.Register(ctx, Thread{ID: "t1", Directive: "review", Model: "m", Owner: owner}))
	require.ErrorIs(t, r.Register(ctx, Thread{ID: "t1", Directive: "review"}), ErrThreadExists)

	got, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "t1", got.ChainRootID)
	assert.Equal(t, owner, got.Owner)
	assert.Nil(t, got.CompletedAt)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestUpdateStatusEnforcesStateMachine(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	register(t, r, "t1", "")

	require.NoError(t, r.UpdateStatus(ctx, "t1", StatusRunning))
	require.NoError(t, r.UpdateStatus(ctx, "t1", StatusRunning), "same status is a no-op")
	require.NoError(t, r.UpdateStatus(ctx, "t1", StatusSuspended))
	require.NoError(t, r.UpdateStatus(ctx, "t1", StatusRunning))
	require.NoError(t, r.UpdateStatus(ctx, "t1", StatusCompleted))

	err := r.UpdateStatus(ctx, "t1", StatusRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusCompleted, te.From)

	got, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, r.UpdateStatus(ctx, "nope", StatusRunning), ErrThreadNotFound)
}

func TestUpdateCostIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	register(t, r, "t1", "")

	c := CostSnapshot{Turns: 3, InputTokens: 100, OutputTokens: 50, Spend: 0.12}
	require.NoError(t, r.UpdateCost(ctx, "t1", c))
	require.NoError(t, r.UpdateCost(ctx, "t1", c))

	got, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, c, got.Cost)
	assert.ErrorIs(t, r.UpdateCost(ctx, "nope", c), ErrThreadNotFound)
}

func TestSpawnCount(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	register(t, r, "p", "")

	for i := 1; i <= 2; i++ {
		n, err := r.IncrementSpawnCount(ctx, "p", 2)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	_, err := r.IncrementSpawnCount(ctx, "p", 2)
	assert.ErrorIs(t, err, ErrSpawnLimit)

	// The snapshot update must not reset the spawn counter.
	require.NoError(t, r.UpdateCost(ctx, "p", CostSnapshot{Turns: 1}))
	got, err := r.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cost.SpawnCount)
}

func TestTreeQueries(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	register(t, r, "root", "")
	register(t, r, "a", "root")
	register(t, r, "b", "root")
	register(t, r, "a1", "a")
	register(t, r, "a1x", "a1")

	direct, err := r.Children(ctx, "root", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(direct))

	all, err := r.Children(ctx, "root", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "a1", "a1x"}, ids(all))

	anc, err := r.Ancestors(ctx, "a1x")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a", "root"}, ids(anc))

	require.NoError(t, r.UpdateCost(ctx, "root", CostSnapshot{Turns: 1, Spend: 0.10}))
	require.NoError(t, r.UpdateCost(ctx, "a", CostSnapshot{Turns: 2, Spend: 0.20}))
	require.NoError(t, r.UpdateCost(ctx, "a1x", CostSnapshot{Turns: 4, InputTokens: 7, Spend: 0.40}))
	require.NoError(t, r.UpdateCost(ctx, "b", CostSnapshot{Turns: 8}))

	agg, err := r.AggregateCost(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 6, agg.Turns)
	assert.Equal(t, 7, agg.InputTokens)
	assert.InDelta(t, 0.60, agg.Spend, 1e-9)

	agg, err = r.AggregateCost(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, 15, agg.Turns)
}

func TestChildrenTerminatesOnCycle(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	register(t, r, "x", "y")
	register(t, r, "y", "x")

	done := make(chan struct{})
	go func() {
		defer close(done)
		kids, err := r.Children(ctx, "x", true)
		assert.NoError(t, err)
		assert.Equal(t, []string{"y"}, ids(kids))

		_, err = r.Ancestors(ctx, "x")
		assert.Error(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tree traversal did not terminate on a cycle")
	}
}

func TestContinuationChain(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		register(t, r, id, "")
		require.NoError(t, r.UpdateStatus(ctx, id, StatusRunning))
	}

	require.NoError(t, r.SetContinuation(ctx, "t1", "t2"))
	require.NoError(t, r.SetContinuation(ctx, "t2", "t3"))

	require.ErrorIs(t, r.SetContinuation(ctx, "t1", "t3"), ErrContinuationSet)

	t1, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusContinued, t1.Status)

	t3, err := r.Get(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, "t2", t3.ContinuationOf)
	assert.Equal(t, "t1", t3.ChainRootID)

	for _, start := range []string{"t1", "t2", "t3"} {
		chain, err := r.Chain(ctx, start)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2", "t3"}, ids(chain), "Chain(%s)", start)

		// Resolution is idempotent.
		for i := 0; i < 3; i++ {
			tip, err := r.ResolveTerminal(ctx, start)
			require.NoError(t, err)
			assert.Equal(t, "t3", tip.ID)
		}
	}
}

func TestSetContinuationRejectsBackEdge(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	for _, id := range []string{"t1", "t2"} {
		register(t, r, id, "")
		require.NoError(t, r.UpdateStatus(ctx, id, StatusRunning))
	}
	require.NoError(t, r.SetContinuation(ctx, "t1", "t2"))

	err := r.SetContinuation(ctx, "t2", "t1")
	require.ErrorIs(t, err, ErrChainCycle)
	var cre *ChainResolutionError
	require.True(t, errors.As(err, &cre))

	require.ErrorIs(t, r.SetContinuation(ctx, "t2", "t2"), ErrChainCycle)

	t2, err := r.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, t2.Status, "rejected link must not change status")
}

func TestChainDetectsCorruptCycle(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	register(t, r, "t1", "")
	register(t, r, "t2", "")
	// Write a cycle directly, bypassing SetContinuation's checks.
	_, err := r.db.Exec(`UPDATE threads SET continuation_thread_id = 't2', continuation_of = 't2' WHERE thread_id = 't1'`)
	require.NoError(t, err)
	_, err = r.db.Exec(`UPDATE threads SET continuation_thread_id = 't1', continuation_of = 't1' WHERE thread_id = 't2'`)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = r.Chain(ctx, "t1")
		assert.ErrorIs(t, err, ErrChainCycle)
		_, err = r.ResolveTerminal(ctx, "t1")
		assert.ErrorIs(t, err, ErrChainCycle)
	}
}

type fakeProbe map[int]Liveness

func (f fakeProbe) Probe(o Owner) Liveness {
	return f[o.PID]
}

func TestFindOrphansPartitions(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	self := Owner{PID: 1, Host: "h"}

	threads := map[string]Owner{
		"mine":      self,
		"alive":     {PID: 2, Host: "h"},
		"dead":      {PID: 3, Host: "h"},
		"forbidden": {PID: 4, Host: "h"},
	}
	for id, o := range threads {
		require.NoError(t, r.Register(ctx, Thread{ID: id, Directive: "d", Owner: o}))
		require.NoError(t, r.UpdateStatus(ctx, id, StatusRunning))
	}
	// Not running: never an orphan.
	require.NoError(t, r.Register(ctx, Thread{ID: "parked", Directive: "d", Owner: Owner{PID: 3, Host: "h"}}))

	probe := fakeProbe{2: LivenessAlive, 3: LivenessDead, 4: LivenessUnknown}
	report, err := r.FindOrphans(ctx, self, probe)
	require.NoError(t, err)

	require.Len(t, report.Confirmed, 1)
	assert.Equal(t, "dead", report.Confirmed[0].Thread.ID)
	require.Len(t, report.Uncertain, 1)
	assert.Equal(t, "forbidden", report.Uncertain[0].Thread.ID)
	assert.Equal(t, LivenessUnknown, report.Uncertain[0].Liveness)
}

func TestProcessProbe(t *testing.T) {
	host, _ := os.Hostname()
	p := ProcessProbe{Host: host}

	assert.Equal(t, LivenessAlive, p.Probe(Owner{PID: os.Getpid(), Host: host}))
	assert.Equal(t, LivenessUnknown, p.Probe(Owner{PID: 0}))
	assert.Equal(t, LivenessUnknown, p.Probe(Owner{PID: os.Getpid(), Host: host + "-elsewhere"}))
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	r := openTestRegistry(t)
	old := Owner{PID: 99, Host: "h"}
	me := Owner{PID: 1, Host: "h"}
	require.NoError(t, r.Register(ctx, Thread{ID: "t", Directive: "d", Owner: old}))
	require.NoError(t, r.UpdateStatus(ctx, "t", StatusRunning))

	require.ErrorIs(t, r.Claim(ctx, "t", Owner{PID: 7}, me), ErrOwnerMismatch)
	require.NoError(t, r.Claim(ctx, "t", old, me))

	got, err := r.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
	assert.Equal(t, me, got.Owner)
}

func TestWaitForWakesOnWrite(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "registry.db")
	r, err := Open(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	other, err := Open(ctx, path)
	require.NoError(t, err)
	defer other.Close()

	register(t, r, "t", "")
	require.NoError(t, r.UpdateStatus(ctx, "t", StatusRunning))

	written := make(chan error, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		written <- other.UpdateStatus(context.Background(), "t", StatusCompleted)
	}()

	got, err := r.WaitFor(ctx, "t", func(t *Thread) bool { return t.Status.Terminal() })
	require.NoError(t, <-written)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestWaitForWriteRechecksOnTick(t *testing.T) {
	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(t.TempDir()))

	tick := make(chan time.Time, 1)
	tick <- time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, waitForWrite(ctx, w, "registry.db", tick), "a tick re-reads the row with no file event")
}

func TestWaitForWriteSettlesAfterWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(dir))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- waitForWrite(ctx, w, "registry.db", nil) }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.db-wal"), []byte("x"), 0644))
	require.NoError(t, <-done, "a write to the database files wakes the waiter")
}

func TestWaitForSeesCommitAfterEarlyEvent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "registry.db")
	r, err := Open(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	other, err := Open(ctx, path)
	require.NoError(t, err)
	defer other.Close()

	register(t, r, "t", "")
	require.NoError(t, r.UpdateStatus(ctx, "t", StatusRunning))

	// Touch the WAL first so the watcher wakes before the status changes.
	written := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		if err := os.WriteFile(path+"-shm-touch", nil, 0644); err != nil {
			written <- err
			return
		}
		time.Sleep(settleDelay * 3)
		written <- other.UpdateStatus(context.Background(), "t", StatusSuspended)
	}()

	got, err := r.WaitFor(ctx, "t", func(t *Thread) bool { return t.Status == StatusSuspended })
	require.NoError(t, <-written)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
}

func TestWaitForWithoutPath(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()
	r, err := New(context.Background(), db)
	require.NoError(t, err)

	_, err = r.WaitFor(context.Background(), "t", func(*Thread) bool { return true })
	assert.ErrorIs(t, err, ErrWatchUnavailable)
}

func ids(ts []Thread) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
