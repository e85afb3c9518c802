package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReserveReleaseScenario(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	require.NoError(t, l.Register(ctx, "parent", 3.00, ""))
	require.NoError(t, l.Reserve(ctx, "A", 0.80, "parent"))
	require.NoError(t, l.Reserve(ctx, "B", 0.80, "parent"))

	remaining, err := l.Remaining(ctx, "parent")
	require.NoError(t, err)
	assert.InDelta(t, 1.40, remaining, 1e-9)

	require.NoError(t, l.IncrementActual(ctx, "A", 0.45))
	require.NoError(t, l.Release(ctx, "A", "completed"))

	remaining, err = l.Remaining(ctx, "parent")
	require.NoError(t, err)
	assert.InDelta(t, 1.75, remaining, 1e-9)

	err = l.Reserve(ctx, "C", 2.00, "parent")
	require.ErrorIs(t, err, ErrInsufficientBudget)

	var ib *InsufficientBudgetError
	require.True(t, errors.As(err, &ib))
	assert.InDelta(t, 1.75, ib.Remaining, 1e-9)

	after, err := l.Remaining(ctx, "parent")
	require.NoError(t, err)
	assert.InDelta(t, remaining, after, 1e-9, "failed reservation must not change remaining")

	p, err := l.Get(ctx, "parent")
	require.NoError(t, err)
	assert.InDelta(t, 0.45, p.ActualSpend, 1e-9, "child spend cascades into parent")

	a, err := l.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, Status("completed"), a.Status)
	assert.InDelta(t, 0.45, a.ReservedSpend, 1e-9)
	assert.True(t, a.Cascaded)
}

func TestConcurrentReservationsNeverOverCommit(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "parent", 1.00, ""))
	require.NoError(t, l.IncrementActual(ctx, "parent", 0.25))

	const n = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Reserve(ctx, childName(i), 0.25, "parent")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientBudget):
				rejected++
			default:
				t.Errorf("Reserve(%d) unexpected error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, n-3, rejected)

	remaining, err := l.Remaining(ctx, "parent")
	require.NoError(t, err)
	assert.InDelta(t, 0, remaining, 1e-9)
}

func TestConcurrentReservationsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	first, err := Open(ctx, path)
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(ctx, path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Register(ctx, "parent", 1.00, ""))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := first
			if i%2 == 1 {
				h = second
			}
			errs[i] = h.Reserve(ctx, childName(i), 0.30, "parent")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		// Contention surfaces as a retryable lock error, never as an over-commit.
		if !errors.Is(err, ErrInsufficientBudget) && !errors.Is(err, ErrLedgerLocked) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.LessOrEqual(t, ok, 3)

	spend, err := first.TreeSpend(ctx, "parent")
	require.NoError(t, err)
	assert.InDelta(t, 0.30*float64(ok), spend.TotalReserved, 1e-9, "only the children's reservations count")
	assert.LessOrEqual(t, spend.TotalReserved, spend.MaxSpend+1e-9)
}

func TestOverspendRaisesInsteadOfClamping(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Reserve(ctx, "child", 0.50, "root"))

	require.NoError(t, l.IncrementActual(ctx, "child", 0.40))
	err := l.IncrementActual(ctx, "child", 0.20)
	require.ErrorIs(t, err, ErrOverspend)

	e, err := l.Get(ctx, "child")
	require.NoError(t, err)
	assert.InDelta(t, 0.40, e.ActualSpend, 1e-9, "rejected increment must leave actual unchanged")

	require.ErrorIs(t, l.ReportActual(ctx, "child", 0.51), ErrOverspend)
	require.NoError(t, l.ReportActual(ctx, "child", 0.50))
}

func TestParentSpendCannotEatChildReservations(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Reserve(ctx, "child", 0.70, "root"))

	err := l.IncrementActual(ctx, "root", 0.40)
	require.ErrorIs(t, err, ErrOverspend)

	var oe *OverspendError
	require.True(t, errors.As(err, &oe))
	assert.InDelta(t, 0.70, oe.Committed, 1e-9)

	require.NoError(t, l.IncrementActual(ctx, "root", 0.30))
}

func TestReserveErrors(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)

	err := l.Reserve(ctx, "child", 0.10, "missing")
	require.ErrorIs(t, err, ErrNotRegistered)

	require.ErrorIs(t, l.Reserve(ctx, "child", -1, "missing"), ErrInvalidAmount)

	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Reserve(ctx, "child", 0.10, "root"))
	require.NoError(t, l.Release(ctx, "child", "error"))
	require.ErrorIs(t, l.Reserve(ctx, "child", 0.10, "root"), ErrEntryClosed)
	require.ErrorIs(t, l.IncrementActual(ctx, "child", 0.01), ErrEntryClosed)
}

func TestReserveResizesExistingChild(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Reserve(ctx, "child", 0.60, "root"))

	// Growing to 1.00 is allowed because the child's own 0.60 is not
	// counted against it.
	require.NoError(t, l.Reserve(ctx, "child", 1.00, "root"))
	require.ErrorIs(t, l.Reserve(ctx, "child", 1.01, "root"), ErrInsufficientBudget)

	e, err := l.Get(ctx, "child")
	require.NoError(t, err)
	assert.InDelta(t, 1.00, e.ReservedSpend, 1e-9)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Reserve(ctx, "child", 0.50, "root"))
	require.NoError(t, l.IncrementActual(ctx, "child", 0.20))

	require.NoError(t, l.Release(ctx, "child", "completed"))
	require.NoError(t, l.Release(ctx, "child", "completed"))
	require.NoError(t, l.Cascade(ctx, "child"))

	root, err := l.Get(ctx, "root")
	require.NoError(t, err)
	assert.InDelta(t, 0.20, root.ActualSpend, 1e-9, "spend must be folded exactly once")

	assert.Error(t, l.Release(ctx, "root", Active))
}

func TestLateGrandchildSpendPropagates(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 2.00, ""))
	require.NoError(t, l.Reserve(ctx, "child", 1.00, "root"))
	require.NoError(t, l.Reserve(ctx, "grandchild", 0.50, "child"))
	require.NoError(t, l.IncrementActual(ctx, "child", 0.10))
	require.NoError(t, l.IncrementActual(ctx, "grandchild", 0.30))

	// Child finishes before its grandchild.
	require.NoError(t, l.Release(ctx, "child", "completed"))
	require.NoError(t, l.Release(ctx, "grandchild", "completed"))

	root, err := l.Get(ctx, "root")
	require.NoError(t, err)
	assert.InDelta(t, 0.40, root.ActualSpend, 1e-9)

	spend, err := l.TreeSpend(ctx, "root")
	require.NoError(t, err)
	assert.InDelta(t, 0.40, spend.TotalActual, 1e-9)
	assert.Equal(t, 3, spend.ThreadCount)
	assert.Equal(t, 1, spend.ActiveCount)
}

func TestTreeSpendCountsUncascadedDescendants(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 2.00, ""))
	require.NoError(t, l.IncrementActual(ctx, "root", 0.05))
	require.NoError(t, l.Reserve(ctx, "a", 0.50, "root"))
	require.NoError(t, l.Reserve(ctx, "b", 0.50, "root"))
	require.NoError(t, l.IncrementActual(ctx, "a", 0.10))
	require.NoError(t, l.IncrementActual(ctx, "b", 0.20))
	require.NoError(t, l.Release(ctx, "a", "completed"))

	spend, err := l.TreeSpend(ctx, "root")
	require.NoError(t, err)
	assert.InDelta(t, 0.35, spend.TotalActual, 1e-9)
	assert.InDelta(t, 0.50, spend.TotalReserved, 1e-9, "b still holds its reservation; the root's own is its ceiling")
	assert.InDelta(t, 2.00, spend.MaxSpend, 1e-9)
	assert.Equal(t, 2, spend.ActiveCount)

	_, err = l.TreeSpend(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestCanSpawn(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Reserve(ctx, "a", 0.75, "root"))

	check, err := l.CanSpawn(ctx, "root", 0.25)
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	check, err = l.CanSpawn(ctx, "root", 0.26)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.InDelta(t, 0.25, check.Remaining, 1e-9)
}

func TestRegisterWithParentReserves(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Register(ctx, "root", 5.00, ""))

	root, err := l.Get(ctx, "root")
	require.NoError(t, err)
	assert.InDelta(t, 1.00, root.MaxSpend, 1e-9, "second register is a no-op")

	require.ErrorIs(t, l.Register(ctx, "child", 2.00, "root"), ErrInsufficientBudget)
	require.NoError(t, l.Register(ctx, "child", 0.40, "root"))
}

func TestRaiseRoot(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.Reserve(ctx, "child", 0.50, "root"))
	require.NoError(t, l.IncrementActual(ctx, "root", 0.30))

	require.ErrorIs(t, l.Raise(ctx, "root", 0.70), ErrOverspend)
	require.NoError(t, l.Raise(ctx, "root", 2.00))
	require.ErrorIs(t, l.Raise(ctx, "child", 2.00), ErrInvalidAmount)

	remaining, err := l.Remaining(ctx, "root")
	require.NoError(t, err)
	assert.InDelta(t, 1.20, remaining, 1e-9)
}

func TestLockedErrorIsRetryable(t *testing.T) {
	err := error(&LockedError{Op: "reserve", Err: errors.New("database is locked")})
	assert.ErrorIs(t, err, ErrLedgerLocked)

	var r interface{ Retryable() bool }
	require.True(t, errors.As(err, &r))
	assert.True(t, r.Retryable())
}

func childName(i int) string {
	return "child-" + string(rune('a'+i))
}

func TestContinueCarriesUnusedBudget(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 2.00, ""))
	require.NoError(t, l.Reserve(ctx, "a", 1.00, "root"))
	require.NoError(t, l.IncrementActual(ctx, "a", 0.25))
	require.NoError(t, l.Reserve(ctx, "a-child", 0.30, "a"))

	carried, err := l.Continue(ctx, "a", "a2")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, carried, 1e-9)

	old, err := l.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusContinued, old.Status)
	assert.InDelta(t, 0.25, old.ReservedSpend, 1e-9)

	next, err := l.Get(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, Active, next.Status)
	assert.Equal(t, "root", next.ParentID)
	assert.InDelta(t, 0.75, next.MaxSpend, 1e-9)

	child, err := l.Get(ctx, "a-child")
	require.NoError(t, err)
	assert.Equal(t, "a2", child.ParentID)

	nextRemaining, err := l.Remaining(ctx, "a2")
	require.NoError(t, err)
	assert.InDelta(t, 0.45, nextRemaining, 1e-9)

	// root commits exactly what it did before the handoff
	remaining, err := l.Remaining(ctx, "root")
	require.NoError(t, err)
	assert.InDelta(t, 1.00, remaining, 1e-9)

	_, err = l.Continue(ctx, "a", "a3")
	assert.ErrorIs(t, err, ErrEntryClosed)
}

func TestContinueRoot(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	require.NoError(t, l.Register(ctx, "root", 1.00, ""))
	require.NoError(t, l.IncrementActual(ctx, "root", 0.40))

	carried, err := l.Continue(ctx, "root", "root2")
	require.NoError(t, err)
	assert.InDelta(t, 0.60, carried, 1e-9)

	next, err := l.Get(ctx, "root2")
	require.NoError(t, err)
	assert.Empty(t, next.ParentID)
	assert.InDelta(t, 0.60, next.MaxSpend, 1e-9)
}
