// Package ledger is the hierarchical budget ledger. Every thread owns one
// entry; a child's reservation is carved out of its parent's remaining budget
// inside a single write-locked transaction, so sibling reservations are
// linearized and can never jointly over-commit a parent.
//
// Amounts are dollars at the API and integer micro-dollars on disk.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/everydev1618/weft/internal/sqlitedb"
)

// Status is the lifecycle state of an entry.
type Status string

// Active is the only non-terminal status. Any other value passed to Release
// archives the entry under that name.
const Active Status = "active"

// StatusContinued archives an entry whose budget moved to a continuation.
const StatusContinued Status = "continued"

// Entry is one thread's budget row.
type Entry struct {
	ThreadID      string    `json:"thread_id"`
	ParentID      string    `json:"parent_thread_id,omitempty"`
	MaxSpend      float64   `json:"max_spend"`
	ReservedSpend float64   `json:"reserved_spend"`
	ActualSpend   float64   `json:"actual_spend"`
	Status        Status    `json:"status"`
	Cascaded      bool      `json:"cascaded"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SpawnCheck is the answer to CanSpawn.
type SpawnCheck struct {
	Allowed   bool    `json:"allowed"`
	Requested float64 `json:"requested"`
	Remaining float64 `json:"remaining"`
}

// TreeSpend aggregates a subtree. TotalReserved is what active descendants
// hold out of MaxSpend, the subtree root's own ceiling.
type TreeSpend struct {
	ThreadID      string  `json:"thread_id"`
	MaxSpend      float64 `json:"max_spend"`
	TotalActual   float64 `json:"total_actual"`
	TotalReserved float64 `json:"total_reserved"`
	ThreadCount   int     `json:"thread_count"`
	ActiveCount   int     `json:"active_count"`
}

// Ledger is the SQLite-backed store.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		lg.logger = l
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) {
		lg.now = now
	}
}

var migrations = []sqlitedb.Migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS budget_ledger (
				thread_id        TEXT PRIMARY KEY,
				parent_thread_id TEXT NOT NULL DEFAULT '',
				max_spend        INTEGER NOT NULL,
				reserved_spend   INTEGER NOT NULL,
				actual_spend     INTEGER NOT NULL DEFAULT 0,
				status           TEXT NOT NULL DEFAULT 'active',
				cascaded         INTEGER NOT NULL DEFAULT 0,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ledger_parent ON budget_ledger(parent_thread_id)`,
			`CREATE INDEX IF NOT EXISTS idx_ledger_status ON budget_ledger(status)`,
		},
	},
}

// Open opens the ledger database at path and migrates it.
func Open(ctx context.Context, path string, opts ...Option) (*Ledger, error) {
	db, err := sqlitedb.Open(path, sqlitedb.Options{})
	if err != nil {
		return nil, err
	}
	l, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// New wraps an already opened database.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := sqlitedb.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Register creates a root entry. Registering an existing root is a no-op. A
// root's reservation equals its max so it can spend against itself. With a
// parent, Register is a Reserve of maxSpend.
func (l *Ledger) Register(ctx context.Context, threadID string, maxSpend float64, parentID string) error {
	if threadID == "" {
		return fmt.Errorf("register: %w: empty thread id", ErrInvalidAmount)
	}
	if parentID != "" {
		return l.Reserve(ctx, threadID, maxSpend, parentID)
	}
	if maxSpend < 0 || math.IsNaN(maxSpend) {
		return fmt.Errorf("register %s: %w: %v", threadID, ErrInvalidAmount, maxSpend)
	}
	ts := sqlitedb.Time(l.now())
	m := toMicros(maxSpend)

	return l.tx(ctx, "register", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO budget_ledger
				(thread_id, parent_thread_id, max_spend, reserved_spend, actual_spend, status, created_at, updated_at)
			VALUES (?, '', ?, ?, 0, ?, ?, ?)
			ON CONFLICT(thread_id) DO NOTHING`,
			threadID, m, m, Active, ts, ts)
		return err
	})
}

// Reserve carves amount for childID out of parentID's remaining budget. If
// the child already holds an active reservation under the same parent, the
// reservation is resized and the child's current hold is excluded from the
// computation.
func (l *Ledger) Reserve(ctx context.Context, childID string, amount float64, parentID string) error {
	if amount < 0 || math.IsNaN(amount) {
		return fmt.Errorf("reserve %s: %w: %v", childID, ErrInvalidAmount, amount)
	}
	want := toMicros(amount)
	ts := sqlitedb.Time(l.now())

	err := l.tx(ctx, "reserve", func(tx *sql.Tx) error {
		parent, err := getEntry(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if parent.status != Active {
			return fmt.Errorf("reserve under %s: %w", parentID, ErrEntryClosed)
		}

		child, err := getEntry(ctx, tx, childID)
		if err != nil && !errors.Is(err, ErrNotRegistered) {
			return err
		}
		if child != nil {
			if child.status != Active || child.parentID != parentID {
				return fmt.Errorf("reserve %s: %w", childID, ErrEntryClosed)
			}
			if want < child.actual {
				return &OverspendError{ThreadID: childID, Reserved: fromMicros(want), Attempted: fromMicros(child.actual)}
			}
		}

		held, err := childrenReserved(ctx, tx, parentID, childID)
		if err != nil {
			return err
		}
		remaining := parent.max - parent.actual - held
		if want > remaining {
			return &InsufficientBudgetError{
				ParentID:  parentID,
				Requested: amount,
				Remaining: fromMicros(remaining),
			}
		}

		if child != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE budget_ledger SET max_spend = ?, reserved_spend = ?, updated_at = ?
				WHERE thread_id = ?`, want, want, ts, childID)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO budget_ledger
				(thread_id, parent_thread_id, max_spend, reserved_spend, actual_spend, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			childID, parentID, want, want, Active, ts, ts)
		return err
	})
	if err != nil {
		return err
	}
	l.logger.Debug("budget reserved", "thread_id", childID, "parent_id", parentID, "amount", amount)
	return nil
}

// Raise resizes a root entry. The new max must still cover the root's spend
// and everything held by its active children.
func (l *Ledger) Raise(ctx context.Context, threadID string, maxSpend float64) error {
	if maxSpend < 0 || math.IsNaN(maxSpend) {
		return fmt.Errorf("raise %s: %w: %v", threadID, ErrInvalidAmount, maxSpend)
	}
	want := toMicros(maxSpend)
	ts := sqlitedb.Time(l.now())

	return l.tx(ctx, "raise", func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if e.status != Active {
			return fmt.Errorf("raise %s: %w", threadID, ErrEntryClosed)
		}
		if e.parentID != "" {
			return fmt.Errorf("raise %s: child entries are resized through Reserve: %w", threadID, ErrInvalidAmount)
		}
		held, err := childrenReserved(ctx, tx, threadID, "")
		if err != nil {
			return err
		}
		if e.actual+held > want {
			return &OverspendError{ThreadID: threadID, Reserved: maxSpend, Attempted: fromMicros(e.actual), Committed: fromMicros(held)}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE budget_ledger SET max_spend = ?, reserved_spend = ?, updated_at = ?
			WHERE thread_id = ?`, want, want, ts, threadID)
		return err
	})
}

// ReportActual sets the thread's actual spend to total.
func (l *Ledger) ReportActual(ctx context.Context, threadID string, total float64) error {
	if total < 0 || math.IsNaN(total) {
		return fmt.Errorf("report %s: %w: %v", threadID, ErrInvalidAmount, total)
	}
	return l.setActual(ctx, "report_actual", threadID, func(int64) int64 { return toMicros(total) })
}

// IncrementActual adds delta to the thread's actual spend.
func (l *Ledger) IncrementActual(ctx context.Context, threadID string, delta float64) error {
	if delta < 0 || math.IsNaN(delta) {
		return fmt.Errorf("increment %s: %w: %v", threadID, ErrInvalidAmount, delta)
	}
	d := toMicros(delta)
	return l.setActual(ctx, "increment_actual", threadID, func(cur int64) int64 { return cur + d })
}

func (l *Ledger) setActual(ctx context.Context, op, threadID string, next func(int64) int64) error {
	ts := sqlitedb.Time(l.now())
	return l.tx(ctx, op, func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if e.status != Active {
			return fmt.Errorf("%s %s: %w", op, threadID, ErrEntryClosed)
		}
		actual := next(e.actual)
		if actual > e.reserved {
			return &OverspendError{ThreadID: threadID, Reserved: fromMicros(e.reserved), Attempted: fromMicros(actual)}
		}
		held, err := childrenReserved(ctx, tx, threadID, "")
		if err != nil {
			return err
		}
		if actual+held > e.max {
			return &OverspendError{ThreadID: threadID, Reserved: fromMicros(e.max), Attempted: fromMicros(actual), Committed: fromMicros(held)}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE budget_ledger SET actual_spend = ?, updated_at = ? WHERE thread_id = ?`,
			actual, ts, threadID)
		return err
	})
}

// Release archives the entry under status, shrinks its reservation to what
// it actually spent and cascades that spend into the parent in the same
// transaction. Releasing an archived entry is a no-op.
func (l *Ledger) Release(ctx context.Context, threadID string, status Status) error {
	if status == Active || status == "" {
		return fmt.Errorf("release %s: status %q is not terminal", threadID, status)
	}
	ts := sqlitedb.Time(l.now())

	err := l.tx(ctx, "release", func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if e.status != Active {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE budget_ledger SET reserved_spend = actual_spend, status = ?, updated_at = ?
			WHERE thread_id = ?`, status, ts, threadID); err != nil {
			return err
		}
		return cascadeTx(ctx, tx, threadID, ts)
	})
	if err != nil {
		return err
	}
	l.logger.Debug("budget released", "thread_id", threadID, "status", status)
	return nil
}

// Continue hands fromID's unused budget to its continuation toID in one
// transaction. fromID is archived as "continued" and cascaded like a
// release. toID becomes an active entry under the same parent with a
// ceiling of what fromID had left, and adopts fromID's active children so
// their reservations stay counted. It returns the carried amount.
func (l *Ledger) Continue(ctx context.Context, fromID, toID string) (float64, error) {
	if toID == "" || toID == fromID {
		return 0, fmt.Errorf("continue %s: %w: successor id %q", fromID, ErrInvalidAmount, toID)
	}
	ts := sqlitedb.Time(l.now())
	var carried int64

	err := l.tx(ctx, "continue", func(tx *sql.Tx) error {
		e, err := getEntry(ctx, tx, fromID)
		if err != nil {
			return err
		}
		if e.status != Active {
			return fmt.Errorf("continue %s: %w", fromID, ErrEntryClosed)
		}
		carried = max(e.max-e.actual, 0)

		if _, err := tx.ExecContext(ctx, `
			UPDATE budget_ledger SET reserved_spend = actual_spend, status = ?, updated_at = ?
			WHERE thread_id = ?`, StatusContinued, ts, fromID); err != nil {
			return err
		}
		if err := cascadeTx(ctx, tx, fromID, ts); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO budget_ledger
				(thread_id, parent_thread_id, max_spend, reserved_spend, actual_spend, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			toID, e.parentID, carried, carried, Active, ts, ts); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE budget_ledger SET parent_thread_id = ?, updated_at = ?
			WHERE parent_thread_id = ? AND status = ?`, toID, ts, fromID, Active)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.logger.Debug("budget continued", "thread_id", fromID, "successor", toID, "carried", fromMicros(carried))
	return fromMicros(carried), nil
}

// Cascade folds a released child's actual spend into its ancestors. It runs
// once per entry; Release already calls it.
func (l *Ledger) Cascade(ctx context.Context, childID string) error {
	ts := sqlitedb.Time(l.now())
	return l.tx(ctx, "cascade", func(tx *sql.Tx) error {
		return cascadeTx(ctx, tx, childID, ts)
	})
}

func cascadeTx(ctx context.Context, tx *sql.Tx, childID, ts string) error {
	e, err := getEntry(ctx, tx, childID)
	if err != nil {
		return err
	}
	if e.cascaded || e.status == Active || e.parentID == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE budget_ledger SET cascaded = 1 WHERE thread_id = ?`, childID); err != nil {
		return err
	}

	delta := e.actual
	if delta == 0 {
		return nil
	}
	seen := map[string]bool{childID: true}
	for id := e.parentID; id != "" && !seen[id]; {
		seen[id] = true
		p, err := getEntry(ctx, tx, id)
		if errors.Is(err, ErrNotRegistered) {
			return nil
		}
		if err != nil {
			return err
		}
		// Archived entries keep reserved == actual.
		if _, err := tx.ExecContext(ctx, `
			UPDATE budget_ledger
			SET actual_spend = actual_spend + ?,
				reserved_spend = CASE WHEN status = ? THEN reserved_spend ELSE actual_spend + ? END,
				updated_at = ?
			WHERE thread_id = ?`, delta, Active, delta, ts, id); err != nil {
			return err
		}
		// An ancestor that already folded into its own parent must pass the
		// late spend along.
		if !p.cascaded {
			return nil
		}
		id = p.parentID
	}
	return nil
}

// Get returns the entry for threadID.
func (l *Ledger) Get(ctx context.Context, threadID string) (*Entry, error) {
	var e *row
	err := l.read(ctx, func(q querier) error {
		var err error
		e, err = getEntry(ctx, q, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.entry(), nil
}

// Remaining is max − actual − Σ active children's reservations.
func (l *Ledger) Remaining(ctx context.Context, threadID string) (float64, error) {
	var remaining int64
	err := l.read(ctx, func(q querier) error {
		e, err := getEntry(ctx, q, threadID)
		if err != nil {
			return err
		}
		held, err := childrenReserved(ctx, q, threadID, "")
		if err != nil {
			return err
		}
		remaining = e.max - e.actual - held
		return nil
	})
	return fromMicros(remaining), err
}

// CanSpawn reports whether parentID could reserve amount right now. The
// answer is advisory; Reserve re-checks under the write lock.
func (l *Ledger) CanSpawn(ctx context.Context, parentID string, amount float64) (SpawnCheck, error) {
	remaining, err := l.Remaining(ctx, parentID)
	if err != nil {
		return SpawnCheck{}, err
	}
	return SpawnCheck{
		Allowed:   toMicros(amount) <= toMicros(remaining),
		Requested: amount,
		Remaining: remaining,
	}, nil
}

// TreeSpend sums the subtree rooted at threadID. Spend already cascaded into
// an ancestor is counted once.
func (l *Ledger) TreeSpend(ctx context.Context, threadID string) (TreeSpend, error) {
	out := TreeSpend{ThreadID: threadID}
	var actual, reserved int64

	err := l.read(ctx, func(q querier) error {
		root, err := getEntry(ctx, q, threadID)
		if err != nil {
			return err
		}
		out.MaxSpend = fromMicros(root.max)
		rows, err := q.QueryContext(ctx, `
			WITH RECURSIVE tree(thread_id) AS (
				SELECT thread_id FROM budget_ledger WHERE thread_id = ?
				UNION
				SELECT b.thread_id FROM budget_ledger b JOIN tree t ON b.parent_thread_id = t.thread_id
			)
			SELECT b.thread_id, b.reserved_spend, b.actual_spend, b.status, b.cascaded
			FROM budget_ledger b JOIN tree USING (thread_id)`, threadID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id       string
				res, act int64
				status   Status
				cascaded bool
			)
			if err := rows.Scan(&id, &res, &act, &status, &cascaded); err != nil {
				return err
			}
			out.ThreadCount++
			if status == Active {
				out.ActiveCount++
				if id != threadID {
					reserved += res
				}
			}
			if id == threadID || !cascaded {
				actual += act
			}
		}
		return rows.Err()
	})
	if err != nil {
		return TreeSpend{}, err
	}
	out.TotalActual = fromMicros(actual)
	out.TotalReserved = fromMicros(reserved)
	return out, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type row struct {
	threadID, parentID    string
	max, reserved, actual int64
	status                Status
	cascaded              bool
	createdAt, updatedAt  string
}

func (r *row) entry() *Entry {
	return &Entry{
		ThreadID:      r.threadID,
		ParentID:      r.parentID,
		MaxSpend:      fromMicros(r.max),
		ReservedSpend: fromMicros(r.reserved),
		ActualSpend:   fromMicros(r.actual),
		Status:        r.status,
		Cascaded:      r.cascaded,
		CreatedAt:     sqlitedb.ParseTime(r.createdAt),
		UpdatedAt:     sqlitedb.ParseTime(r.updatedAt),
	}
}

func getEntry(ctx context.Context, q querier, threadID string) (*row, error) {
	r := &row{}
	err := q.QueryRowContext(ctx, `
		SELECT thread_id, parent_thread_id, max_spend, reserved_spend, actual_spend, status, cascaded, created_at, updated_at
		FROM budget_ledger WHERE thread_id = ?`, threadID).
		Scan(&r.threadID, &r.parentID, &r.max, &r.reserved, &r.actual, &r.status, &r.cascaded, &r.createdAt, &r.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotRegisteredError{ThreadID: threadID}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func childrenReserved(ctx context.Context, q querier, parentID, excludeID string) (int64, error) {
	var held int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(reserved_spend), 0) FROM budget_ledger
		WHERE parent_thread_id = ? AND status = ? AND thread_id != ?`,
		parentID, Active, excludeID).Scan(&held)
	return held, err
}

// tx runs fn under the write lock, translating contention into LockedError.
func (l *Ledger) tx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	err := sqlitedb.Tx(ctx, l.db, fn)
	if err != nil && sqlitedb.IsBusy(err) {
		l.logger.Warn("budget ledger locked", "op", op, "error", err)
		return &LockedError{Op: op, Err: err}
	}
	return err
}

func (l *Ledger) read(ctx context.Context, fn func(querier) error) error {
	err := fn(l.db)
	if err != nil && sqlitedb.IsBusy(err) {
		return &LockedError{Op: "read", Err: err}
	}
	return err
}

func toMicros(v float64) int64 {
	return int64(math.Round(v * 1e6))
}

func fromMicros(v int64) float64 {
	return float64(v) / 1e6
}
