// Package registry is the durable record of every thread: identity, status,
// cost snapshot, owning process, the spawn tree and continuation chains.
// Rows are never deleted.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/everydev1618/weft/internal/sqlitedb"
)

// Thread is one registered execution.
type Thread struct {
	ID        string `json:"thread_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Directive string `json:"directive"`
	Model     string `json:"model,omitempty"`
	Status    Status `json:"status"`

	Cost  CostSnapshot `json:"cost"`
	Owner Owner        `json:"owner"`

	ContinuationOf       string `json:"continuation_of,omitempty"`
	ContinuationThreadID string `json:"continuation_thread_id,omitempty"`
	ChainRootID          string `json:"chain_root_id,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CostSnapshot is the thread's own usage as last reported by its runner.
type CostSnapshot struct {
	Turns        int     `json:"turns"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Spend        float64 `json:"spend"`
	SpawnCount   int     `json:"spawn_count"`
}

// Add sums two snapshots.
func (c CostSnapshot) Add(o CostSnapshot) CostSnapshot {
	return CostSnapshot{
		Turns:        c.Turns + o.Turns,
		InputTokens:  c.InputTokens + o.InputTokens,
		OutputTokens: c.OutputTokens + o.OutputTokens,
		Spend:        c.Spend + o.Spend,
		SpawnCount:   c.SpawnCount + o.SpawnCount,
	}
}

// Registry is the SQLite-backed thread store.
type Registry struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

var migrations = []sqlitedb.Migration{
	{
		Version: 1,
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS threads (
				thread_id              TEXT PRIMARY KEY,
				parent_id              TEXT NOT NULL DEFAULT '',
				directive              TEXT NOT NULL,
				model                  TEXT NOT NULL DEFAULT '',
				status                 TEXT NOT NULL,
				turns                  INTEGER NOT NULL DEFAULT 0,
				input_tokens           INTEGER NOT NULL DEFAULT 0,
				output_tokens          INTEGER NOT NULL DEFAULT 0,
				spend                  REAL NOT NULL DEFAULT 0,
				spawn_count            INTEGER NOT NULL DEFAULT 0,
				owner_pid              INTEGER NOT NULL DEFAULT 0,
				owner_host             TEXT NOT NULL DEFAULT '',
				continuation_of        TEXT NOT NULL DEFAULT '',
				continuation_thread_id TEXT NOT NULL DEFAULT '',
				chain_root_id          TEXT NOT NULL DEFAULT '',
				result                 TEXT NOT NULL DEFAULT '',
				error                  TEXT NOT NULL DEFAULT '',
				created_at             TEXT NOT NULL,
				updated_at             TEXT NOT NULL,
				completed_at           TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status)`,
			`CREATE INDEX IF NOT EXISTS idx_threads_chain ON threads(chain_root_id)`,
		},
	},
}

// Open opens the registry database at path and migrates it.
func Open(ctx context.Context, path string, opts ...Option) (*Registry, error) {
	db, err := sqlitedb.Open(path, sqlitedb.Options{})
	if err != nil {
		return nil, err
	}
	r, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.path = path
	return r, nil
}

// New wraps an already opened database. A registry built this way cannot
// Watch.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Registry, error) {
	r := &Registry{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := sqlitedb.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return r, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register records a new thread. Status defaults to created and the chain
// root defaults to the thread itself.
func (r *Registry) Register(ctx context.Context, t Thread) error {
	if t.ID == "" {
		return errors.New("register: empty thread id")
	}
	if t.Status == "" {
		t.Status = StatusCreated
	}
	if !t.Status.Valid() {
		return fmt.Errorf("register %s: unknown status %q", t.ID, t.Status)
	}
	if t.ChainRootID == "" {
		t.ChainRootID = t.ID
	}
	ts := sqlitedb.Time(r.now())

	return sqlitedb.Tx(ctx, r.db, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE thread_id = ?`, t.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("register %s: %w", t.ID, ErrThreadExists)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO threads (
				thread_id, parent_id, directive, model, status,
				turns, input_tokens, output_tokens, spend, spawn_count,
				owner_pid, owner_host, continuation_of, continuation_thread_id, chain_root_id,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ParentID, t.Directive, t.Model, t.Status,
			t.Cost.Turns, t.Cost.InputTokens, t.Cost.OutputTokens, t.Cost.Spend, t.Cost.SpawnCount,
			t.Owner.PID, t.Owner.Host, t.ContinuationOf, t.ContinuationThreadID, t.ChainRootID,
			ts, ts)
		return err
	})
}

// Get returns one thread.
func (r *Registry) Get(ctx context.Context, id string) (*Thread, error) {
	return getThread(ctx, r.db, id)
}

// UpdateStatus moves a thread along the state machine. Setting the current
// status again is a no-op.
func (r *Registry) UpdateStatus(ctx context.Context, id string, to Status) error {
	ts := r.now()
	err := sqlitedb.Tx(ctx, r.db, func(tx *sql.Tx) error {
		return transitionTx(ctx, tx, id, to, ts)
	})
	if err != nil {
		return err
	}
	r.logger.Debug("thread status", "thread_id", id, "status", to)
	return nil
}

func transitionTx(ctx context.Context, tx *sql.Tx, id string, to Status, now time.Time) error {
	var from Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM threads WHERE thread_id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return &notFoundError{id: id}
	}
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{ThreadID: id, From: from, To: to}
	}

	completed := ""
	if to.Terminal() {
		completed = sqlitedb.Time(now)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET status = ?, updated_at = ?, completed_at = ?
		WHERE thread_id = ? AND status = ?`,
		to, sqlitedb.Time(now), completed, id, from)
	return err
}

// SetResult stores the final text (or error message) of a thread.
func (r *Registry) SetResult(ctx context.Context, id, result, errMsg string) error {
	return r.exec(ctx, id, `UPDATE threads SET result = ?, error = ?, updated_at = ? WHERE thread_id = ?`,
		result, errMsg, sqlitedb.Time(r.now()), id)
}

// UpdateCost overwrites the cost snapshot. Calling it again with the same
// snapshot changes nothing but updated_at. SpawnCount is owned by
// IncrementSpawnCount and is not overwritten here.
func (r *Registry) UpdateCost(ctx context.Context, id string, c CostSnapshot) error {
	return r.exec(ctx, id, `
		UPDATE threads SET turns = ?, input_tokens = ?, output_tokens = ?, spend = ?, updated_at = ?
		WHERE thread_id = ?`,
		c.Turns, c.InputTokens, c.OutputTokens, c.Spend, sqlitedb.Time(r.now()), id)
}

// SetOwner records which process is driving the thread.
func (r *Registry) SetOwner(ctx context.Context, id string, o Owner) error {
	return r.exec(ctx, id, `UPDATE threads SET owner_pid = ?, owner_host = ?, updated_at = ? WHERE thread_id = ?`,
		o.PID, o.Host, sqlitedb.Time(r.now()), id)
}

// IncrementSpawnCount consumes one of parentID's spawns, refusing once limit
// spawns have been used. It returns the new count.
func (r *Registry) IncrementSpawnCount(ctx context.Context, parentID string, limit int) (int, error) {
	var count int
	err := sqlitedb.Tx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT spawn_count FROM threads WHERE thread_id = ?`, parentID).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return &notFoundError{id: parentID}
		}
		if err != nil {
			return err
		}
		if count >= limit {
			return &SpawnLimitError{ParentID: parentID, Limit: limit}
		}
		count++
		_, err = tx.ExecContext(ctx, `UPDATE threads SET spawn_count = ?, updated_at = ? WHERE thread_id = ?`,
			count, sqlitedb.Time(r.now()), parentID)
		return err
	})
	return count, err
}

// Children returns the direct children of parentID, or every descendant when
// recursive is set, ordered by creation.
func (r *Registry) Children(ctx context.Context, parentID string, recursive bool) ([]Thread, error) {
	if !recursive {
		return r.query(ctx, `SELECT `+threadColumns+` FROM threads WHERE parent_id = ? ORDER BY created_at, thread_id`, parentID)
	}
	// UNION (not UNION ALL) drops revisited rows, so a corrupt cycle ends
	// the recursion.
	return r.query(ctx, `
		WITH RECURSIVE tree(thread_id) AS (
			SELECT thread_id FROM threads WHERE parent_id = ?
			UNION
			SELECT t.thread_id FROM threads t JOIN tree ON t.parent_id = tree.thread_id
		)
		SELECT `+threadColumns+` FROM threads WHERE thread_id IN (SELECT thread_id FROM tree) AND thread_id != ?
		ORDER BY created_at, thread_id`, parentID, parentID)
}

// Ancestors returns the parent chain of id, nearest first.
func (r *Registry) Ancestors(ctx context.Context, id string) ([]Thread, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{id: true}
	var out []Thread
	for pid := t.ParentID; pid != ""; {
		if seen[pid] {
			return out, fmt.Errorf("ancestors of %s: parent cycle at %s", id, pid)
		}
		seen[pid] = true
		p, err := r.Get(ctx, pid)
		if errors.Is(err, ErrThreadNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
		pid = p.ParentID
	}
	return out, nil
}

// AggregateCost sums the cost snapshots of id and all of its descendants.
func (r *Registry) AggregateCost(ctx context.Context, id string) (CostSnapshot, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return CostSnapshot{}, err
	}
	var c CostSnapshot
	err := r.db.QueryRowContext(ctx, `
		WITH RECURSIVE tree(thread_id) AS (
			SELECT ?
			UNION
			SELECT t.thread_id FROM threads t JOIN tree ON t.parent_id = tree.thread_id
		)
		SELECT COALESCE(SUM(turns), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(spend), 0), COALESCE(SUM(spawn_count), 0)
		FROM threads WHERE thread_id IN (SELECT thread_id FROM tree)`, id).
		Scan(&c.Turns, &c.InputTokens, &c.OutputTokens, &c.Spend, &c.SpawnCount)
	return c, err
}

// ListByStatus returns threads in any of the given statuses.
func (r *Registry) ListByStatus(ctx context.Context, statuses ...Status) ([]Thread, error) {
	if len(statuses) == 0 {
		return r.query(ctx, `SELECT `+threadColumns+` FROM threads ORDER BY created_at, thread_id`)
	}
	args := make([]any, len(statuses))
	marks := make([]string, len(statuses))
	for i, s := range statuses {
		args[i] = s
		marks[i] = "?"
	}
	return r.query(ctx, `SELECT `+threadColumns+` FROM threads WHERE status IN (`+strings.Join(marks, ",")+`) ORDER BY created_at, thread_id`, args...)
}

// ListActive returns threads that have not yet reached a resting state.
func (r *Registry) ListActive(ctx context.Context) ([]Thread, error) {
	return r.ListByStatus(ctx, StatusCreated, StatusRunning)
}

func (r *Registry) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &notFoundError{id: id}
	}
	return nil
}

const threadColumns = `thread_id, parent_id, directive, model, status,
	turns, input_tokens, output_tokens, spend, spawn_count,
	owner_pid, owner_host, continuation_of, continuation_thread_id, chain_root_id,
	result, error, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanThread(s scanner) (*Thread, error) {
	var (
		t                             Thread
		created, updated, completedAt string
	)
	err := s.Scan(&t.ID, &t.ParentID, &t.Directive, &t.Model, &t.Status,
		&t.Cost.Turns, &t.Cost.InputTokens, &t.Cost.OutputTokens, &t.Cost.Spend, &t.Cost.SpawnCount,
		&t.Owner.PID, &t.Owner.Host, &t.ContinuationOf, &t.ContinuationThreadID, &t.ChainRootID,
		&t.Result, &t.Error, &created, &updated, &completedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = sqlitedb.ParseTime(created)
	t.UpdatedAt = sqlitedb.ParseTime(updated)
	if completedAt != "" {
		c := sqlitedb.ParseTime(completedAt)
		t.CompletedAt = &c
	}
	return &t, nil
}

func getThread(ctx context.Context, q rowQuerier, id string) (*Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE thread_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &notFoundError{id: id}
	}
	return t, err
}

func (r *Registry) query(ctx context.Context, query string, args ...any) ([]Thread, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
