// Package sqlitedb opens the SQLite databases backing the ledger and the
// registry, applies their migrations and recognises lock contention.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DefaultBusyTimeout is how long a writer waits on another writer's lock
// before the driver reports SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	// BusyTimeout overrides DefaultBusyTimeout. Negative disables waiting.
	BusyTimeout time.Duration
}

// Open opens (creating if needed) the database at path. Every transaction
// begun on the returned handle takes the write lock up front (BEGIN
// IMMEDIATE), so a read-then-write inside one transaction is serialized
// against writers in this and any other process.
func Open(path string, opts Options) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlitedb: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlitedb: create directory: %w", err)
	}

	timeout := opts.BusyTimeout
	if timeout == 0 {
		timeout = DefaultBusyTimeout
	}
	if timeout < 0 {
		timeout = 0
	}

	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "foreign_keys(ON)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", path, err)
	}
	// One connection per handle: in-process writers queue on the pool
	// instead of spinning on SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedb: ping %s: %w", path, err)
	}
	return db, nil
}

// Migration is one numbered schema step.
type Migration struct {
	Version    int
	Statements []string
}

// Migrate applies every migration newer than the recorded schema version,
// each inside its own transaction.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration) error {
	if db == nil {
		return errors.New("migrate: db is nil")
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin v%d: %w", m.Version, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: v%d: %w", m.Version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return fmt.Errorf("migrate: record v%d: %w", m.Version, err)
	}
	return tx.Commit()
}

// IsBusy reports whether err is SQLite write contention (BUSY or LOCKED).
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// Tx runs fn inside one immediate transaction and commits when fn returns
// nil.
func Tx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Time formats t the way both stores persist timestamps.
func Time(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a timestamp written by Time. Empty yields the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
