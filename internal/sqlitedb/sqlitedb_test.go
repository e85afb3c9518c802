package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsIncremental(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "m.db"), Options{})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	v1 := []Migration{{Version: 1, Statements: []string{`CREATE TABLE a (id TEXT PRIMARY KEY)`}}}
	require.NoError(t, Migrate(ctx, db, v1))
	// Re-running must not try to create the table again.
	require.NoError(t, Migrate(ctx, db, v1))

	v2 := append(v1, Migration{Version: 2, Statements: []string{`ALTER TABLE a ADD COLUMN note TEXT`}})
	require.NoError(t, Migrate(ctx, db, v2))

	var version int
	require.NoError(t, db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version))
	assert.Equal(t, 2, version)

	_, err = db.Exec(`INSERT INTO a (id, note) VALUES ('x', 'y')`)
	assert.NoError(t, err)
}

func TestMigrateRollsBackFailedStep(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "m.db"), Options{})
	require.NoError(t, err)
	defer db.Close()

	bad := []Migration{{Version: 1, Statements: []string{
		`CREATE TABLE a (id TEXT PRIMARY KEY)`,
		`THIS IS NOT SQL`,
	}}}
	require.Error(t, Migrate(context.Background(), db, bad))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'a'`).Scan(&n))
	assert.Zero(t, n, "table from failed migration should not exist")
}

func TestTxRollsBackOnError(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "tx.db"), Options{})
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = Tx(context.Background(), db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv VALUES ('a', '1')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Zero(t, n)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(errors.New("database is locked")))
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	if got := ParseTime(Time(now)); !got.Equal(now) {
		t.Errorf("ParseTime(Time(%v)) = %v", now, got)
	}
	if got := ParseTime(""); !got.IsZero() {
		t.Errorf("ParseTime(\"\") = %v, want zero", got)
	}
}
