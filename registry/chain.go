package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/everydev1618/weft/internal/sqlitedb"
)

// SetContinuation links toID as the successor of fromID: fromID becomes
// continued, toID inherits fromID's chain root. A thread gets at most one
// successor and the successor may not already be part of fromID's chain.
func (r *Registry) SetContinuation(ctx context.Context, fromID, toID string) error {
	now := r.now()
	err := sqlitedb.Tx(ctx, r.db, func(tx *sql.Tx) error {
		from, err := getThread(ctx, tx, fromID)
		if err != nil {
			return err
		}
		to, err := getThread(ctx, tx, toID)
		if err != nil {
			return err
		}
		if toID == fromID {
			return &ChainResolutionError{ThreadID: fromID, Path: []string{fromID, toID}}
		}
		if from.ContinuationThreadID != "" {
			return fmt.Errorf("thread %s -> %s: %w (already %s)", fromID, toID, ErrContinuationSet, from.ContinuationThreadID)
		}
		if to.ContinuationOf != "" && to.ContinuationOf != fromID {
			return fmt.Errorf("thread %s already continues %s: %w", toID, to.ContinuationOf, ErrContinuationSet)
		}

		// Walk fromID's predecessors; toID must not be among them.
		path := []string{fromID}
		seen := map[string]bool{fromID: true}
		for prev := from.ContinuationOf; prev != ""; {
			path = append(path, prev)
			if prev == toID || seen[prev] {
				return &ChainResolutionError{ThreadID: fromID, Path: path}
			}
			seen[prev] = true
			p, err := getThread(ctx, tx, prev)
			if err != nil {
				return err
			}
			prev = p.ContinuationOf
		}

		if err := transitionTx(ctx, tx, fromID, StatusContinued, now); err != nil {
			return err
		}
		ts := sqlitedb.Time(now)
		if _, err := tx.ExecContext(ctx, `UPDATE threads SET continuation_thread_id = ?, updated_at = ? WHERE thread_id = ?`,
			toID, ts, fromID); err != nil {
			return err
		}
		root := from.ChainRootID
		if root == "" {
			root = fromID
		}
		_, err = tx.ExecContext(ctx, `UPDATE threads SET continuation_of = ?, chain_root_id = ?, updated_at = ? WHERE thread_id = ?`,
			fromID, root, ts, toID)
		return err
	})
	if err != nil {
		return err
	}
	r.logger.Info("thread continued", "thread_id", fromID, "continuation", toID)
	return nil
}

// Chain returns every thread of id's continuation chain, root first.
func (r *Registry) Chain(ctx context.Context, id string) ([]Thread, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Back to the root.
	path := []string{id}
	seen := map[string]bool{id: true}
	root := t
	for root.ContinuationOf != "" {
		prev := root.ContinuationOf
		path = append(path, prev)
		if seen[prev] {
			return nil, &ChainResolutionError{ThreadID: id, Path: path}
		}
		seen[prev] = true
		if root, err = r.Get(ctx, prev); err != nil {
			return nil, err
		}
	}

	// Forward to the tip.
	chain := []Thread{*root}
	fwd := map[string]bool{root.ID: true}
	for cur := root; cur.ContinuationThreadID != ""; {
		next := cur.ContinuationThreadID
		if fwd[next] {
			ids := make([]string, 0, len(chain)+1)
			for _, c := range chain {
				ids = append(ids, c.ID)
			}
			return nil, &ChainResolutionError{ThreadID: id, Path: append(ids, next)}
		}
		fwd[next] = true
		if cur, err = r.Get(ctx, next); err != nil {
			return nil, err
		}
		chain = append(chain, *cur)
	}
	return chain, nil
}

// ResolveTerminal follows continuation links forward from id and returns the
// last thread of the chain. Resolving an id that is already terminal returns
// it unchanged.
func (r *Registry) ResolveTerminal(ctx context.Context, id string) (*Thread, error) {
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	path := []string{id}
	seen := map[string]bool{id: true}
	for cur.ContinuationThreadID != "" {
		next := cur.ContinuationThreadID
		path = append(path, next)
		if seen[next] {
			return nil, &ChainResolutionError{ThreadID: id, Path: path}
		}
		seen[next] = true
		if cur, err = r.Get(ctx, next); err != nil {
			return nil, err
		}
	}
	return cur, nil
}
