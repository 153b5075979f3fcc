package store

import (
	"context"
	"fmt"
	"time"
)

// RecordIfNew inserts the candidate items for a target and advances the
// target's cursor, all in one transaction.
//
// The seen_items primary key does the dedup work: an already-seen item is a
// silent no-op, never an error, and only the actually-inserted subset is
// returned. The cursor only moves forward; candidates at or below it are
// skipped without touching the table.
//
// The scheduler guarantees at most one in-flight poll per target, so there is
// no same-target write race to defend against here.
func (s *Store) RecordIfNew(ctx context.Context, targetID string, itemIDs []string) ([]string, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cursor string
	if err := tx.QueryRowContext(ctx, `SELECT cursor FROM targets WHERE id = ?`, targetID).Scan(&cursor); err != nil {
		return nil, fmt.Errorf("store: load cursor for %s: %w", targetID, err)
	}

	now := time.Now().Unix()
	newest := cursor
	var inserted []string
	for _, id := range itemIDs {
		if id == "" {
			continue
		}
		if cursor != "" && CompareItemID(id, cursor) <= 0 {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO seen_items (target_id, item_id, first_seen_at) VALUES (?,?,?)`,
			targetID, id, now)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, id)
		}
		if newest == "" || CompareItemID(id, newest) > 0 {
			newest = id
		}
	}

	if newest != cursor {
		if cursor != "" && CompareItemID(newest, cursor) < 0 {
			return nil, ErrCursorRegression
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE targets SET cursor = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
			newest, targetID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

// SeenCount reports how many items have been recorded for a target.
func (s *Store) SeenCount(ctx context.Context, targetID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_items WHERE target_id = ?`, targetID).Scan(&n)
	return n, err
}
