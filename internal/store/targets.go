package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) CreateTarget(ctx context.Context, t Target) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (id, handle, schedule, auth_token, csrf_token, cursor, next_poll_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(handle) DO UPDATE SET
		     schedule = excluded.schedule,
		     auth_token = excluded.auth_token,
		     csrf_token = excluded.csrf_token,
		     updated_at = strftime('%s', 'now')`,
		t.ID, t.Handle, t.Schedule, t.AuthToken, t.CSRFToken, t.Cursor, unixOrZero(t.NextPollAt),
	)
	return err
}

func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetTarget(ctx context.Context, id string) (Target, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, handle, schedule, auth_token, csrf_token, cursor, next_poll_at, COALESCE(last_polled_at, 0), created_at
		 FROM targets WHERE id = ?`, id)
	return scanTarget(row)
}

func (s *Store) GetTargetByHandle(ctx context.Context, handle string) (Target, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, handle, schedule, auth_token, csrf_token, cursor, next_poll_at, COALESCE(last_polled_at, 0), created_at
		 FROM targets WHERE handle = ?`, handle)
	return scanTarget(row)
}

func (s *Store) ListTargets(ctx context.Context) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, handle, schedule, auth_token, csrf_token, cursor, next_poll_at, COALESCE(last_polled_at, 0), created_at
		 FROM targets ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TouchPoll records a completed poll attempt and the next due time.
// It does not move the cursor; RecordIfNew owns that.
func (s *Store) TouchPoll(ctx context.Context, id string, polledAt, nextAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE targets SET last_polled_at = ?, next_poll_at = ?, updated_at = strftime('%s', 'now') WHERE id = ?`,
		polledAt.Unix(), unixOrZero(nextAt), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(r rowScanner) (Target, error) {
	var t Target
	var nextAt, lastAt, createdAt int64
	err := r.Scan(&t.ID, &t.Handle, &t.Schedule, &t.AuthToken, &t.CSRFToken, &t.Cursor, &nextAt, &lastAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrNotFound
	}
	if err != nil {
		return Target{}, err
	}
	t.NextPollAt = timeFromUnix(nextAt)
	t.LastPolledAt = timeFromUnix(lastAt)
	t.CreatedAt = timeFromUnix(createdAt)
	return t, nil
}
