package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"xnotifyd/pkg/logx"
)

// EnqueueEvents persists a batch of pending deliveries and reports how many
// were stored. Inserting is what makes a delivery durable; the dispatcher
// only ever works off this table.
//
// An event whose subscription was deleted between fan-out and insert is
// skipped rather than aborting the whole batch, so one unregistered endpoint
// cannot drop the cycle's notifications for everyone else.
func (s *Store) EnqueueEvents(ctx context.Context, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stored := 0
	for _, e := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notification_events (id, subscription_id, target_id, item_id, payload, status, attempts, next_retry_at)
			 VALUES (?,?,?,?,?,?,0,0)`,
			e.ID, e.SubscriptionID, e.TargetID, e.ItemID, string(e.Payload), EventPending); err != nil {
			if isFKViolation(err) {
				s.log.Warn("delivery skipped, subscription gone",
					logx.String("subscription", e.SubscriptionID), logx.String("item", e.ItemID))
				continue
			}
			return 0, err
		}
		stored++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return stored, nil
}

// isFKViolation matches the sqlite foreign-key error text; the driver does
// not expose a typed error for it.
func isFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// DueEvents returns pending events whose retry time has arrived, oldest first.
func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, target_id, item_id, payload, status, attempts, next_retry_at, COALESCE(last_error, ''), created_at
		 FROM notification_events
		 WHERE status = ? AND next_retry_at <= ?
		 ORDER BY next_retry_at, created_at
		 LIMIT ?`,
		EventPending, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkDelivered settles an event as delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_events
		 SET status = ?, attempts = ?, last_error = NULL, updated_at = strftime('%s', 'now')
		 WHERE id = ?`,
		EventDelivered, attempts, id)
	return err
}

// MarkRetry records a failed attempt and the next retry time.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_events
		 SET attempts = ?, next_retry_at = ?, last_error = ?, updated_at = strftime('%s', 'now')
		 WHERE id = ?`,
		attempts, nextRetryAt.Unix(), nullStr(lastErr), id)
	return err
}

// MarkFailed dead-letters an event after its retry budget is exhausted.
// The row stays queryable; nothing retries it again.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_events
		 SET status = ?, attempts = ?, last_error = ?, updated_at = strftime('%s', 'now')
		 WHERE id = ?`,
		EventFailed, attempts, nullStr(lastErr), id)
	return err
}

func (s *Store) GetEvent(ctx context.Context, id string) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subscription_id, target_id, item_id, payload, status, attempts, next_retry_at, COALESCE(last_error, ''), created_at
		 FROM notification_events WHERE id = ?`, id)
	var e Event
	var payload string
	var nextAt, createdAt int64
	err := row.Scan(&e.ID, &e.SubscriptionID, &e.TargetID, &e.ItemID, &payload, &e.Status, &e.Attempts, &nextAt, &e.LastError, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Payload = []byte(payload)
	e.NextRetryAt = timeFromUnix(nextAt)
	e.CreatedAt = timeFromUnix(createdAt)
	return e, nil
}

// DeadLetters returns the most recently failed events.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, target_id, item_id, payload, status, attempts, next_retry_at, COALESCE(last_error, ''), created_at
		 FROM notification_events
		 WHERE status = ?
		 ORDER BY updated_at DESC
		 LIMIT ?`,
		EventFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) CountEvents(ctx context.Context) (EventCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_events GROUP BY status`)
	if err != nil {
		return EventCounts{}, err
	}
	defer rows.Close()

	var c EventCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return EventCounts{}, err
		}
		switch status {
		case EventPending:
			c.Pending = n
		case EventDelivered:
			c.Delivered = n
		case EventFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var payload string
		var nextAt, createdAt int64
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.TargetID, &e.ItemID, &payload, &e.Status, &e.Attempts, &nextAt, &e.LastError, &createdAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.NextRetryAt = timeFromUnix(nextAt)
		e.CreatedAt = timeFromUnix(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
