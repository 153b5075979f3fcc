package store

import (
	"context"
	"database/sql"
	"errors"
)

func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, target_id, endpoint, secret) VALUES (?,?,?,?)`,
		sub.ID, sub.TargetID, sub.Endpoint, sub.Secret)
	return err
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	var sub Subscription
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, target_id, endpoint, secret, created_at FROM subscriptions WHERE id = ?`, id).
		Scan(&sub.ID, &sub.TargetID, &sub.Endpoint, &sub.Secret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	sub.CreatedAt = timeFromUnix(createdAt)
	return sub, nil
}

func (s *Store) SubscriptionsForTarget(ctx context.Context, targetID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_id, endpoint, secret, created_at FROM subscriptions WHERE target_id = ? ORDER BY created_at, id`,
		targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var createdAt int64
		if err := rows.Scan(&sub.ID, &sub.TargetID, &sub.Endpoint, &sub.Secret, &createdAt); err != nil {
			return nil, err
		}
		sub.CreatedAt = timeFromUnix(createdAt)
		out = append(out, sub)
	}
	return out, rows.Err()
}
