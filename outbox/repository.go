package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Store is the relay's view of the outbox table.
type Store interface {
	// ClaimPending row-locks up to limit pending events, skipping rows held
	// by another relay.
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, lastErr string, dead bool) error
}

type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

func (s *PGStore) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Event, error) {
	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, payload::text, status, attempts, coalesce(last_error, ''), created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Topic, &payload, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan event: %w", err)
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now(), last_error = NULL
		WHERE id = $1::uuid
	`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, lastErr string, dead bool) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET status = $2, attempts = attempts + 1, last_attempt = now(), last_error = $3
		WHERE id = $1::uuid
	`, id, status, lastErr); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
