package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Writer inserts events into the outbox inside a caller-owned transaction so
// they commit or roll back with the state change they describe.
type Writer struct {
	idGenerator func() string
}

func NewWriter() *Writer {
	return &Writer{idGenerator: func() string { return uuid.NewString() }}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1::uuid, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, w.idGenerator(), topic, string(body)); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
