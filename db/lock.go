package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// LockKey takes a transaction-scoped advisory lock on namespace:id. The lock is
// released when tx commits or rolls back, so every operation touching the same
// key is linearized while unrelated keys proceed in parallel.
func LockKey(ctx context.Context, tx pgx.Tx, namespace string, id uint64) error {
	key := fmt.Sprintf("%s:%d", namespace, id)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("db: lock %s: %w", key, err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
