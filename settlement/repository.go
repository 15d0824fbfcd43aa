package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines account storage. Methods taking a tx run inside the
// caller's transaction.
type Repository interface {
	// LockAccount row-locks principal's account, creating an empty one if needed.
	LockAccount(ctx context.Context, tx pgx.Tx, principal string) (Account, error)
	SetBalance(ctx context.Context, tx pgx.Tx, principal string, balance uint64) error
	InsertTransfer(ctx context.Context, tx pgx.Tx, t Transfer) error
	GetAccount(ctx context.Context, principal string) (Account, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) LockAccount(ctx context.Context, tx pgx.Tx, principal string) (Account, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO accounts (principal) VALUES ($1) ON CONFLICT (principal) DO NOTHING`, principal); err != nil {
		return Account{}, fmt.Errorf("settlement: ensure account: %w", err)
	}

	var (
		acct    Account
		balance int64
	)
	err := tx.QueryRow(ctx, `SELECT principal, balance, updated_at FROM accounts WHERE principal = $1 FOR UPDATE`, principal).
		Scan(&acct.Principal, &balance, &acct.UpdatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("settlement: lock account: %w", err)
	}
	acct.Balance = uint64(balance)
	return acct, nil
}

func (r *PGRepository) SetBalance(ctx context.Context, tx pgx.Tx, principal string, balance uint64) error {
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = $2, updated_at = now() WHERE principal = $1`, principal, int64(balance)); err != nil {
		return fmt.Errorf("settlement: update balance: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertTransfer(ctx context.Context, tx pgx.Tx, t Transfer) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transfers (id, amount, from_id, to_id, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5)
	`, t.ID, int64(t.Amount), t.From, t.To, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("settlement: insert transfer: %w", err)
	}
	return nil
}

func (r *PGRepository) GetAccount(ctx context.Context, principal string) (Account, error) {
	var (
		acct    Account
		balance int64
	)
	err := r.pool.QueryRow(ctx, `SELECT principal, balance, updated_at FROM accounts WHERE principal = $1`, principal).
		Scan(&acct.Principal, &balance, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{Principal: principal}, nil
		}
		return Account{}, fmt.Errorf("settlement: get account: %w", err)
	}
	acct.Balance = uint64(balance)
	return acct, nil
}
