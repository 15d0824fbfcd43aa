package complaint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides access to committed complaint hashes.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a complaint record by its primary key.
func (r *Repository) GetByID(ctx context.Context, id uint64) (Record, error) {
	const query = `
		SELECT id, content_hash, created_at
		FROM complaints
		WHERE id = $1
	`

	var (
		rec   Record
		rowID int64
	)
	err := r.pool.QueryRow(ctx, query, int64(id)).Scan(&rowID, &rec.ContentHash, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("complaint: query by id: %w", err)
	}
	rec.ID = uint64(rowID)
	return rec, nil
}

// Insert commits a new complaint hash.
func (r *Repository) Insert(ctx context.Context, id uint64, hash []byte) (Record, error) {
	const query = `
		INSERT INTO complaints (id, content_hash)
		VALUES ($1, $2)
		RETURNING created_at
	`

	rec := Record{ID: id, ContentHash: hash}
	if err := r.pool.QueryRow(ctx, query, int64(id), hash).Scan(&rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyRegistered
		}
		return Record{}, fmt.Errorf("complaint: insert: %w", err)
	}
	return rec, nil
}
