package params

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the single params row.
type Repository interface {
	Load(ctx context.Context) (Params, error)
	// LockForUpdate row-locks the params, inserting defaults first when the store is empty.
	LockForUpdate(ctx context.Context, tx pgx.Tx, defaults Params) (Params, error)
	Save(ctx context.Context, tx pgx.Tx, p Params) error
}

// PGRepository implements Repository backed by the engine_params table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const selectParams = `
	SELECT max_follow_ups, match_threshold, resolution_fee, voting_period,
	       voting_threshold, penalty_amount, max_disputes, authority
	FROM engine_params
	WHERE id = 1
`

func (r *PGRepository) Load(ctx context.Context) (Params, error) {
	p, err := scanParams(r.pool.QueryRow(ctx, selectParams))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Params{}, ErrNotInitialized
		}
		return Params{}, fmt.Errorf("params: load: %w", err)
	}
	return p, nil
}

func (r *PGRepository) LockForUpdate(ctx context.Context, tx pgx.Tx, defaults Params) (Params, error) {
	const insert = `
		INSERT INTO engine_params (id, max_follow_ups, match_threshold, resolution_fee, voting_period,
			voting_threshold, penalty_amount, max_disputes, authority)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insert,
		int64(defaults.MaxFollowUps),
		int16(defaults.MatchThreshold),
		int64(defaults.ResolutionFee),
		int64(defaults.VotingPeriod),
		int16(defaults.VotingThreshold),
		int64(defaults.PenaltyAmount),
		int64(defaults.MaxDisputes),
		defaults.Authority,
	); err != nil {
		return Params{}, fmt.Errorf("params: init: %w", err)
	}

	p, err := scanParams(tx.QueryRow(ctx, selectParams+" FOR UPDATE"))
	if err != nil {
		return Params{}, fmt.Errorf("params: lock: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, p Params) error {
	const update = `
		UPDATE engine_params
		SET max_follow_ups = $1, match_threshold = $2, resolution_fee = $3, voting_period = $4,
		    voting_threshold = $5, penalty_amount = $6, max_disputes = $7, authority = $8,
		    updated_at = now()
		WHERE id = 1
	`
	tag, err := tx.Exec(ctx, update,
		int64(p.MaxFollowUps),
		int16(p.MatchThreshold),
		int64(p.ResolutionFee),
		int64(p.VotingPeriod),
		int16(p.VotingThreshold),
		int64(p.PenaltyAmount),
		int64(p.MaxDisputes),
		p.Authority,
	)
	if err != nil {
		return fmt.Errorf("params: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInitialized
	}
	return nil
}

func scanParams(row pgx.Row) (Params, error) {
	var (
		p                               Params
		maxFollowUps, fee, period       int64
		penalty, maxDisputes            int64
		matchThreshold, votingThreshold int16
	)
	if err := row.Scan(&maxFollowUps, &matchThreshold, &fee, &period, &votingThreshold, &penalty, &maxDisputes, &p.Authority); err != nil {
		return Params{}, err
	}
	p.MaxFollowUps = uint32(maxFollowUps)
	p.MatchThreshold = uint8(matchThreshold)
	p.ResolutionFee = uint64(fee)
	p.VotingPeriod = uint64(period)
	p.VotingThreshold = uint8(votingThreshold)
	p.PenaltyAmount = uint64(penalty)
	p.MaxDisputes = uint64(maxDisputes)
	return p, nil
}
