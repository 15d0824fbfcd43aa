package params

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service exposes the configuration store. Every setter except SetAuthority
// is gated to the configured authority.
type Service struct {
	pool   TxBeginner
	repo   Repository
	logger *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		logger: logger.With("component", "params"),
	}
}

// Current returns the stored params, or the defaults when nothing was written yet.
func (s *Service) Current(ctx context.Context) (Params, error) {
	p, err := s.repo.Load(ctx)
	if errors.Is(err, ErrNotInitialized) {
		return Defaults(), nil
	}
	return p, err
}

// IsAuthority reports whether principal is the configured authority.
func (s *Service) IsAuthority(ctx context.Context, principal string) (bool, error) {
	p, err := s.Current(ctx)
	if err != nil {
		return false, err
	}
	return p.IsAuthority(principal), nil
}

// Seed initializes a fresh store with seed. An already initialized store is left untouched.
func (s *Service) Seed(ctx context.Context, seed Params) (Params, error) {
	if err := seed.Validate(); err != nil {
		return Params{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Params{}, fmt.Errorf("params: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.LockForUpdate(ctx, tx, seed)
	if err != nil {
		return Params{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Params{}, fmt.Errorf("params: commit seed: %w", err)
	}
	return current, nil
}

// SetAuthority installs the authority principal. It succeeds exactly once.
func (s *Service) SetAuthority(ctx context.Context, principal string) (Params, error) {
	if principal == "" {
		return Params{}, ErrInvalidPrincipal
	}
	return s.update(ctx, func(p *Params) error {
		if p.Authority != nil {
			return ErrAuthorityAlreadySet
		}
		p.Authority = &principal
		return nil
	})
}

func (s *Service) SetMaxFollowUps(ctx context.Context, caller string, n uint32) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { p.MaxFollowUps = n })
}

func (s *Service) SetMatchThreshold(ctx context.Context, caller string, pct uint8) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { p.MatchThreshold = pct })
}

func (s *Service) SetResolutionFee(ctx context.Context, caller string, fee uint64) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { p.ResolutionFee = fee })
}

func (s *Service) SetVotingPeriod(ctx context.Context, caller string, period uint64) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { p.VotingPeriod = period })
}

func (s *Service) SetVotingThreshold(ctx context.Context, caller string, pct uint8) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { p.VotingThreshold = pct })
}

func (s *Service) SetPenaltyAmount(ctx context.Context, caller string, amount uint64) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { p.PenaltyAmount = amount })
}

func (s *Service) SetMaxDisputes(ctx context.Context, caller string, n uint64) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { p.MaxDisputes = n })
}

// Changes is a partial update; nil fields keep their current value.
type Changes struct {
	MaxFollowUps    *uint32
	MatchThreshold  *uint8
	ResolutionFee   *uint64
	VotingPeriod    *uint64
	VotingThreshold *uint8
	PenaltyAmount   *uint64
	MaxDisputes     *uint64
}

// Apply returns p with every non-nil field of c written over it.
func (p Params) Apply(c Changes) Params {
	if c.MaxFollowUps != nil {
		p.MaxFollowUps = *c.MaxFollowUps
	}
	if c.MatchThreshold != nil {
		p.MatchThreshold = *c.MatchThreshold
	}
	if c.ResolutionFee != nil {
		p.ResolutionFee = *c.ResolutionFee
	}
	if c.VotingPeriod != nil {
		p.VotingPeriod = *c.VotingPeriod
	}
	if c.VotingThreshold != nil {
		p.VotingThreshold = *c.VotingThreshold
	}
	if c.PenaltyAmount != nil {
		p.PenaltyAmount = *c.PenaltyAmount
	}
	if c.MaxDisputes != nil {
		p.MaxDisputes = *c.MaxDisputes
	}
	return p
}

// Update applies several changes atomically; either all land or none do.
func (s *Service) Update(ctx context.Context, caller string, c Changes) (Params, error) {
	return s.authorized(ctx, caller, func(p *Params) { *p = p.Apply(c) })
}

func (s *Service) authorized(ctx context.Context, caller string, mutate func(*Params)) (Params, error) {
	return s.update(ctx, func(p *Params) error {
		if !p.IsAuthority(caller) {
			return ErrNotAuthority
		}
		mutate(p)
		return nil
	})
}

func (s *Service) update(ctx context.Context, mutate func(*Params) error) (Params, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Params{}, fmt.Errorf("params: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.LockForUpdate(ctx, tx, Defaults())
	if err != nil {
		return Params{}, err
	}
	if err := mutate(&p); err != nil {
		return Params{}, err
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	if err := s.repo.Save(ctx, tx, p); err != nil {
		return Params{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Params{}, fmt.Errorf("params: commit: %w", err)
	}

	s.logger.InfoContext(ctx, "params updated",
		"max_follow_ups", p.MaxFollowUps,
		"match_threshold", p.MatchThreshold,
		"voting_period", p.VotingPeriod,
		"voting_threshold", p.VotingThreshold,
		"max_disputes", p.MaxDisputes,
	)
	return p, nil
}
