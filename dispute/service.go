package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"complaintflow/auth"
	"complaintflow/complaint"
	"complaintflow/followup"
	"complaintflow/height"
	"complaintflow/metrics"
	"complaintflow/outbox"
	"complaintflow/params"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ParamsReader interface {
	Current(ctx context.Context) (params.Params, error)
}

// FollowUpResolver stamps a verdict onto the raiser's follow-up.
type FollowUpResolver interface {
	ApplyResolution(ctx context.Context, tx pgx.Tx, complaintID uint64, agent string, label followup.Status, resolver string) (bool, error)
}

// Ledger moves resolution fees and penalties.
type Ledger interface {
	Transfer(ctx context.Context, tx pgx.Tx, amount uint64, from, to string) error
}

type EventWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Deps are the collaborators of the dispute engine. A nil Registry accepts
// any non-zero complaint id.
type Deps struct {
	Params    ParamsReader
	Registry  complaint.Registry
	FollowUps FollowUpResolver
	Ledger    Ledger
	Events    EventWriter
	Height    height.Source
	Metrics   *metrics.Engine
}

type Service struct {
	pool   TxBeginner
	repo   Repository
	deps   Deps
	logger *slog.Logger
}

func NewService(pool TxBeginner, repo Repository, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		deps:   deps,
		logger: logger.With("component", "dispute"),
	}
}

// Raise opens a dispute for a complaint and enrols the raiser as its first
// participant. At most one dispute per complaint may be open or voting.
func (s *Service) Raise(ctx context.Context, p RaiseParams) (d Dispute, err error) {
	defer s.observe("raise", time.Now(), &err)

	if err := s.checkComplaint(ctx, p.ComplaintID); err != nil {
		return Dispute{}, err
	}
	if len(p.EvidenceHash) != EvidenceHashSize {
		return Dispute{}, fmt.Errorf("%w: got %d bytes", ErrInvalidEvidenceHash, len(p.EvidenceHash))
	}
	role, ok := auth.ParseRole(p.Role)
	if !ok {
		return Dispute{}, fmt.Errorf("%w: %q", ErrInvalidRole, p.Role)
	}
	if p.Raiser == "" {
		return Dispute{}, ErrInvalidPrincipal
	}
	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return Dispute{}, err
	}
	now := s.deps.Height.Height()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockComplaint(ctx, tx, p.ComplaintID); err != nil {
		return Dispute{}, err
	}
	if openID, open, err := s.repo.OpenDisputeFor(ctx, tx, p.ComplaintID); err != nil {
		return Dispute{}, err
	} else if open {
		return Dispute{}, fmt.Errorf("%w: dispute %d", ErrDisputeAlreadyRaised, openID)
	}
	if err := s.repo.LockRegistry(ctx, tx); err != nil {
		return Dispute{}, err
	}
	total, err := s.repo.Count(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}
	if total >= cfg.MaxDisputes {
		return Dispute{}, fmt.Errorf("%w: limit %d", ErrMaxDisputesExceeded, cfg.MaxDisputes)
	}

	id, err := s.repo.NextID(ctx, tx)
	if err != nil {
		return Dispute{}, err
	}
	d = Dispute{
		ID:          id,
		ComplaintID: p.ComplaintID,
		RaisedBy:    p.Raiser,
		RaisedAs:    role,
		Status:      StatusOpen,
		RaisedAt:    now,
		ClosesAt:    now + cfg.VotingPeriod,
	}
	copy(d.EvidenceHash[:], p.EvidenceHash)

	if err := s.repo.Insert(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	if err := s.repo.IndexOpen(ctx, tx, p.ComplaintID, id); err != nil {
		return Dispute{}, err
	}
	if err := s.repo.AddParticipant(ctx, tx, Participant{DisputeID: id, Principal: p.Raiser, AddedAt: now}); err != nil {
		return Dispute{}, err
	}
	if err := s.deps.Events.Enqueue(ctx, tx, outbox.TopicDisputeRaised, map[string]any{"disputeId": id}); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit raise: %w", err)
	}

	s.logger.InfoContext(ctx, "dispute raised", "dispute_id", id, "complaint_id", p.ComplaintID,
		"raised_by", p.Raiser, "closes_at", d.ClosesAt)
	return d, nil
}

// AddParticipant whitelists principal as a voter. Only the authority may add
// participants; re-adding an existing participant is a no-op.
func (s *Service) AddParticipant(ctx context.Context, disputeID uint64, principal, caller string) (err error) {
	defer s.observe("add_participant", time.Now(), &err)

	if principal == "" {
		return ErrInvalidPrincipal
	}
	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return err
	}
	now := s.deps.Height.Height()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetForUpdate(ctx, tx, disputeID); err != nil {
		return err
	}
	if !cfg.IsAuthority(caller) {
		return ErrNotAuthorized
	}
	if err := s.repo.AddParticipant(ctx, tx, Participant{DisputeID: disputeID, Principal: principal, AddedAt: now}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit participant: %w", err)
	}

	s.logger.InfoContext(ctx, "participant added", "dispute_id", disputeID, "principal", principal)
	return nil
}

func (s *Service) Get(ctx context.Context, disputeID uint64) (Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, disputeID)
}

func (s *Service) ListByComplaint(ctx context.Context, complaintID uint64) ([]Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.ListByComplaint(ctx, tx, complaintID)
}

// OpenDisputeFor returns the dispute currently open or voting for a complaint.
func (s *Service) OpenDisputeFor(ctx context.Context, complaintID uint64) (Dispute, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, false, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, ok, err := s.repo.OpenDisputeFor(ctx, tx, complaintID)
	if err != nil || !ok {
		return Dispute{}, false, err
	}
	d, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return Dispute{}, false, err
	}
	return d, true, nil
}

func (s *Service) Participants(ctx context.Context, disputeID uint64) ([]Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.Get(ctx, tx, disputeID); err != nil {
		return nil, err
	}
	return s.repo.Participants(ctx, tx, disputeID)
}

func (s *Service) Votes(ctx context.Context, disputeID uint64) ([]Vote, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.Get(ctx, tx, disputeID); err != nil {
		return nil, err
	}
	return s.repo.Votes(ctx, tx, disputeID)
}

func (s *Service) checkComplaint(ctx context.Context, complaintID uint64) error {
	if complaintID == 0 {
		return ErrInvalidComplaintID
	}
	if s.deps.Registry == nil {
		return nil
	}
	_, err := s.deps.Registry.LookupHash(ctx, complaintID)
	switch {
	case errors.Is(err, complaint.ErrNotFound):
		return fmt.Errorf("%w: %d", ErrInvalidComplaintID, complaintID)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return nil
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	status := metrics.StatusSuccess
	switch err := *errp; {
	case err == nil:
	case isBusinessError(err):
		status = metrics.StatusRejected
	default:
		status = metrics.StatusError
	}
	s.deps.Metrics.ObserveOperation(op, status, time.Since(start))
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		ErrInvalidComplaintID, ErrInvalidEvidenceHash, ErrInvalidRole, ErrDisputeAlreadyRaised,
		ErrMaxDisputesExceeded, ErrDisputeNotFound, ErrNotAuthorized, ErrVotingClosed, ErrTimeExpired,
		ErrAlreadyVoted, ErrNotVoting, ErrInvalidResolution, ErrVotingThresholdNotMet, ErrInvalidPrincipal,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
