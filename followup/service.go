package followup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"complaintflow/auth"
	"complaintflow/complaint"
	"complaintflow/height"
	"complaintflow/metrics"
	"complaintflow/outbox"
	"complaintflow/params"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ParamsReader supplies the current engine tunables.
type ParamsReader interface {
	Current(ctx context.Context) (params.Params, error)
}

// RoleChecker resolves principal roles.
type RoleChecker interface {
	HasRole(ctx context.Context, principal string, role auth.Role) (bool, error)
}

// EventWriter records events inside the operation's transaction.
type EventWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Deps are the collaborators of the ledger. Registry may be nil, in which
// case submissions and verifications fail with ErrRegistryUnavailable.
type Deps struct {
	Params   ParamsReader
	Registry complaint.Registry
	Roles    RoleChecker
	Events   EventWriter
	Height   height.Source
	Metrics  *metrics.Engine
}

// Service is the follow-up ledger. Every mutation recomputes the complaint's
// verification aggregate in the same transaction.
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
		logger: logger.With("component", "followup"),
	}
}

// Submit records a pending follow-up for (ComplaintID, Agent).
func (s *Service) Submit(ctx context.Context, p SubmitParams) (rec FollowUp, err error) {
	defer s.observe("submit", time.Now(), &err)

	if len(p.FollowUpHash) == 0 {
		return FollowUp{}, fmt.Errorf("%w: follow-up hash is empty", ErrInvalidHash)
	}
	if n := utf8.RuneCountInString(p.Details); n == 0 || n > MaxDetailsLength {
		return FollowUp{}, fmt.Errorf("%w: %d characters", ErrInvalidDetailsLength, n)
	}
	if len(p.DetailsHash) == 0 {
		return FollowUp{}, fmt.Errorf("%w: details hash is empty", ErrInvalidHash)
	}
	ok, err := s.deps.Roles.HasRole(ctx, p.Agent, auth.RoleAgent)
	if err != nil {
		return FollowUp{}, fmt.Errorf("followup: role lookup: %w", err)
	}
	if !ok {
		return FollowUp{}, ErrNotEligibleAgent
	}
	if _, err := s.lookupHash(ctx, p.ComplaintID); err != nil {
		return FollowUp{}, err
	}
	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return FollowUp{}, err
	}
	now := s.deps.Height.Height()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FollowUp{}, fmt.Errorf("followup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockComplaint(ctx, tx, p.ComplaintID); err != nil {
		return FollowUp{}, err
	}
	existing, err := s.repo.ListByComplaint(ctx, tx, p.ComplaintID)
	if err != nil {
		return FollowUp{}, err
	}
	for _, f := range existing {
		if f.Agent == p.Agent {
			return FollowUp{}, ErrAlreadySubmitted
		}
	}
	if uint64(len(existing)) >= uint64(cfg.MaxFollowUps) {
		return FollowUp{}, fmt.Errorf("%w: limit %d", ErrMaxFollowUpsExceeded, cfg.MaxFollowUps)
	}

	rec = FollowUp{
		ComplaintID:  p.ComplaintID,
		Agent:        p.Agent,
		FollowUpHash: bytes.Clone(p.FollowUpHash),
		Details:      p.Details,
		DetailsHash:  bytes.Clone(p.DetailsHash),
		SubmittedAt:  now,
		Status:       StatusPending,
	}
	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return FollowUp{}, err
	}
	if _, err := s.recompute(ctx, tx, p.ComplaintID, cfg.MatchThreshold, now); err != nil {
		return FollowUp{}, err
	}
	if err := s.deps.Events.Enqueue(ctx, tx, outbox.TopicFollowUpSubmitted, map[string]any{
		"complaintId": p.ComplaintID,
		"agent":       p.Agent,
	}); err != nil {
		return FollowUp{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FollowUp{}, fmt.Errorf("followup: commit submit: %w", err)
	}

	s.logger.InfoContext(ctx, "follow-up submitted", "complaint_id", p.ComplaintID, "agent", p.Agent, "height", now)
	return rec, nil
}

// VerifyMatch compares the agent's follow-up hash with the complaint's
// committed hash. On a mismatch the follow-up is persisted as disputed and
// the committed record is returned together with ErrMismatchHash.
func (s *Service) VerifyMatch(ctx context.Context, complaintID uint64, agent string) (rec FollowUp, err error) {
	defer s.observe("verify", time.Now(), &err)

	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return FollowUp{}, err
	}
	now := s.deps.Height.Height()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FollowUp{}, fmt.Errorf("followup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockComplaint(ctx, tx, complaintID); err != nil {
		return FollowUp{}, err
	}
	current, err := s.repo.Get(ctx, tx, complaintID, agent)
	if err != nil {
		return FollowUp{}, err
	}
	if current.Status != StatusPending {
		return FollowUp{}, fmt.Errorf("%w: follow-up is %s", ErrVerificationNotPending, current.Status)
	}
	canonical, err := s.lookupHash(ctx, complaintID)
	if err != nil {
		return FollowUp{}, err
	}

	matched := bytes.Equal(canonical, current.FollowUpHash)
	next, topic := StatusVerified, outbox.TopicMatchVerified
	if !matched {
		next, topic = StatusDisputed, outbox.TopicMismatchDisputed
	}

	rec = current.Apply(Changes{Status: &next})
	if err := s.repo.Update(ctx, tx, rec); err != nil {
		return FollowUp{}, err
	}
	if _, err := s.recompute(ctx, tx, complaintID, cfg.MatchThreshold, now); err != nil {
		return FollowUp{}, err
	}
	if err := s.deps.Events.Enqueue(ctx, tx, topic, map[string]any{"complaintId": complaintID}); err != nil {
		return FollowUp{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FollowUp{}, fmt.Errorf("followup: commit verify: %w", err)
	}

	s.logger.InfoContext(ctx, "follow-up verified", "complaint_id", complaintID, "agent", agent, "status", rec.Status)
	if !matched {
		return rec, ErrMismatchHash
	}
	return rec, nil
}

// AttachEvidence stores evidence on the agent's own disputed follow-up.
func (s *Service) AttachEvidence(ctx context.Context, complaintID uint64, agent string, evidence []byte) (rec FollowUp, err error) {
	defer s.observe("attach_evidence", time.Now(), &err)

	if len(evidence) == 0 {
		return FollowUp{}, ErrInvalidEvidence
	}
	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return FollowUp{}, err
	}
	now := s.deps.Height.Height()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FollowUp{}, fmt.Errorf("followup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.LockComplaint(ctx, tx, complaintID); err != nil {
		return FollowUp{}, err
	}
	current, err := s.repo.Get(ctx, tx, complaintID, agent)
	if err != nil {
		return FollowUp{}, err
	}
	if current.Status != StatusDisputed {
		return FollowUp{}, fmt.Errorf("%w: follow-up is %s", ErrNotDisputed, current.Status)
	}

	rec = current.Apply(Changes{Evidence: evidence})
	if err := s.repo.Update(ctx, tx, rec); err != nil {
		return FollowUp{}, err
	}
	if _, err := s.recompute(ctx, tx, complaintID, cfg.MatchThreshold, now); err != nil {
		return FollowUp{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FollowUp{}, fmt.Errorf("followup: commit evidence: %w", err)
	}

	s.logger.InfoContext(ctx, "evidence attached", "complaint_id", complaintID, "agent", agent, "bytes", len(evidence))
	return rec, nil
}

// ApplyResolution stamps a dispute verdict on the (complaintID, agent)
// follow-up inside the caller's transaction. It reports false when no such
// follow-up exists.
func (s *Service) ApplyResolution(ctx context.Context, tx pgx.Tx, complaintID uint64, agent string, label Status, resolver string) (bool, error) {
	if !label.IsResolution() {
		return false, fmt.Errorf("%w: %q is not a resolution", ErrInvalidStatus, label)
	}
	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return false, err
	}
	now := s.deps.Height.Height()

	if err := s.repo.LockComplaint(ctx, tx, complaintID); err != nil {
		return false, err
	}
	current, err := s.repo.Get(ctx, tx, complaintID, agent)
	if err != nil {
		if errors.Is(err, ErrFollowUpNotFound) {
			return false, nil
		}
		return false, err
	}

	rec := current.Apply(Changes{Status: &label, Resolver: &resolver})
	if err := s.repo.Update(ctx, tx, rec); err != nil {
		return false, err
	}
	if _, err := s.recompute(ctx, tx, complaintID, cfg.MatchThreshold, now); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Get(ctx context.Context, complaintID uint64, agent string) (FollowUp, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FollowUp{}, fmt.Errorf("followup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, complaintID, agent)
}

func (s *Service) List(ctx context.Context, complaintID uint64) ([]FollowUp, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("followup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.ListByComplaint(ctx, tx, complaintID)
}

// Status returns the stored aggregate, or a zero pending aggregate for a
// complaint without follow-ups.
func (s *Service) Status(ctx context.Context, complaintID uint64) (VerificationStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return VerificationStatus{}, fmt.Errorf("followup: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	vs, ok, err := s.repo.GetStatus(ctx, tx, complaintID)
	if err != nil {
		return VerificationStatus{}, err
	}
	if !ok {
		return VerificationStatus{ComplaintID: complaintID, OverallStatus: AggregatePending}, nil
	}
	return vs, nil
}

func (s *Service) recompute(ctx context.Context, tx pgx.Tx, complaintID uint64, threshold uint8, now uint64) (VerificationStatus, error) {
	all, err := s.repo.ListByComplaint(ctx, tx, complaintID)
	if err != nil {
		return VerificationStatus{}, err
	}
	vs := Score(complaintID, all, threshold, now)
	if err := s.repo.SaveStatus(ctx, tx, vs); err != nil {
		return VerificationStatus{}, err
	}
	return vs, nil
}

func (s *Service) lookupHash(ctx context.Context, complaintID uint64) ([]byte, error) {
	if s.deps.Registry == nil {
		return nil, ErrRegistryUnavailable
	}
	hash, err := s.deps.Registry.LookupHash(ctx, complaintID)
	switch {
	case errors.Is(err, complaint.ErrNotFound):
		return nil, fmt.Errorf("%w: %d", ErrComplaintNotFound, complaintID)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return hash, nil
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
		ErrInvalidHash, ErrInvalidDetailsLength, ErrNotEligibleAgent, ErrAlreadySubmitted,
		ErrMaxFollowUpsExceeded, ErrComplaintNotFound, ErrVerificationNotPending,
		ErrFollowUpNotFound, ErrInvalidEvidence, ErrNotDisputed, ErrMismatchHash,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
