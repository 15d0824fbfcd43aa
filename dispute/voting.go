package dispute

import (
	"context"
	"fmt"
	"time"

	"complaintflow/followup"
	"complaintflow/outbox"
)

// YesPercent is floor(100*yes/(yes+no)), or 0 when no votes were cast.
func YesPercent(yes, no uint64) uint64 {
	total := yes + no
	if total == 0 {
		return 0
	}
	return 100 * yes / total
}

// Vote records one participant's vote and moves the dispute to voting.
// A vote cast exactly at ClosesAt is accepted.
func (s *Service) Vote(ctx context.Context, disputeID uint64, inFavor bool, voter string) (d Dispute, err error) {
	defer s.observe("vote", time.Now(), &err)

	now := s.deps.Height.Height()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !current.Status.AcceptsVotes() {
		return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrVotingClosed, current.Status)
	}
	if now > current.ClosesAt {
		return Dispute{}, fmt.Errorf("%w: closed at %d, now %d", ErrTimeExpired, current.ClosesAt, now)
	}
	ok, err := s.repo.IsParticipant(ctx, tx, disputeID, voter)
	if err != nil {
		return Dispute{}, err
	}
	if !ok {
		return Dispute{}, fmt.Errorf("%w: %s is not a participant", ErrNotAuthorized, voter)
	}
	voted, err := s.repo.HasVoted(ctx, tx, disputeID, voter)
	if err != nil {
		return Dispute{}, err
	}
	if voted {
		return Dispute{}, ErrAlreadyVoted
	}

	if err := s.repo.InsertVote(ctx, tx, Vote{DisputeID: disputeID, Voter: voter, InFavor: inFavor, CastAt: now}); err != nil {
		return Dispute{}, err
	}
	status := StatusVoting
	changes := Changes{Status: &status}
	if inFavor {
		yes := current.VotesYes + 1
		changes.VotesYes = &yes
	} else {
		no := current.VotesNo + 1
		changes.VotesNo = &no
	}
	d = current.Apply(changes)
	if err := s.repo.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	if err := s.deps.Events.Enqueue(ctx, tx, outbox.TopicVoteCast, map[string]any{
		"disputeId": disputeID,
		"vote":      inFavor,
	}); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit vote: %w", err)
	}

	s.deps.Metrics.RecordVote(inFavor)
	s.logger.InfoContext(ctx, "vote cast", "dispute_id", disputeID, "voter", voter, "in_favor", inFavor,
		"yes", d.VotesYes, "no", d.VotesNo)
	return d, nil
}

// Resolve finalizes a voting dispute with a verdict. The resolution fee is
// paid from the authority to the raiser, an against verdict charges the
// raiser the configured penalty, and the raiser's follow-up on the complaint
// takes the verdict as its status. Any failed transfer aborts the whole
// resolution.
func (s *Service) Resolve(ctx context.Context, disputeID uint64, label, caller string) (d Dispute, err error) {
	defer s.observe("resolve", time.Now(), &err)

	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if current.Status != StatusVoting {
		return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrNotVoting, current.Status)
	}
	resolution, err := ParseResolution(label)
	if err != nil {
		return Dispute{}, err
	}
	if !cfg.IsAuthority(caller) {
		return Dispute{}, ErrNotAuthorized
	}
	if pct := YesPercent(current.VotesYes, current.VotesNo); pct < uint64(cfg.VotingThreshold) {
		return Dispute{}, fmt.Errorf("%w: %d%% yes, need %d%%", ErrVotingThresholdNotMet, pct, cfg.VotingThreshold)
	}

	status := StatusResolved
	d = current.Apply(Changes{Status: &status, Resolution: &resolution, ResolvedBy: &caller})
	if err := s.repo.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}

	if err := s.deps.Ledger.Transfer(ctx, tx, cfg.ResolutionFee, caller, d.RaisedBy); err != nil {
		return Dispute{}, fmt.Errorf("dispute: resolution fee: %w", err)
	}
	if resolution == ResolutionAgainst && cfg.PenaltyAmount > 0 {
		if err := s.deps.Ledger.Transfer(ctx, tx, cfg.PenaltyAmount, d.RaisedBy, caller); err != nil {
			return Dispute{}, fmt.Errorf("dispute: penalty: %w", err)
		}
	}
	if _, err := s.deps.FollowUps.ApplyResolution(ctx, tx, d.ComplaintID, d.RaisedBy, followup.Status(resolution), caller); err != nil {
		return Dispute{}, err
	}
	if err := s.repo.ClearOpen(ctx, tx, d.ComplaintID); err != nil {
		return Dispute{}, err
	}
	if err := s.deps.Events.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
		"disputeId":  disputeID,
		"resolution": string(resolution),
	}); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	s.deps.Metrics.RecordResolution(string(resolution))
	s.logger.InfoContext(ctx, "dispute resolved", "dispute_id", disputeID, "resolution", resolution,
		"resolved_by", caller, "fee", cfg.ResolutionFee)
	return d, nil
}

// Close aborts a voting dispute without a verdict or payout.
func (s *Service) Close(ctx context.Context, disputeID uint64, caller string) (d Dispute, err error) {
	defer s.observe("close", time.Now(), &err)

	cfg, err := s.deps.Params.Current(ctx)
	if err != nil {
		return Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if current.Status != StatusVoting {
		return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrNotVoting, current.Status)
	}
	if !cfg.IsAuthority(caller) {
		return Dispute{}, ErrNotAuthorized
	}

	status := StatusClosed
	d = current.Apply(Changes{Status: &status, ClearResolution: true})
	if err := s.repo.Update(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	if err := s.repo.ClearOpen(ctx, tx, d.ComplaintID); err != nil {
		return Dispute{}, err
	}
	if err := s.deps.Events.Enqueue(ctx, tx, outbox.TopicDisputeClosed, map[string]any{"disputeId": disputeID}); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit close: %w", err)
	}

	s.logger.InfoContext(ctx, "dispute closed", "dispute_id", disputeID, "closed_by", caller)
	return d, nil
}
