package actors

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"complaintflow/dispute"
	"complaintflow/followup"
	"complaintflow/height"
	"complaintflow/settlement"
)

// FollowUps is the follow-up surface agents drive.
type FollowUps interface {
	Submit(ctx context.Context, p followup.SubmitParams) (followup.FollowUp, error)
	VerifyMatch(ctx context.Context, complaintID uint64, agent string) (followup.FollowUp, error)
}

// Disputes is the dispute surface raisers, voters and the arbiter drive.
type Disputes interface {
	Raise(ctx context.Context, p dispute.RaiseParams) (dispute.Dispute, error)
	AddParticipant(ctx context.Context, disputeID uint64, principal, caller string) error
	Vote(ctx context.Context, disputeID uint64, inFavor bool, voter string) (dispute.Dispute, error)
	Resolve(ctx context.Context, disputeID uint64, label, caller string) (dispute.Dispute, error)
	Close(ctx context.Context, disputeID uint64, caller string) (dispute.Dispute, error)
	OpenDisputeFor(ctx context.Context, complaintID uint64) (dispute.Dispute, bool, error)
}

// Tally counts actor outcomes. Rejections are business errors the engine is
// expected to return under contention; Failures are anything else.
type Tally struct {
	OK         atomic.Int64
	Rejections atomic.Int64
	Failures   atomic.Int64
}

var expected = []error{
	followup.ErrAlreadySubmitted,
	followup.ErrMaxFollowUpsExceeded,
	followup.ErrVerificationNotPending,
	followup.ErrMismatchHash,
	dispute.ErrDisputeAlreadyRaised,
	dispute.ErrMaxDisputesExceeded,
	dispute.ErrAlreadyVoted,
	dispute.ErrVotingClosed,
	dispute.ErrTimeExpired,
	dispute.ErrDisputeNotFound,
	dispute.ErrNotAuthorized,
	dispute.ErrNotVoting,
	dispute.ErrVotingThresholdNotMet,
	settlement.ErrInsufficientFunds,
}

func (t *Tally) record(err error) {
	switch {
	case err == nil:
		t.OK.Add(1)
	case isExpected(err):
		t.Rejections.Add(1)
	default:
		t.Failures.Add(1)
	}
}

func isExpected(err error) bool {
	for _, e := range expected {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	d := time.Duration(base+rand.Intn(jitter)) * time.Millisecond
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

// Agent submits one follow-up for the complaint and then asks for it to be
// verified. Several agents race on the same complaint to exercise the cap.
func Agent(ctx context.Context, svc FollowUps, tally *Tally, complaintID uint64, agent string, hash []byte, stop <-chan struct{}) error {
	_, err := svc.Submit(ctx, followup.SubmitParams{
		ComplaintID:  complaintID,
		FollowUpHash: hash,
		Details:      "stress follow-up by " + agent,
		DetailsHash:  hash,
		Agent:        agent,
	})
	tally.record(err)
	if err != nil {
		return nil
	}
	if !pause(ctx, stop, 5, 20) {
		return nil
	}
	_, err = svc.VerifyMatch(ctx, complaintID, agent)
	tally.record(err)
	return nil
}

// Raiser keeps trying to open a dispute on the complaint.
func Raiser(ctx context.Context, svc Disputes, tally *Tally, complaintID uint64, raiser, role string, stop <-chan struct{}) error {
	evidence := make([]byte, dispute.EvidenceHashSize)
	for {
		for i := range evidence {
			evidence[i] = byte(rand.Intn(256))
		}
		_, err := svc.Raise(ctx, dispute.RaiseParams{
			ComplaintID:  complaintID,
			EvidenceHash: evidence,
			Role:         role,
			Raiser:       raiser,
		})
		tally.record(err)
		if !pause(ctx, stop, 20, 40) {
			return nil
		}
	}
}

// Voter joins whatever dispute is open on the complaint and votes once per
// dispute. The authority enrols it as a participant first.
func Voter(ctx context.Context, svc Disputes, tally *Tally, complaintID uint64, voter, authority string, stop <-chan struct{}) error {
	for {
		if d, ok, err := svc.OpenDisputeFor(ctx, complaintID); err == nil && ok {
			tally.record(svc.AddParticipant(ctx, d.ID, voter, authority))
			_, err := svc.Vote(ctx, d.ID, rand.Intn(2) == 0, voter)
			tally.record(err)
		}
		if !pause(ctx, stop, 10, 30) {
			return nil
		}
	}
}

// Arbiter resolves open disputes with a random label and closes the ones
// whose vote share falls short.
func Arbiter(ctx context.Context, svc Disputes, tally *Tally, complaintID uint64, authority string, stop <-chan struct{}) error {
	labels := []string{string(dispute.ResolutionInFavor), string(dispute.ResolutionAgainst), string(dispute.ResolutionSettled)}
	for {
		if d, ok, err := svc.OpenDisputeFor(ctx, complaintID); err == nil && ok {
			_, err := svc.Resolve(ctx, d.ID, labels[rand.Intn(len(labels))], authority)
			tally.record(err)
			if errors.Is(err, dispute.ErrVotingThresholdNotMet) {
				_, err = svc.Close(ctx, d.ID, authority)
				tally.record(err)
			}
		}
		if !pause(ctx, stop, 50, 100) {
			return nil
		}
	}
}

// Clock advances the height so voting windows expire during the run.
func Clock(ctx context.Context, c *height.Counter, stop <-chan struct{}) error {
	for {
		c.Advance(1)
		if !pause(ctx, stop, 100, 50) {
			return nil
		}
	}
}
