// Package dispute holds the dispute registry and the voting engine that
// adjudicates disputes through participant votes.
package dispute

import (
	"errors"
	"fmt"

	"complaintflow/auth"
)

// EvidenceHashSize is the fixed width of a dispute evidence commitment.
const EvidenceHashSize = 32

var (
	ErrInvalidComplaintID    = errors.New("dispute: invalid complaint id")
	ErrInvalidEvidenceHash   = errors.New("dispute: evidence hash must be 32 bytes")
	ErrInvalidRole           = errors.New("dispute: invalid role")
	ErrDisputeAlreadyRaised  = errors.New("dispute: dispute already raised for complaint")
	ErrMaxDisputesExceeded   = errors.New("dispute: max disputes exceeded")
	ErrDisputeNotFound       = errors.New("dispute: not found")
	ErrNotAuthorized         = errors.New("dispute: not authorized")
	ErrVotingClosed          = errors.New("dispute: voting closed")
	ErrTimeExpired           = errors.New("dispute: voting period expired")
	ErrAlreadyVoted          = errors.New("dispute: already voted")
	ErrNotVoting             = errors.New("dispute: dispute is not in voting")
	ErrInvalidResolution     = errors.New("dispute: invalid resolution")
	ErrVotingThresholdNotMet = errors.New("dispute: voting threshold not met")
	ErrInvalidPrincipal      = errors.New("dispute: invalid principal")
	ErrRegistryUnavailable   = errors.New("dispute: complaint registry unavailable")
)

// Status is the voting state machine: open -> voting -> resolved | closed.
type Status string

const (
	StatusOpen     Status = "open"
	StatusVoting   Status = "voting"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOpen, StatusVoting, StatusResolved, StatusClosed:
		return st, nil
	default:
		return "", fmt.Errorf("dispute: unknown status %q", s)
	}
}

// AcceptsVotes reports whether votes may be cast in s.
func (s Status) AcceptsVotes() bool {
	switch s {
	case StatusOpen, StatusVoting:
		return true
	case StatusResolved, StatusClosed:
		return false
	default:
		return false
	}
}

// Resolution is the closed vocabulary of dispute verdicts.
type Resolution string

const (
	ResolutionInFavor Resolution = "in-favor"
	ResolutionAgainst Resolution = "against"
	ResolutionSettled Resolution = "settled"
)

func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionInFavor, ResolutionAgainst, ResolutionSettled:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, s)
	}
}

type Dispute struct {
	ID           uint64                 `json:"id"`
	ComplaintID  uint64                 `json:"complaint_id"`
	RaisedBy     string                 `json:"raised_by"`
	RaisedAs     auth.Role              `json:"raised_as"`
	EvidenceHash [EvidenceHashSize]byte `json:"evidence_hash"`
	Status       Status                 `json:"status"`
	VotesYes     uint64                 `json:"votes_yes"`
	VotesNo      uint64                 `json:"votes_no"`
	Resolution   *Resolution            `json:"resolution,omitempty"`
	RaisedAt     uint64                 `json:"raised_at"`
	ClosesAt     uint64                 `json:"closes_at"`
	ResolvedBy   *string                `json:"resolved_by,omitempty"`
}

// Changes lists the mutable fields of a Dispute; nil fields are left as is.
type Changes struct {
	Status          *Status
	VotesYes        *uint64
	VotesNo         *uint64
	Resolution      *Resolution
	ClearResolution bool
	ResolvedBy      *string
}

// Apply returns a copy of d with c applied.
func (d Dispute) Apply(c Changes) Dispute {
	out := d
	if d.Resolution != nil {
		r := *d.Resolution
		out.Resolution = &r
	}
	if d.ResolvedBy != nil {
		r := *d.ResolvedBy
		out.ResolvedBy = &r
	}

	if c.Status != nil {
		out.Status = *c.Status
	}
	if c.VotesYes != nil {
		out.VotesYes = *c.VotesYes
	}
	if c.VotesNo != nil {
		out.VotesNo = *c.VotesNo
	}
	switch {
	case c.ClearResolution:
		out.Resolution = nil
	case c.Resolution != nil:
		r := *c.Resolution
		out.Resolution = &r
	}
	if c.ResolvedBy != nil {
		r := *c.ResolvedBy
		out.ResolvedBy = &r
	}
	return out
}

type Vote struct {
	DisputeID uint64 `json:"dispute_id"`
	Voter     string `json:"voter"`
	InFavor   bool   `json:"in_favor"`
	CastAt    uint64 `json:"cast_at"`
}

type Participant struct {
	DisputeID uint64 `json:"dispute_id"`
	Principal string `json:"principal"`
	AddedAt   uint64 `json:"added_at"`
}

// RaiseParams carries the inputs of Service.Raise.
type RaiseParams struct {
	ComplaintID  uint64
	EvidenceHash []byte
	Role         string
	Raiser       string
}
