// Package followup holds the follow-up ledger and the verification scoring
// engine derived from it.
package followup

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxDetailsLength is the upper bound, in characters, of a follow-up's details.
const MaxDetailsLength = 200

var (
	ErrInvalidHash            = errors.New("followup: invalid hash")
	ErrInvalidDetailsLength   = errors.New("followup: invalid details length")
	ErrNotEligibleAgent       = errors.New("followup: principal is not an eligible agent")
	ErrAlreadySubmitted       = errors.New("followup: follow-up already submitted")
	ErrMaxFollowUpsExceeded   = errors.New("followup: max follow-ups exceeded")
	ErrRegistryUnavailable    = errors.New("followup: complaint registry unavailable")
	ErrComplaintNotFound      = errors.New("followup: complaint not found")
	ErrVerificationNotPending = errors.New("followup: verification not pending")
	ErrFollowUpNotFound       = errors.New("followup: follow-up not found")
	ErrInvalidEvidence        = errors.New("followup: invalid evidence")
	ErrNotDisputed            = errors.New("followup: follow-up is not disputed")
	ErrInvalidStatus          = errors.New("followup: invalid status")

	// ErrMismatchHash is returned by VerifyMatch after the follow-up has been
	// persisted as disputed. Callers must inspect the returned record.
	ErrMismatchHash = errors.New("followup: follow-up hash does not match complaint")
)

// Status is the lifecycle state of a single follow-up.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusDisputed Status = "disputed"
	// Resolution labels, applied only by dispute resolution.
	StatusInFavor Status = "in-favor"
	StatusAgainst Status = "against"
	StatusSettled Status = "settled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusVerified, StatusDisputed, StatusInFavor, StatusAgainst, StatusSettled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// IsResolution reports whether s is a dispute resolution label.
func (s Status) IsResolution() bool {
	switch s {
	case StatusInFavor, StatusAgainst, StatusSettled:
		return true
	case StatusPending, StatusVerified, StatusDisputed:
		return false
	default:
		return false
	}
}

// AggregateStatus is the derived state of a complaint's follow-up set.
type AggregateStatus string

const (
	AggregatePending  AggregateStatus = "pending"
	AggregateVerified AggregateStatus = "verified"
	AggregateDisputed AggregateStatus = "disputed"
)

// FollowUp is one agent's commitment against a complaint. Identity is
// (ComplaintID, Agent).
type FollowUp struct {
	ComplaintID  uint64  `json:"complaint_id"`
	Agent        string  `json:"agent"`
	FollowUpHash []byte  `json:"follow_up_hash"`
	Details      string  `json:"details"`
	DetailsHash  []byte  `json:"details_hash"`
	SubmittedAt  uint64  `json:"submitted_at"`
	Status       Status  `json:"status"`
	Evidence     []byte  `json:"evidence,omitempty"`
	Resolver     *string `json:"resolver,omitempty"`
}

// Changes lists the mutable fields of a FollowUp; nil fields are left as is.
type Changes struct {
	Status   *Status
	Evidence []byte
	Resolver *string
}

// Apply returns a copy of f with c applied. Identity and commitment fields
// are never touched.
func (f FollowUp) Apply(c Changes) FollowUp {
	out := f
	out.FollowUpHash = bytes.Clone(f.FollowUpHash)
	out.DetailsHash = bytes.Clone(f.DetailsHash)
	out.Evidence = bytes.Clone(f.Evidence)
	if f.Resolver != nil {
		r := *f.Resolver
		out.Resolver = &r
	}

	if c.Status != nil {
		out.Status = *c.Status
	}
	if c.Evidence != nil {
		out.Evidence = bytes.Clone(c.Evidence)
	}
	if c.Resolver != nil {
		r := *c.Resolver
		out.Resolver = &r
	}
	return out
}

// VerificationStatus is the per-complaint aggregate produced by Score.
type VerificationStatus struct {
	ComplaintID   uint64          `json:"complaint_id"`
	OverallStatus AggregateStatus `json:"overall_status"`
	FollowUpCount uint32          `json:"follow_up_count"`
	MatchScore    uint8           `json:"match_score"`
	LastUpdated   uint64          `json:"last_updated"`
}

// SubmitParams carries the inputs of Service.Submit.
type SubmitParams struct {
	ComplaintID  uint64
	FollowUpHash []byte
	Details      string
	DetailsHash  []byte
	Agent        string
}
