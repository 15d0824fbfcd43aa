package main

import (
	"errors"
	"net/http"

	"complaintflow/auth"
	"complaintflow/complaint"
	"complaintflow/dispute"
	"complaintflow/followup"
	"complaintflow/params"
	"complaintflow/settlement"
)

type errorClass struct {
	status int
	code   string
	errs   []error
}

var errorClasses = []errorClass{
	{http.StatusBadRequest, "validation", []error{
		followup.ErrInvalidHash, followup.ErrInvalidDetailsLength, followup.ErrInvalidEvidence,
		dispute.ErrInvalidComplaintID, dispute.ErrInvalidEvidenceHash, dispute.ErrInvalidRole,
		dispute.ErrInvalidResolution, dispute.ErrInvalidPrincipal,
		params.ErrOutOfRange, params.ErrInvalidPrincipal,
		complaint.ErrInvalidID, complaint.ErrInvalidHash,
		settlement.ErrInvalidAmount, settlement.ErrInvalidPrincipal,
		auth.ErrWeakPassword,
	}},
	{http.StatusUnauthorized, "unauthorized", []error{auth.ErrInvalidCredentials}},
	{http.StatusForbidden, "forbidden", []error{
		followup.ErrNotEligibleAgent, dispute.ErrNotAuthorized, params.ErrNotAuthority,
	}},
	{http.StatusNotFound, "not_found", []error{
		followup.ErrFollowUpNotFound, followup.ErrComplaintNotFound, dispute.ErrDisputeNotFound,
		auth.ErrUserNotFound, complaint.ErrNotFound,
	}},
	{http.StatusConflict, "conflict", []error{
		followup.ErrAlreadySubmitted, followup.ErrVerificationNotPending, followup.ErrNotDisputed,
		followup.ErrMismatchHash, followup.ErrInvalidStatus,
		dispute.ErrDisputeAlreadyRaised, dispute.ErrVotingClosed, dispute.ErrTimeExpired,
		dispute.ErrAlreadyVoted, dispute.ErrNotVoting, dispute.ErrVotingThresholdNotMet,
		params.ErrAuthorityAlreadySet, complaint.ErrAlreadyRegistered, auth.ErrDuplicateEmail,
	}},
	{http.StatusUnprocessableEntity, "capacity", []error{
		followup.ErrMaxFollowUpsExceeded, dispute.ErrMaxDisputesExceeded, settlement.ErrInsufficientFunds,
		settlement.ErrBalanceOverflow,
	}},
	{http.StatusServiceUnavailable, "unavailable", []error{
		followup.ErrRegistryUnavailable, dispute.ErrRegistryUnavailable, params.ErrNotInitialized,
	}},
}

// classify maps a service error onto an HTTP status and a stable code.
func classify(err error) (int, string) {
	for _, c := range errorClasses {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.status, c.code
			}
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeJSONError(w, status, code, "internal error")
		return
	}
	writeJSONError(w, status, code, err.Error())
}
