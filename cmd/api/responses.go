package main

import (
	"encoding/hex"
	"time"

	"complaintflow/auth"
	"complaintflow/dispute"
	"complaintflow/followup"
	"complaintflow/params"
)

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      auth.Role `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role, CreatedAt: u.CreatedAt}
}

type followUpResponse struct {
	ComplaintID  uint64          `json:"complaint_id"`
	Agent        string          `json:"agent"`
	FollowUpHash string          `json:"follow_up_hash"`
	Details      string          `json:"details"`
	DetailsHash  string          `json:"details_hash"`
	SubmittedAt  uint64          `json:"submitted_at"`
	Status       followup.Status `json:"status"`
	Evidence     string          `json:"evidence,omitempty"`
	Resolver     *string         `json:"resolver,omitempty"`
}

func toFollowUpResponse(f followup.FollowUp) followUpResponse {
	return followUpResponse{
		ComplaintID:  f.ComplaintID,
		Agent:        f.Agent,
		FollowUpHash: hex.EncodeToString(f.FollowUpHash),
		Details:      f.Details,
		DetailsHash:  hex.EncodeToString(f.DetailsHash),
		SubmittedAt:  f.SubmittedAt,
		Status:       f.Status,
		Evidence:     hex.EncodeToString(f.Evidence),
		Resolver:     f.Resolver,
	}
}

type disputeResponse struct {
	ID           uint64              `json:"id"`
	ComplaintID  uint64              `json:"complaint_id"`
	RaisedBy     string              `json:"raised_by"`
	RaisedAs     auth.Role           `json:"raised_as"`
	EvidenceHash string              `json:"evidence_hash"`
	Status       dispute.Status      `json:"status"`
	VotesYes     uint64              `json:"votes_yes"`
	VotesNo      uint64              `json:"votes_no"`
	YesPercent   uint64              `json:"yes_percent"`
	Resolution   *dispute.Resolution `json:"resolution,omitempty"`
	ResolvedBy   *string             `json:"resolved_by,omitempty"`
	RaisedAt     uint64              `json:"raised_at"`
	ClosesAt     uint64              `json:"closes_at"`
	Participants []string            `json:"participants,omitempty"`
	Votes        []dispute.Vote      `json:"votes,omitempty"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	return disputeResponse{
		ID:           d.ID,
		ComplaintID:  d.ComplaintID,
		RaisedBy:     d.RaisedBy,
		RaisedAs:     d.RaisedAs,
		EvidenceHash: hex.EncodeToString(d.EvidenceHash[:]),
		Status:       d.Status,
		VotesYes:     d.VotesYes,
		VotesNo:      d.VotesNo,
		YesPercent:   dispute.YesPercent(d.VotesYes, d.VotesNo),
		Resolution:   d.Resolution,
		ResolvedBy:   d.ResolvedBy,
		RaisedAt:     d.RaisedAt,
		ClosesAt:     d.ClosesAt,
	}
}

type paramsResponse struct {
	MaxFollowUps    uint32  `json:"max_follow_ups"`
	MatchThreshold  uint8   `json:"match_threshold"`
	ResolutionFee   uint64  `json:"resolution_fee"`
	VotingPeriod    uint64  `json:"voting_period"`
	VotingThreshold uint8   `json:"voting_threshold"`
	PenaltyAmount   uint64  `json:"penalty_amount"`
	MaxDisputes     uint64  `json:"max_disputes"`
	Authority       *string `json:"authority"`
}

func toParamsResponse(p params.Params) paramsResponse {
	return paramsResponse{
		MaxFollowUps:    p.MaxFollowUps,
		MatchThreshold:  p.MatchThreshold,
		ResolutionFee:   p.ResolutionFee,
		VotingPeriod:    p.VotingPeriod,
		VotingThreshold: p.VotingThreshold,
		PenaltyAmount:   p.PenaltyAmount,
		MaxDisputes:     p.MaxDisputes,
		Authority:       p.Authority,
	}
}
