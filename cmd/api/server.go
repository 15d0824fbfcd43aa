package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"complaintflow/auth"
	"complaintflow/complaint"
	"complaintflow/dispute"
	"complaintflow/followup"
	"complaintflow/params"
	"complaintflow/settlement"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type complaintService interface {
	Register(ctx context.Context, id uint64, hash []byte) (complaint.Record, error)
}

type followUpService interface {
	Submit(ctx context.Context, p followup.SubmitParams) (followup.FollowUp, error)
	VerifyMatch(ctx context.Context, complaintID uint64, agent string) (followup.FollowUp, error)
	AttachEvidence(ctx context.Context, complaintID uint64, agent string, evidence []byte) (followup.FollowUp, error)
	List(ctx context.Context, complaintID uint64) ([]followup.FollowUp, error)
	Status(ctx context.Context, complaintID uint64) (followup.VerificationStatus, error)
}

type disputeService interface {
	Raise(ctx context.Context, p dispute.RaiseParams) (dispute.Dispute, error)
	AddParticipant(ctx context.Context, disputeID uint64, principal, caller string) error
	Vote(ctx context.Context, disputeID uint64, inFavor bool, voter string) (dispute.Dispute, error)
	Resolve(ctx context.Context, disputeID uint64, label, caller string) (dispute.Dispute, error)
	Close(ctx context.Context, disputeID uint64, caller string) (dispute.Dispute, error)
	Get(ctx context.Context, disputeID uint64) (dispute.Dispute, error)
	Participants(ctx context.Context, disputeID uint64) ([]dispute.Participant, error)
	Votes(ctx context.Context, disputeID uint64) ([]dispute.Vote, error)
}

type paramsService interface {
	Current(ctx context.Context) (params.Params, error)
	Update(ctx context.Context, caller string, c params.Changes) (params.Params, error)
}

type accountService interface {
	Deposit(ctx context.Context, principal string, amount uint64) (settlement.Account, error)
	Balance(ctx context.Context, principal string) (settlement.Account, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP surface of the engine.
type Server struct {
	authService      authService
	complaintService complaintService
	followUpService  followUpService
	disputeService   disputeService
	paramsService    paramsService
	accountService   accountService
	db               Pinger
	gatherer         prometheus.Gatherer
	voteLimiter      *keyedLimiter
	logger           *slog.Logger
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/api/complaints", s.handleRegisterComplaint)
		r.Route("/api/complaints/{complaintID}", func(r chi.Router) {
			r.Post("/follow-ups", s.handleSubmitFollowUp)
			r.Get("/follow-ups", s.handleListFollowUps)
			r.Post("/follow-ups/verify", s.handleVerifyMatch)
			r.Post("/follow-ups/evidence", s.handleAttachEvidence)
			r.Get("/verification", s.handleVerificationStatus)
		})

		r.Post("/api/disputes", s.handleRaiseDispute)
		r.Route("/api/disputes/{disputeID}", func(r chi.Router) {
			r.Get("/", s.handleGetDispute)
			r.Post("/participants", s.handleAddParticipant)
			r.With(s.limitVotes).Post("/votes", s.handleVote)
			r.Post("/resolve", s.handleResolve)
			r.Post("/close", s.handleClose)
		})

		r.Get("/api/params", s.handleGetParams)
		r.Put("/api/params", s.handleUpdateParams)

		r.Post("/api/accounts/{principal}/deposit", s.handleDeposit)
		r.Get("/api/accounts/{principal}", s.handleBalance)
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limitVotes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.voteLimiter != nil && !s.voteLimiter.Allow(callerID(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many votes")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "user": toUserResponse(res.User)})
}

func (s *Server) handleRegisterComplaint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          uint64 `json:"id"`
		ContentHash string `json:"content_hash"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireAuthority(w, r) {
		return
	}
	hash, ok := decodeHex(w, req.ContentHash, "contentHash")
	if !ok {
		return
	}
	rec, err := s.complaintService.Register(r.Context(), req.ID, hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           rec.ID,
		"content_hash": hex.EncodeToString(rec.ContentHash),
		"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmitFollowUp(w http.ResponseWriter, r *http.Request) {
	complaintID, ok := pathUint(w, r, "complaintID")
	if !ok {
		return
	}
	var req struct {
		FollowUpHash string `json:"follow_up_hash"`
		Details      string `json:"details"`
		DetailsHash  string `json:"details_hash"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	followUpHash, ok := decodeHex(w, req.FollowUpHash, "followUpHash")
	if !ok {
		return
	}
	detailsHash, ok := decodeHex(w, req.DetailsHash, "detailsHash")
	if !ok {
		return
	}
	rec, err := s.followUpService.Submit(r.Context(), followup.SubmitParams{
		ComplaintID:  complaintID,
		FollowUpHash: followUpHash,
		Details:      req.Details,
		DetailsHash:  detailsHash,
		Agent:        callerID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFollowUpResponse(rec))
}

func (s *Server) handleListFollowUps(w http.ResponseWriter, r *http.Request) {
	complaintID, ok := pathUint(w, r, "complaintID")
	if !ok {
		return
	}
	list, err := s.followUpService.List(r.Context(), complaintID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]followUpResponse, 0, len(list))
	for _, f := range list {
		items = append(items, toFollowUpResponse(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleVerifyMatch answers a mismatch with 409 and the persisted follow-up,
// which is already disputed at that point.
func (s *Server) handleVerifyMatch(w http.ResponseWriter, r *http.Request) {
	complaintID, ok := pathUint(w, r, "complaintID")
	if !ok {
		return
	}
	rec, err := s.followUpService.VerifyMatch(r.Context(), complaintID, callerID(r))
	if errors.Is(err, followup.ErrMismatchHash) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":     err.Error(),
			"code":      "mismatch_hash",
			"follow_up": toFollowUpResponse(rec),
		})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFollowUpResponse(rec))
}

func (s *Server) handleAttachEvidence(w http.ResponseWriter, r *http.Request) {
	complaintID, ok := pathUint(w, r, "complaintID")
	if !ok {
		return
	}
	var req struct {
		Evidence string `json:"evidence"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	evidence, ok := decodeHex(w, req.Evidence, "evidence")
	if !ok {
		return
	}
	rec, err := s.followUpService.AttachEvidence(r.Context(), complaintID, callerID(r), evidence)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFollowUpResponse(rec))
}

func (s *Server) handleVerificationStatus(w http.ResponseWriter, r *http.Request) {
	complaintID, ok := pathUint(w, r, "complaintID")
	if !ok {
		return
	}
	vs, err := s.followUpService.Status(r.Context(), complaintID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ComplaintID  uint64 `json:"complaint_id"`
		EvidenceHash string `json:"evidence_hash"`
		Role         string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	evidence, ok := decodeHex(w, req.EvidenceHash, "evidenceHash")
	if !ok {
		return
	}
	role := string(callerRole(r))
	if req.Role != "" {
		if declared, ok := auth.ParseRole(req.Role); ok && declared != callerRole(r) {
			s.writeError(w, r, fmt.Errorf("%w: caller does not hold role %s", dispute.ErrNotAuthorized, declared))
			return
		}
		role = req.Role
	}
	d, err := s.disputeService.Raise(r.Context(), dispute.RaiseParams{
		ComplaintID:  req.ComplaintID,
		EvidenceHash: evidence,
		Role:         role,
		Raiser:       callerID(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "disputeID")
	if !ok {
		return
	}
	d, err := s.disputeService.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	parts, err := s.disputeService.Participants(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	votes, err := s.disputeService.Votes(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := toDisputeResponse(d)
	resp.YesPercent = dispute.YesPercent(d.VotesYes, d.VotesNo)
	for _, p := range parts {
		resp.Participants = append(resp.Participants, p.Principal)
	}
	resp.Votes = votes
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "disputeID")
	if !ok {
		return
	}
	var req struct {
		Principal string `json:"principal"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.disputeService.AddParticipant(r.Context(), id, req.Principal, callerID(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "disputeID")
	if !ok {
		return
	}
	var req struct {
		InFavor *bool `json:"in_favor"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InFavor == nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "in_favor is required")
		return
	}
	d, err := s.disputeService.Vote(r.Context(), id, *req.InFavor, callerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "disputeID")
	if !ok {
		return
	}
	var req struct {
		Resolution string `json:"resolution"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.disputeService.Resolve(r.Context(), id, req.Resolution, callerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "disputeID")
	if !ok {
		return
	}
	d, err := s.disputeService.Close(r.Context(), id, callerID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	p, err := s.paramsService.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParamsResponse(p))
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxFollowUps    *uint32 `json:"max_follow_ups"`
		MatchThreshold  *uint8  `json:"match_threshold"`
		ResolutionFee   *uint64 `json:"resolution_fee"`
		VotingPeriod    *uint64 `json:"voting_period"`
		VotingThreshold *uint8  `json:"voting_threshold"`
		PenaltyAmount   *uint64 `json:"penalty_amount"`
		MaxDisputes     *uint64 `json:"max_disputes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := s.paramsService.Update(r.Context(), callerID(r), params.Changes{
		MaxFollowUps:    req.MaxFollowUps,
		MatchThreshold:  req.MatchThreshold,
		ResolutionFee:   req.ResolutionFee,
		VotingPeriod:    req.VotingPeriod,
		VotingThreshold: req.VotingThreshold,
		PenaltyAmount:   req.PenaltyAmount,
		MaxDisputes:     req.MaxDisputes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParamsResponse(p))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.requireAuthority(w, r) {
		return
	}
	acct, err := s.accountService.Deposit(r.Context(), chi.URLParam(r, "principal"), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": acct.Principal, "balance": acct.Balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.accountService.Balance(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"principal": acct.Principal, "balance": acct.Balance})
}

func (s *Server) requireAuthority(w http.ResponseWriter, r *http.Request) bool {
	p, err := s.paramsService.Current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return false
	}
	if !p.IsAuthority(callerID(r)) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "authority only")
		return false
	}
	return true
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid "+name)
		return 0, false
	}
	return v, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid request body")
		return false
	}
	return true
}

func decodeHex(w http.ResponseWriter, s, field string) ([]byte, bool) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", field+" must be hex")
		return nil, false
	}
	return b, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
