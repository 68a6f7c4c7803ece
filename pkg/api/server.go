package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/store/items"
	"github.com/Mindburn-Labs/steward/pkg/supervisor"
)

const maxBody = 1 << 20

// Server exposes the approval gate.
type Server struct {
	gate     *approval.Gate
	store    items.Store
	auth     *Authenticator
	limiter  *RateLimiter
	slo      *observability.SLOTracker
	adapters func() []supervisor.AdapterStatus
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAuthenticator enables bearer authentication.
func WithAuthenticator(a *Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithRateLimiter limits every route per client IP.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithSLOTracker adds executor SLO status to /health.
func WithSLOTracker(t *observability.SLOTracker) Option {
	return func(s *Server) { s.slo = t }
}

// WithAdapterStatus adds perception adapter status to /health.
func WithAdapterStatus(f func() []supervisor.AdapterStatus) Option {
	return func(s *Server) { s.adapters = f }
}

// NewServer creates the API server.
func NewServer(gate *approval.Gate, store items.Store, opts ...Option) *Server {
	s := &Server{
		gate:   gate,
		store:  store,
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
//
// Reads need a token only when authentication is configured. Decisions
// and aborts always need one, so a server without a secret refuses them.
func (s *Server) Handler() http.Handler {
	read := func(h http.HandlerFunc) http.Handler {
		if s.auth == nil {
			return h
		}
		return s.auth.Require(h)
	}
	write := func(h http.HandlerFunc) http.Handler { return s.auth.Require(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /v1/approvals", read(s.handleListApprovals))
	mux.Handle("GET /v1/approvals/{id}", read(s.handleGetApproval))
	mux.Handle("POST /v1/approvals/{id}/decision", write(s.handleDecision))
	mux.Handle("GET /v1/items/{id}", read(s.handleGetItem))
	mux.Handle("POST /v1/items/{id}/abort", write(s.handleAbort))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string                     `json:"status"`
	Buckets  map[contracts.Bucket]int   `json:"buckets"`
	SLO      []observability.SLOStatus  `json:"slo,omitempty"`
	Adapters []supervisor.AdapterStatus `json:"adapters,omitempty"`
	Time     time.Time                  `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "health check failed", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "store_unavailable", "Service Unavailable", "item store is not reachable")
		return
	}
	resp := HealthResponse{Status: "ok", Buckets: counts, Time: time.Now().UTC()}
	if s.slo != nil {
		for _, id := range s.slo.Executors() {
			if st, err := s.slo.Status(id); err == nil {
				resp.SLO = append(resp.SLO, *st)
			}
		}
	}
	if s.adapters != nil {
		resp.Adapters = s.adapters()
		for _, a := range resp.Adapters {
			if a.State == supervisor.StateDisabled {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.Pending(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending, "count": len(pending)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.gate.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Read(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// DecisionRequest is the body of a decision.
type DecisionRequest struct {
	Outcome contracts.ApprovalStatus `json:"outcome"`
	Reason  string                   `json:"reason,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body DecisionRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := s.gate.Decide(r.Context(), approval.Decision{
		RequestID: r.PathValue("id"),
		Outcome:   body.Outcome,
		Reason:    body.Reason,
		DecidedBy: Subject(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AbortRequest is the body of an abort.
type AbortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var body AbortRequest
	if !decodeBody(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	if err := s.gate.Abort(r.Context(), id, body.Reason, Subject(r.Context())); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(contracts.BucketRejected)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "invalid_body", "Bad Request", "Invalid request body")
		return false
	}
	return true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrInvalidOutcome):
		WriteProblem(w, r, http.StatusBadRequest, "invalid_outcome", "Bad Request", err.Error())
	case errors.Is(err, contracts.ErrStaleDecision):
		WriteProblem(w, r, http.StatusConflict, "stale_decision", "Conflict", "the request is unknown or already resolved")
	case errors.Is(err, contracts.ErrUnknownReference):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "unknown_reference", "Unprocessable Entity", "the request has no approval record")
	case errors.Is(err, contracts.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "not_found", "Not Found", "no such item")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		WriteInternal(w, err)
	}
}
