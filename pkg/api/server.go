package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/catboxer/qart/pkg/commit"
	"github.com/catboxer/qart/pkg/envelope"
	"github.com/catboxer/qart/pkg/observability"
	"github.com/catboxer/qart/pkg/sourcing"
	"github.com/catboxer/qart/pkg/store"
	"github.com/catboxer/qart/pkg/util/resiliency"
)

const maxBodyBytes = 64 << 10

// StatusReporter snapshots provider circuit state. *sourcing.Sourcer
// satisfies it.
type StatusReporter interface {
	Status() []resiliency.Snapshot
}

// Deps are the collaborators of a Server. Issuer, Deriver and Auditor are
// nil when no master secret is configured; their endpoints then answer
// configuration_error while batch and providers keep working.
type Deps struct {
	Issuer        *commit.Issuer
	Deriver       *commit.Deriver
	Auditor       *commit.Auditor
	Builder       *envelope.Builder
	Providers     StatusReporter
	AllowFallback bool
	// Store receives audit records. Optional; write failures are logged.
	Store     store.AuditStore
	Limiter   Limiter
	Telemetry *observability.Provider
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewServer builds a Server from deps.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Server{deps: deps, logger: logger.With("component", "api"), now: now}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commit", s.handleCommit)
	mux.HandleFunc("POST /v1/derive", s.handleDerive)
	mux.HandleFunc("POST /v1/reveal", s.handleReveal)
	mux.HandleFunc("POST /v1/batch", s.handleBatch)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("GET /health", HandleHealth)

	var h http.Handler = mux
	if s.deps.Limiter != nil {
		h = RateLimit(s.deps.Limiter, s.logger)(h)
	}
	if s.deps.Telemetry != nil {
		h = Telemetry(s.deps.Telemetry)(h)
	}
	return RequestID(h)
}

// HandleHealth answers liveness probes.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

type commitRequest struct {
	SessionID string `json:"session_id"`
	BlockID   string `json:"block_id"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Issuer == nil {
		s.writeNoSecret(w, r)
		return
	}
	var req commitRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.deps.Issuer.Issue(req.SessionID, req.BlockID)
	if err != nil {
		WriteProtocolError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type deriveRequest struct {
	SessionID     string   `json:"session_id"`
	BlockID       string   `json:"block_id"`
	TrialIndex    *int     `json:"trial_index"`
	CommitToken   string   `json:"commit_token"`
	SelectedIndex *int     `json:"selected_index"`
	Options       []string `json:"options"`
	RawByte       *int     `json:"raw_byte"`
	TimingBucket  *int64   `json:"timing_bucket"`
}

func (req *deriveRequest) context() (commit.TrialContext, error) {
	switch {
	case req.TrialIndex == nil, req.SelectedIndex == nil, req.RawByte == nil, req.TimingBucket == nil:
		return commit.TrialContext{}, fmt.Errorf("%w: trial_index, selected_index, raw_byte and timing_bucket are required", commit.ErrInvalidContext)
	case *req.RawByte < 0 || *req.RawByte > 255:
		return commit.TrialContext{}, fmt.Errorf("%w: raw_byte %d out of range", commit.ErrInvalidContext, *req.RawByte)
	}
	return commit.TrialContext{
		SessionID:     req.SessionID,
		BlockID:       req.BlockID,
		TrialIndex:    *req.TrialIndex,
		TimingBucket:  *req.TimingBucket,
		SelectedIndex: *req.SelectedIndex,
		Options:       req.Options,
		RawByte:       byte(*req.RawByte),
	}, nil
}

type deriveResponse struct {
	R          int       `json:"r"`
	ProofHMAC  string    `json:"proof_hmac"`
	ServerTime time.Time `json:"server_time"`
}

func (s *Server) handleDerive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deriver == nil {
		s.writeNoSecret(w, r)
		return
	}
	var req deriveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CommitToken == "" {
		WriteBadRequest(w, r, "commit_token is required")
		return
	}
	tc, err := req.context()
	if err != nil {
		WriteProtocolError(w, r, s.logger, err)
		return
	}

	out, err := s.deps.Deriver.Derive(req.CommitToken, tc)
	if err != nil {
		WriteProtocolError(w, r, s.logger, err)
		return
	}

	now := s.now().UTC()
	s.record(r.Context(), "derivation", func(ctx context.Context, st store.AuditStore) error {
		return st.RecordDerivation(ctx, &store.DerivationRecord{
			SessionID:     tc.SessionID,
			BlockID:       tc.BlockID,
			TrialIndex:    tc.TrialIndex,
			CommitHash:    out.CommitHash,
			R:             out.R,
			ProofHMAC:     out.Proof,
			SelectedIndex: tc.SelectedIndex,
			RawByte:       int(tc.RawByte),
			TimingBucket:  tc.TimingBucket,
			CreatedAt:     now,
		})
	})
	writeJSON(w, http.StatusOK, deriveResponse{R: out.R, ProofHMAC: out.Proof, ServerTime: now})
}

type revealRequest struct {
	SessionID   string `json:"session_id"`
	BlockID     string `json:"block_id"`
	CommitToken string `json:"commit_token"`
}

func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auditor == nil {
		s.writeNoSecret(w, r)
		return
	}
	var req revealRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CommitToken == "" || req.SessionID == "" || req.BlockID == "" {
		WriteBadRequest(w, r, "session_id, block_id and commit_token are required")
		return
	}

	rev, err := s.deps.Auditor.Reveal(req.CommitToken, req.SessionID, req.BlockID)
	if err != nil {
		WriteProtocolError(w, r, s.logger, err)
		return
	}
	s.record(r.Context(), "reveal", func(ctx context.Context, st store.AuditStore) error {
		return st.RecordReveal(ctx, &store.RevealRecord{
			SessionID:  req.SessionID,
			BlockID:    req.BlockID,
			CommitHash: rev.CommitHash,
			RevealedAt: s.now().UTC(),
		})
	})
	writeJSON(w, http.StatusOK, rev)
}

type batchRequest struct {
	BlockID     string `json:"block_id"`
	TotalTrials int    `json:"total_trials"`
}

type batchResponse struct {
	Success   bool                `json:"success"`
	Fallback  bool                `json:"fallback"`
	BatchID   string              `json:"batch_id"`
	Source    string              `json:"source"`
	Envelopes []envelope.Envelope `json:"envelopes"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builder == nil {
		s.writeNotConfigured(w, r, "randomness source")
		return
	}
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}

	build := s.deps.Builder.BuildBlock
	if s.deps.AllowFallback {
		build = s.deps.Builder.BuildBlockWithFallback
	}
	block, err := build(r.Context(), req.BlockID, req.TotalTrials)
	if err != nil {
		var exhausted *sourcing.ExhaustedError
		if errors.As(err, &exhausted) {
			s.logger.WarnContext(r.Context(), "batch unavailable",
				"block_id", req.BlockID,
				"request_id", GetRequestID(r.Context()),
				"failures", exhausted.Failures,
			)
		}
		WriteProtocolError(w, r, s.logger, err)
		return
	}

	s.record(r.Context(), "batch", func(ctx context.Context, st store.AuditStore) error {
		var failures json.RawMessage
		if len(block.Failures) > 0 {
			failures, _ = json.Marshal(block.Failures)
		}
		return st.RecordBatch(ctx, &store.BatchRecord{
			BatchID:     block.BatchID,
			BlockID:     block.BlockID,
			TotalTrials: len(block.Envelopes),
			Source:      block.Source,
			Fallback:    block.Fallback,
			Failures:    failures,
			CreatedAt:   s.now().UTC(),
		})
	})
	writeJSON(w, http.StatusOK, batchResponse{
		Success:   !block.Fallback,
		Fallback:  block.Fallback,
		BatchID:   block.BatchID,
		Source:    block.Source,
		Envelopes: block.Envelopes,
	})
}

type providersResponse struct {
	Providers []resiliency.Snapshot `json:"providers"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Providers == nil {
		s.writeNotConfigured(w, r, "randomness source")
		return
	}
	writeJSON(w, http.StatusOK, providersResponse{Providers: s.deps.Providers.Status()})
}

func (s *Server) writeNoSecret(w http.ResponseWriter, r *http.Request) {
	WriteProtocolError(w, r, s.logger, &commit.ConfigurationError{Err: commit.ErrMissingSecret})
}

// writeNotConfigured reports a missing server component. It is unrelated to
// the master secret.
func (s *Server) writeNotConfigured(w http.ResponseWriter, r *http.Request, component string) {
	s.logger.WarnContext(r.Context(), "request for unconfigured component", "component", component, "path", r.URL.Path)
	WriteError(w, r, http.StatusServiceUnavailable, ReasonConfigurationError, "The "+component+" is not configured on the server.")
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

// record hands an audit record to the store. Failures are logged only.
func (s *Server) record(ctx context.Context, kind string, fn func(context.Context, store.AuditStore) error) {
	if s.deps.Store == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx), s.deps.Store); err != nil {
		s.logger.ErrorContext(ctx, "audit record failed", "kind", kind, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
