// Package api serves commit, derive, reveal and batch requests over HTTP.
// Errors are RFC 7807 problem documents with a machine-readable reason.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/catboxer/qart/pkg/commit"
	"github.com/catboxer/qart/pkg/envelope"
	"github.com/catboxer/qart/pkg/sourcing"
)

// Reason values carried in ProblemDetail.Reason. Token rejection reasons are
// passed through from the commit package unchanged.
const (
	ReasonInvalidRequest        = "invalid_request"
	ReasonConfigurationError    = "configuration_error"
	ReasonRandomnessUnavailable = "randomness_unavailable"
	ReasonShapeError            = "shape_error"
	ReasonRateLimited           = "rate_limited"
	ReasonInternal              = "internal_error"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request id echoed in X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s (%s): %s", p.Title, p.Reason, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, reason, detail string) {
	problem := &ProblemDetail{
		Type:    "https://qart.dev/errors/" + reason,
		Title:   http.StatusText(status),
		Status:  status,
		Reason:  reason,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 invalid_request response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, ReasonInvalidRequest, detail)
}

// WriteTooManyRequests writes a 429 response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, ReasonRateLimited, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 response. err is logged but never exposed.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.Error("internal server error", "error", err)
	WriteError(w, r, http.StatusInternalServerError, ReasonInternal, "An unexpected error occurred. Please try again later.")
}

// WriteProtocolError maps a protocol error to its status and reason.
// Provider details never reach the client; callers log them.
func WriteProtocolError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		cfgErr   *commit.ConfigurationError
		shapeErr *envelope.ShapeError
	)
	if reason := commit.ReasonOf(err); reason != "" {
		WriteError(w, r, tokenStatus(reason), string(reason), err.Error())
		return
	}
	switch {
	case errors.Is(err, commit.ErrInvalidContext), errors.Is(err, envelope.ErrInvalidRequest):
		WriteBadRequest(w, r, err.Error())
	case errors.As(err, &cfgErr):
		WriteError(w, r, http.StatusServiceUnavailable, ReasonConfigurationError, "This capability is not configured on the server.")
	case errors.Is(err, sourcing.ErrUnavailable):
		WriteError(w, r, http.StatusServiceUnavailable, ReasonRandomnessUnavailable, sourcing.ErrUnavailable.Error())
	case errors.As(err, &shapeErr):
		WriteError(w, r, http.StatusBadGateway, ReasonShapeError, sourcing.ErrUnavailable.Error())
	default:
		WriteInternal(w, r, logger, err)
	}
}

func tokenStatus(reason commit.Reason) int {
	switch reason {
	case commit.ReasonBadSignature, commit.ReasonExpired:
		return http.StatusUnauthorized
	case commit.ReasonClaimsMismatch:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
