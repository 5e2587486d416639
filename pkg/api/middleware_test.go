package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catboxer/qart/pkg/commit"
	"github.com/catboxer/qart/pkg/envelope"
	"github.com/catboxer/qart/pkg/sourcing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMemoryLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, 2)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "within burst")
	}
	ok, _ := l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok, "exceeded burst")

	ok, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "other clients have their own bucket")

	now = now.Add(1100 * time.Millisecond)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok, "refilled token")
}

func TestMemoryLimiterSweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, 1)
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "a")
	now = now.Add(time.Minute)
	_, _ = l.Allow(context.Background(), "b")
	now = now.Add(150 * time.Second)
	l.Sweep()

	assert.NotContains(t, l.visitors, "a")
	assert.Contains(t, l.visitors, "b")
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimit(NewMemoryLimiter(1, 2), slog.Default())(okHandler())

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes[i] = w.Code
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRateLimitFailsOpen(t *testing.T) {
	handler := RateLimit(brokenLimiter{}, slog.Default())(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRedisLimiterUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()
	l := newRedisLimiter(rdb, 5, 10)

	_, err := l.Allow(context.Background(), "198.51.100.1")
	assert.ErrorContains(t, err, "redis limiter")
	assert.Error(t, l.Ping(context.Background()))

	handler := RateLimit(l, slog.Default())(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:1234": "192.0.2.1",
		"[::1]:80":       "::1",
		"[::1]":          "::1",
		"192.0.2.9":      "192.0.2.9",
	}
	for addr, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		assert.Equal(t, want, clientIP(r), addr)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "client-supplied", seen)
}

func TestWriteProtocolErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{&commit.TokenError{Reason: commit.ReasonBadSignature}, http.StatusUnauthorized, "bad_signature"},
		{&commit.TokenError{Reason: commit.ReasonExpired}, http.StatusUnauthorized, "expired_token"},
		{&commit.TokenError{Reason: commit.ReasonClaimsMismatch}, http.StatusForbidden, "claims_mismatch"},
		{&commit.TokenError{Reason: commit.ReasonMalformed}, http.StatusBadRequest, "malformed_token"},
		{&commit.TokenError{Reason: commit.ReasonUnsupportedVersion}, http.StatusBadRequest, "unsupported_version"},
		{fmt.Errorf("%w: bad", commit.ErrInvalidContext), http.StatusBadRequest, ReasonInvalidRequest},
		{fmt.Errorf("%w: too many", envelope.ErrInvalidRequest), http.StatusBadRequest, ReasonInvalidRequest},
		{&commit.ConfigurationError{Err: commit.ErrMissingSecret}, http.StatusServiceUnavailable, ReasonConfigurationError},
		{&sourcing.ExhaustedError{Requested: 4}, http.StatusServiceUnavailable, ReasonRandomnessUnavailable},
		{&envelope.ShapeError{Want: 4, Got: 2}, http.StatusBadGateway, ReasonShapeError},
		{errors.New("pq: connection refused to host=10.0.0.1"), http.StatusInternalServerError, ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/v1/derive", nil)
			WriteProtocolError(w, r, slog.Default(), tt.err)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			var p ProblemDetail
			require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
			assert.Equal(t, tt.reason, p.Reason)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, http.StatusText(tt.status), p.Title)
			assert.NotContains(t, p.Detail, "10.0.0.1")
		})
	}
}
