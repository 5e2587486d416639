package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxResponseBytes = 1 << 20

var tracer = otel.Tracer("qart/provider")

// base holds what every adapter shares: its spec and the HTTP client.
type base struct {
	spec   Spec
	client *http.Client
}

func (b *base) Name() string { return b.spec.Name }

// precheck rejects calls that must fail without touching the network.
func (b *base) precheck(n int) error {
	if n <= 0 {
		return newError(b.spec.Name, KindPermanent, fmt.Errorf("invalid byte count %d", n))
	}
	if b.spec.CredentialRequired && b.spec.Credential == "" {
		return newError(b.spec.Name, KindUnconfigured, ErrMissingCredential)
	}
	if b.spec.MaxBytes > 0 && n > b.spec.MaxBytes {
		return newError(b.spec.Name, KindUnsupported, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, b.spec.MaxBytes))
	}
	return nil
}

// finish enforces the length contract and trims to exactly n bytes.
func (b *base) finish(raw []byte, n int) ([]byte, error) {
	if len(raw) < n {
		return nil, newError(b.spec.Name, KindTransient, fmt.Errorf("%w: got %d, want %d", ErrShortRead, len(raw), n))
	}
	return raw[:n], nil
}

// doJSON performs one request bounded by the provider timeout and decodes a JSON
// body into out. Cancelling ctx or hitting the timeout aborts the in-flight
// request.
func (b *base) doJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, b.spec.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "provider.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("provider", b.spec.Name))

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return newError(b.spec.Name, KindPermanent, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return newError(b.spec.Name, KindPermanent, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, "request failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return newError(b.spec.Name, KindTransient, fmt.Errorf("timeout after %s: %w", b.spec.Timeout, err))
		}
		return newError(b.spec.Name, KindTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.SetStatus(codes.Error, "read failed")
		return newError(b.spec.Name, KindTransient, fmt.Errorf("read response: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		span.SetStatus(codes.Error, resp.Status)
		return &Error{
			Provider: b.spec.Name,
			Kind:     kind,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected status: %s", snippet(data)),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return newError(b.spec.Name, KindPermanent, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyStatus(status int) (Kind, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status >= 500:
		return KindTransient, true
	case status == http.StatusRequestTimeout:
		return KindTransient, true
	case status >= 400:
		return KindPermanent, true
	case status < 200 || status >= 300:
		return KindPermanent, true
	}
	return "", false
}

func snippet(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "…"
	}
	return string(data)
}
