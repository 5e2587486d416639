// Package client provides a typed Go client for the qart HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Problem Problem
}

func (e *APIError) Error() string {
	if e.Problem.Reason == "" {
		return fmt.Sprintf("qart api %d", e.Status)
	}
	return fmt.Sprintf("qart api %d: %s (%s)", e.Status, e.Problem.Detail, e.Problem.Reason)
}

// Reason returns the machine-readable reason of the failure.
func (e *APIError) Reason() string { return e.Problem.Reason }

// Client is a typed client for the qart API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	RequestID  string
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// WithRequestID sends a fixed X-Request-ID on every call.
func WithRequestID(id string) Option {
	return func(c *Client) { c.RequestID = id }
}

// New creates a new Client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.RequestID != "" {
		req.Header.Set("X-Request-ID", c.RequestID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil {
			apiErr.Problem = Problem{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Commit calls POST /v1/commit.
func (c *Client) Commit(ctx context.Context, sessionID, blockID string) (*Commitment, error) {
	var out Commitment
	err := c.do(ctx, http.MethodPost, "/v1/commit", CommitRequest{SessionID: sessionID, BlockID: blockID}, &out)
	return &out, err
}

// Derive calls POST /v1/derive.
func (c *Client) Derive(ctx context.Context, req DeriveRequest) (*Derivation, error) {
	var out Derivation
	err := c.do(ctx, http.MethodPost, "/v1/derive", req, &out)
	return &out, err
}

// Reveal calls POST /v1/reveal.
func (c *Client) Reveal(ctx context.Context, req RevealRequest) (*Revelation, error) {
	var out Revelation
	err := c.do(ctx, http.MethodPost, "/v1/reveal", req, &out)
	return &out, err
}

// Batch calls POST /v1/batch.
func (c *Client) Batch(ctx context.Context, blockID string, totalTrials int) (*Batch, error) {
	var out Batch
	err := c.do(ctx, http.MethodPost, "/v1/batch", BatchRequest{BlockID: blockID, TotalTrials: totalTrials}, &out)
	return &out, err
}

// Providers calls GET /v1/providers.
func (c *Client) Providers(ctx context.Context) ([]ProviderStatus, error) {
	var out struct {
		Providers []ProviderStatus `json:"providers"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/providers", nil, &out)
	return out.Providers, err
}

// Health calls GET /health and returns the plain-text body.
func (c *Client) Health(ctx context.Context) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
