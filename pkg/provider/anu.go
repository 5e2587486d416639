package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// anuAdapter talks to the ANU quantum vacuum service. The legacy endpoint is
// keyless; the newer gateway accepts the same query with an x-api-key header.
type anuAdapter struct {
	base
}

type anuResponse struct {
	Type    string `json:"type"`
	Length  int    `json:"length"`
	Data    []int  `json:"data"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (a *anuAdapter) Fetch(ctx context.Context, n int) ([]byte, error) {
	if err := a.precheck(n); err != nil {
		return nil, err
	}

	u, err := url.Parse(a.spec.Endpoint)
	if err != nil {
		return nil, newError(a.spec.Name, KindPermanent, fmt.Errorf("parse endpoint: %w", err))
	}
	q := u.Query()
	q.Set("length", strconv.Itoa(n))
	q.Set("type", "uint8")
	u.RawQuery = q.Encode()

	var headers map[string]string
	if a.spec.Credential != "" {
		headers = map[string]string{"x-api-key": a.spec.Credential}
	}

	var resp anuResponse
	if err := a.doJSON(ctx, http.MethodGet, u.String(), headers, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "success=false"
		}
		return nil, newError(a.spec.Name, KindPermanent, errors.New(msg))
	}

	raw, err := decodeIntArray(resp.Data)
	if err != nil {
		return nil, newError(a.spec.Name, KindPermanent, err)
	}
	return a.finish(raw, n)
}
