package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// lfdAdapter talks to the LfD QRNG service, which answers with a hex string.
type lfdAdapter struct {
	base
}

type lfdResponse struct {
	QRN    string `json:"qrn"`
	Length int    `json:"length"`
}

func (a *lfdAdapter) Fetch(ctx context.Context, n int) ([]byte, error) {
	if err := a.precheck(n); err != nil {
		return nil, err
	}

	u, err := url.Parse(a.spec.Endpoint)
	if err != nil {
		return nil, newError(a.spec.Name, KindPermanent, fmt.Errorf("parse endpoint: %w", err))
	}
	q := u.Query()
	q.Set("length", strconv.Itoa(n))
	q.Set("format", "HEX")
	u.RawQuery = q.Encode()

	var resp lfdResponse
	if err := a.doJSON(ctx, http.MethodGet, u.String(), nil, nil, &resp); err != nil {
		return nil, err
	}

	raw, err := decodeHex(resp.QRN)
	if err != nil {
		return nil, newError(a.spec.Name, KindPermanent, err)
	}
	return a.finish(raw, n)
}
