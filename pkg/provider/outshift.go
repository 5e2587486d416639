package provider

import (
	"context"
	"net/http"
)

// outshiftAdapter talks to the Outshift QRNG API. Requests are POSTed with an
// API key; the response carries one row per 8-bit block.
type outshiftAdapter struct {
	base
}

type outshiftRequest struct {
	Encoding       string   `json:"encoding"`
	Format         []string `json:"format"`
	BitsPerBlock   int      `json:"bits_per_block"`
	NumberOfBlocks int      `json:"number_of_blocks"`
}

type outshiftRow struct {
	Decimal string `json:"decimal"`
}

type outshiftResponse struct {
	RandomNumbers []outshiftRow `json:"random_numbers"`
	Encoding      string        `json:"encoding"`
}

func (a *outshiftAdapter) Fetch(ctx context.Context, n int) ([]byte, error) {
	if err := a.precheck(n); err != nil {
		return nil, err
	}

	body := outshiftRequest{
		Encoding:       "raw",
		Format:         []string{"decimal"},
		BitsPerBlock:   8,
		NumberOfBlocks: n,
	}
	headers := map[string]string{"x-id-api-key": a.spec.Credential}

	var resp outshiftResponse
	if err := a.doJSON(ctx, http.MethodPost, a.spec.Endpoint, headers, body, &resp); err != nil {
		return nil, err
	}

	rows := make([]string, len(resp.RandomNumbers))
	for i, r := range resp.RandomNumbers {
		rows[i] = r.Decimal
	}
	raw, err := decodeDecimalRows(rows)
	if err != nil {
		return nil, newError(a.spec.Name, KindPermanent, err)
	}
	return a.finish(raw, n)
}
