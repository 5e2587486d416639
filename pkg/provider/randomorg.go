package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
)

// randomOrgAdapter calls the RANDOM.ORG JSON-RPC generateIntegers method.
type randomOrgAdapter struct {
	base
	seq atomic.Int64
}

// RANDOM.ORG error codes that signal an exhausted allowance.
const (
	randomOrgDailyRequestsExceeded = 402
	randomOrgBitsExceeded          = 403
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type generateIntegersParams struct {
	APIKey      string `json:"apiKey"`
	N           int    `json:"n"`
	Min         int    `json:"min"`
	Max         int    `json:"max"`
	Replacement bool   `json:"replacement"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type generateIntegersResponse struct {
	Result *struct {
		Random struct {
			Data []int `json:"data"`
		} `json:"random"`
		BitsLeft     int `json:"bitsLeft"`
		RequestsLeft int `json:"requestsLeft"`
	} `json:"result"`
	Error *rpcError `json:"error"`
	ID    int64     `json:"id"`
}

func (a *randomOrgAdapter) Fetch(ctx context.Context, n int) ([]byte, error) {
	if err := a.precheck(n); err != nil {
		return nil, err
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "generateIntegers",
		Params: generateIntegersParams{
			APIKey:      a.spec.Credential,
			N:           n,
			Min:         0,
			Max:         255,
			Replacement: true,
		},
		ID: a.seq.Add(1),
	}

	var resp generateIntegersResponse
	if err := a.doJSON(ctx, http.MethodPost, a.spec.Endpoint, nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		kind := KindPermanent
		switch resp.Error.Code {
		case randomOrgDailyRequestsExceeded, randomOrgBitsExceeded:
			kind = KindRateLimited
		}
		return nil, newError(a.spec.Name, kind, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message))
	}
	if resp.Result == nil {
		return nil, newError(a.spec.Name, KindPermanent, fmt.Errorf("rpc response has neither result nor error"))
	}

	raw, err := decodeIntArray(resp.Result.Random.Data)
	if err != nil {
		return nil, newError(a.spec.Name, KindPermanent, err)
	}
	return a.finish(raw, n)
}
