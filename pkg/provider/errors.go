package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure for retry and circuit-breaking.
type Kind string

const (
	// KindRateLimited means the provider refused the call for quota reasons.
	// Retrying the same provider is pointless.
	KindRateLimited Kind = "rate_limited"
	// KindTransient covers network errors, timeouts, 5xx and short reads.
	KindTransient Kind = "transient"
	// KindPermanent covers rejected requests and undecodable responses.
	KindPermanent Kind = "permanent"
	// KindUnconfigured means a required credential is absent. No network call
	// was made.
	KindUnconfigured Kind = "unconfigured"
	// KindUnsupported means the request is outside what the provider serves,
	// such as more bytes than its per-call maximum. No network call was made
	// and the provider itself is healthy.
	KindUnsupported Kind = "unsupported"
)

var (
	ErrMissingCredential = errors.New("required credential is not configured")
	ErrShortRead         = errors.New("provider returned fewer bytes than requested")
	ErrTooLarge          = errors.New("request exceeds provider maximum")
)

// Error is the typed failure every adapter returns.
type Error struct {
	Provider string
	Kind     Kind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (http %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure class of err. Errors that did not come from an
// adapter are treated as transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

func newError(provider string, kind Kind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}
