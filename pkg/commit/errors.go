package commit

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable cause of a token rejection. Values are part
// of the external API and appear verbatim in audit logs.
type Reason string

const (
	ReasonMalformed          Reason = "malformed_token"
	ReasonBadSignature       Reason = "bad_signature"
	ReasonExpired            Reason = "expired_token"
	ReasonClaimsMismatch     Reason = "claims_mismatch"
	ReasonUnsupportedVersion Reason = "unsupported_version"
)

// TokenError reports why a commit token was rejected.
type TokenError struct {
	Reason Reason
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("commit token rejected: %s", e.Reason)
	}
	return fmt.Sprintf("commit token rejected: %s: %v", e.Reason, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// ReasonOf returns the rejection reason carried by err, or "" if err is not a
// token rejection.
func ReasonOf(err error) Reason {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ""
}

func reject(reason Reason, format string, args ...any) *TokenError {
	return &TokenError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

var (
	// ErrMissingSecret means no master secret is configured. Commit, derive
	// and reveal are unavailable until one is provided.
	ErrMissingSecret = errors.New("master secret is not configured")
	// ErrWeakSecret means the configured master secret is too short.
	ErrWeakSecret = errors.New("master secret is too short")
	// ErrInvalidContext wraps every trial-context validation failure.
	ErrInvalidContext = errors.New("invalid trial context")
)

// ConfigurationError marks failures caused by process configuration rather
// than by the request. They are not retryable.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("commit configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
