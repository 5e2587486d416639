package sourcing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/catboxer/qart/pkg/provider"
)

// ErrUnavailable is matched by every exhaustion error. Presentation layers
// should key their generic "randomness temporarily unavailable" message off
// this sentinel and leave the details to logs.
var ErrUnavailable = errors.New("randomness temporarily unavailable")

// ReasonCircuitOpen is recorded for providers skipped because their breaker
// was open.
const ReasonCircuitOpen = "circuit open"

// Failure records why one provider did not serve a request.
type Failure struct {
	Provider string        `json:"provider"`
	Kind     provider.Kind `json:"kind,omitempty"`
	Attempts int           `json:"attempts"`
	Reason   string        `json:"reason"`
}

// ExhaustedError is returned when every provider failed or was skipped.
type ExhaustedError struct {
	Requested int
	Failures  []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%d attempts): %s", f.Provider, f.Attempts, f.Reason))
	}
	return fmt.Sprintf("no randomness source could supply %d bytes: %s", e.Requested, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrUnavailable
}
