package resiliency

import (
	"sync"
	"time"
)

// State is the externally visible state of a CircuitBreaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CircuitBreaker tracks consecutive failures for one dependency.
//
// The breaker opens once the consecutive-failure count reaches the threshold
// and stays open for the cool-down. After the cool-down it lets calls through
// again (half-open); the counter is not cleared until a success, so a single
// further failure re-opens it.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	openUntil    time.Time
	resetTimeout time.Duration
	now          func() time.Time
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenUntil    time.Time `json:"open_until,omitempty"`
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		now:          time.Now,
	}
}

// WithClock replaces the breaker's time source. Intended for tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow reports whether a call may be attempted now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.isOpen()
}

// Success resets the failure counter and closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.openUntil = time.Time{}
}

// Failure records one failed call. It returns true if this failure opened
// the breaker.
func (cb *CircuitBreaker) Failure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	if cb.failureCount >= cb.threshold && !cb.isOpen() {
		cb.openUntil = cb.now().Add(cb.resetTimeout)
		return true
	}
	return false
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{
		Name:         cb.name,
		FailureCount: cb.failureCount,
		State:        StateClosed,
	}
	switch {
	case cb.isOpen():
		s.State = StateOpen
		s.OpenUntil = cb.openUntil
	case cb.failureCount >= cb.threshold:
		s.State = StateHalfOpen
	}
	return s
}

// isOpen must be called with mu held.
func (cb *CircuitBreaker) isOpen() bool {
	return !cb.openUntil.IsZero() && cb.now().Before(cb.openUntil)
}
