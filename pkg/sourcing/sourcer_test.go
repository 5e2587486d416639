package sourcing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catboxer/qart/pkg/provider"
	"github.com/catboxer/qart/pkg/util/resiliency"
)

// scripted is an adapter that replays a fixed list of outcomes and then
// keeps returning its fallback outcome.
type scripted struct {
	mu       sync.Mutex
	name     string
	script   []provider.Kind // "" means success
	fallback provider.Kind
	calls    int
	fill     byte
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Fetch(ctx context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := s.fallback
	if s.calls < len(s.script) {
		outcome = s.script[s.calls]
	}
	s.calls++
	if outcome == "" {
		out := make([]byte, n)
		for i := range out {
			out[i] = s.fill + byte(i)
		}
		return out, nil
	}
	return nil, &provider.Error{Provider: s.name, Kind: outcome, Err: errors.New(string(outcome) + " failure")}
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSourcer(t *testing.T, clock *testClock, retries int, adapters ...provider.Adapter) *Sourcer {
	t.Helper()
	s, err := New(adapters, Options{
		Retries:          retries,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
		Now:              clock.Now,
		Sleep:            clock.Sleep,
	})
	require.NoError(t, err)
	return s
}

func TestAcquire_FirstProviderServes(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := &scripted{name: "a", fill: 10}
	b := &scripted{name: "b", fill: 100}
	s := newTestSourcer(t, clock, 1, a, b)

	data, src, err := s.Acquire(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "a", src)
	assert.Equal(t, []byte{10, 11, 12, 13}, data)
	assert.Equal(t, 0, b.Calls(), "lower priority provider never contacted")
}

func TestAcquire_FailoverTrace(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := &scripted{
		name: "a",
		script: []provider.Kind{
			// Acquire 1: two timeouts, then success.
			provider.KindTransient, provider.KindTransient, "",
			// Acquire 2: three failures open the circuit.
			provider.KindTransient, provider.KindTransient, provider.KindTransient,
		},
	}
	b := &scripted{name: "b", fill: 200}
	s := newTestSourcer(t, clock, 2, a, b)
	ctx := context.Background()

	_, src, err := s.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", src)
	assert.Equal(t, 3, a.Calls())
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond}, clock.sleeps)
	assert.Equal(t, resiliency.StateClosed, s.Status()[0].State, "success reset the counter")
	assert.Zero(t, s.Status()[0].FailureCount)

	_, src, err = s.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "b", src, "a's third failure opened its circuit")
	assert.Equal(t, 6, a.Calls())
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, resiliency.StateOpen, s.Status()[0].State)

	for i := 0; i < 3; i++ {
		_, src, err = s.Acquire(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "b", src)
	}
	assert.Equal(t, 6, a.Calls(), "open circuit skips a without calling it")
	assert.Equal(t, 4, b.Calls())

	clock.Advance(31 * time.Second)
	_, src, err = s.Acquire(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "a", src, "cool-down elapsed, a is tried again and succeeds")
	assert.Equal(t, 7, a.Calls())
	assert.Equal(t, resiliency.StateClosed, s.Status()[0].State)
}

func TestAcquire_RateLimitSkipsRetries(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := &scripted{name: "a", fallback: provider.KindRateLimited}
	b := &scripted{name: "b"}
	s := newTestSourcer(t, clock, 3, a, b)

	_, src, err := s.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "b", src)
	assert.Equal(t, 1, a.Calls(), "rate limit stops retries immediately")
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, 1, s.Status()[0].FailureCount, "rate limit still counts against the breaker")
}

func TestAcquire_PermanentNotRetried(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := &scripted{name: "a", fallback: provider.KindPermanent}
	b := &scripted{name: "b"}
	s := newTestSourcer(t, clock, 2, a, b)

	_, src, err := s.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "b", src)
	assert.Equal(t, 1, a.Calls())
}

func TestAcquire_UnconfiguredSkippedWithoutPenalty(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := &scripted{name: "a", fallback: provider.KindUnconfigured}
	b := &scripted{name: "b"}
	s := newTestSourcer(t, clock, 2, a, b)

	for i := 0; i < 5; i++ {
		_, src, err := s.Acquire(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, "b", src)
	}
	assert.Equal(t, 5, a.Calls(), "one cheap call per acquire, no retries")
	assert.Zero(t, s.Status()[0].FailureCount)
	assert.Empty(t, clock.sleeps)
}

func TestAcquire_OversizedRequestDoesNotOpenCircuit(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	var spec provider.Spec
	for _, sp := range provider.DefaultSpecs() {
		if sp.Type == provider.TypeLfD {
			spec = sp
		}
	}
	spec.Endpoint = "http://127.0.0.1:1"
	spec.MaxBytes = 8
	small, err := provider.New(spec, nil)
	require.NoError(t, err)
	b := &scripted{name: "b"}
	s := newTestSourcer(t, clock, 2, small, b)

	for i := 0; i < 5; i++ {
		_, src, err := s.Acquire(context.Background(), 16)
		require.NoError(t, err)
		assert.Equal(t, "b", src)
	}
	st := s.Status()[0]
	assert.Zero(t, st.FailureCount)
	assert.Equal(t, resiliency.StateClosed, st.State)
	assert.Empty(t, clock.sleeps, "no retries for a request the provider cannot serve")
}

func TestAcquire_ExhaustedListsEveryProvider(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := &scripted{name: "a", fallback: provider.KindTransient}
	b := &scripted{name: "b", fallback: provider.KindRateLimited}
	c := &scripted{name: "c", fallback: provider.KindUnconfigured}
	s := newTestSourcer(t, clock, 1, a, b, c)

	_, _, err := s.Acquire(context.Background(), 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	require.Len(t, ex.Failures, 3)
	assert.Equal(t, "a", ex.Failures[0].Provider)
	assert.Equal(t, 2, ex.Failures[0].Attempts)
	assert.Equal(t, provider.KindTransient, ex.Failures[0].Kind)
	assert.Equal(t, provider.KindRateLimited, ex.Failures[1].Kind)
	assert.Equal(t, provider.KindUnconfigured, ex.Failures[2].Kind)
	assert.Contains(t, err.Error(), "rate_limited failure")

	// a has two failures; one more opens it.
	_, _, err = s.Acquire(context.Background(), 8)
	require.Error(t, err)
	_, _, err = s.Acquire(context.Background(), 8)
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, ReasonCircuitOpen, ex.Failures[0].Reason)
}

func TestAcquire_ShortDataFromAdapterIsFailure(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	short := shortAdapter{name: "short"}
	b := &scripted{name: "b"}
	s := newTestSourcer(t, clock, -1, short, b)

	data, src, err := s.Acquire(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "b", src)
	assert.Len(t, data, 4)
}

type shortAdapter struct{ name string }

func (s shortAdapter) Name() string { return s.name }
func (s shortAdapter) Fetch(ctx context.Context, n int) ([]byte, error) {
	return make([]byte, n-1), nil
}

func TestAcquire_CancelledContextNotChargedToProvider(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	a := &cancellingAdapter{cancel: cancel}
	b := &scripted{name: "b"}
	s := newTestSourcer(t, clock, 2, a, b)

	_, _, err := s.Acquire(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Status()[0].FailureCount)
	assert.Equal(t, 0, b.Calls())
}

type cancellingAdapter struct{ cancel context.CancelFunc }

func (c *cancellingAdapter) Name() string { return "cancelling" }
func (c *cancellingAdapter) Fetch(ctx context.Context, n int) ([]byte, error) {
	c.cancel()
	return nil, &provider.Error{Provider: "cancelling", Kind: provider.KindTransient, Err: ctx.Err()}
}

func TestAcquire_ConcurrentCallsShareCircuitState(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	a := &scripted{name: "a", fallback: provider.KindTransient}
	b := &scripted{name: "b"}
	s := newTestSourcer(t, clock, -1, a, b)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, src, err := s.Acquire(context.Background(), 2)
			assert.NoError(t, err)
			assert.Equal(t, "b", src)
		}()
	}
	wg.Wait()

	assert.Equal(t, resiliency.StateOpen, s.Status()[0].State)
	assert.GreaterOrEqual(t, a.Calls(), 3)
	assert.Equal(t, 20, b.Calls())
}

func TestNew_RequiresProviders(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestProvidersOrder(t *testing.T) {
	s, err := New([]provider.Adapter{&scripted{name: "x"}, &scripted{name: "y"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, s.Providers())
}
