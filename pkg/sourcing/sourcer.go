// Package sourcing acquires random bytes from an ordered list of providers
// with bounded retry and a per-provider circuit breaker.
//
// Providers are always tried one after another in priority order. They are
// never raced: concurrent requests to several true-randomness services would
// let response timing decide which bytes are used.
package sourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/catboxer/qart/pkg/provider"
	"github.com/catboxer/qart/pkg/util/resiliency"
)

const (
	DefaultRetries          = 1
	DefaultRetryDelay       = 200 * time.Millisecond
	DefaultBreakerThreshold = 3
	DefaultBreakerCooldown  = 30 * time.Second
)

// Options tunes a Sourcer. Zero values select the defaults.
type Options struct {
	// Retries is the number of extra attempts per provider. Negative means none.
	Retries          int
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration

	Logger *slog.Logger
	Meter  metric.Meter
	// Now and Sleep replace the clock, for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type source struct {
	adapter provider.Adapter
	breaker *resiliency.CircuitBreaker
}

// Sourcer owns the circuit state of its providers for the life of the
// process. It is safe for concurrent use.
type Sourcer struct {
	sources []source
	retries int
	delay   time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	logger  *slog.Logger
	metrics *instruments
}

// New builds a Sourcer over adapters in the given priority order.
func New(adapters []provider.Adapter, opts Options) (*Sourcer, error) {
	if len(adapters) == 0 {
		return nil, errors.New("sourcing: at least one provider is required")
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = DefaultBreakerCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	ins, err := newInstruments(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("sourcing: init metrics: %w", err)
	}

	s := &Sourcer{
		retries: opts.Retries,
		delay:   opts.RetryDelay,
		sleep:   opts.Sleep,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "sourcing"),
		metrics: ins,
	}
	for _, a := range adapters {
		cb := resiliency.NewCircuitBreaker(a.Name(), opts.BreakerThreshold, opts.BreakerCooldown).WithClock(opts.Now)
		s.sources = append(s.sources, source{adapter: a, breaker: cb})
	}
	return s, nil
}

// Acquire returns n bytes from the first provider able to supply them, along
// with that provider's name. When every provider fails the error is an
// *ExhaustedError carrying each provider's reason.
func (s *Sourcer) Acquire(ctx context.Context, n int) ([]byte, string, error) {
	if n <= 0 {
		return nil, "", fmt.Errorf("sourcing: invalid byte count %d", n)
	}

	ctx, span := otel.Tracer("qart/sourcing").Start(ctx, "sourcing.acquire")
	defer span.End()
	span.SetAttributes(attribute.Int("bytes", n))

	failures := make([]Failure, 0, len(s.sources))
	for _, src := range s.sources {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		name := src.adapter.Name()
		if !src.breaker.Allow() {
			failures = append(failures, Failure{Provider: name, Reason: ReasonCircuitOpen})
			continue
		}

		data, f, err := s.tryProvider(ctx, src, n)
		if err != nil {
			// Caller gave up; the provider is not at fault.
			return nil, "", err
		}
		if data != nil {
			span.SetAttributes(attribute.String("source", name))
			return data, name, nil
		}
		failures = append(failures, f)
	}

	exhausted := &ExhaustedError{Requested: n, Failures: failures}
	s.metrics.recordExhausted(ctx)
	span.SetStatus(codes.Error, "exhausted")
	s.logger.WarnContext(ctx, "all randomness providers failed",
		"bytes", n,
		"failures", failures,
	)
	return nil, "", exhausted
}

// tryProvider runs the bounded retry loop against one provider. It returns
// the bytes on success, a Failure when the provider gave up, or an error only
// when ctx was cancelled.
func (s *Sourcer) tryProvider(ctx context.Context, src source, n int) ([]byte, Failure, error) {
	name := src.adapter.Name()
	f := Failure{Provider: name}

	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.delay); err != nil {
				return nil, f, err
			}
		}

		start := s.now()
		data, err := src.adapter.Fetch(ctx, n)
		elapsed := s.now().Sub(start)
		f.Attempts++

		if err == nil {
			if len(data) < n {
				err = &provider.Error{Provider: name, Kind: provider.KindTransient, Err: provider.ErrShortRead}
			} else {
				src.breaker.Success()
				s.metrics.recordAttempt(ctx, name, "ok", elapsed)
				return data[:n], f, nil
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, f, ctxErr
		}

		kind := provider.KindOf(err)
		f.Kind = kind
		f.Reason = err.Error()
		s.metrics.recordAttempt(ctx, name, string(kind), elapsed)

		if kind == provider.KindUnconfigured || kind == provider.KindUnsupported {
			s.logger.DebugContext(ctx, "provider skipped", "provider", name, "kind", kind, "reason", f.Reason)
			return nil, f, nil
		}

		opened := src.breaker.Failure()
		s.logger.InfoContext(ctx, "provider attempt failed",
			"provider", name,
			"attempt", f.Attempts,
			"kind", kind,
			"error", err,
		)
		if opened {
			s.metrics.recordOpened(ctx, name)
			s.logger.WarnContext(ctx, "circuit opened", "provider", name)
			return nil, f, nil
		}

		switch kind {
		case provider.KindRateLimited, provider.KindPermanent:
			return nil, f, nil
		}
	}
	return nil, f, nil
}

// Providers returns provider names in priority order.
func (s *Sourcer) Providers() []string {
	names := make([]string, len(s.sources))
	for i, src := range s.sources {
		names[i] = src.adapter.Name()
	}
	return names
}

// Status snapshots every provider's circuit state in priority order.
func (s *Sourcer) Status() []resiliency.Snapshot {
	out := make([]resiliency.Snapshot, len(s.sources))
	for i, src := range s.sources {
		out[i] = src.breaker.Snapshot()
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
