package sourcing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments groups the sourcing metrics. All instruments come from the
// global meter provider and are no-ops until observability is enabled.
type instruments struct {
	attempts  metric.Int64Counter
	latency   metric.Float64Histogram
	opened    metric.Int64Counter
	exhausted metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	if meter == nil {
		meter = otel.Meter("qart/sourcing")
	}
	var (
		ins instruments
		err error
	)
	ins.attempts, err = meter.Int64Counter("qart.provider.attempts",
		metric.WithDescription("Provider fetch attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	ins.latency, err = meter.Float64Histogram("qart.provider.latency",
		metric.WithDescription("Provider fetch latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 0.8, 1, 2, 3, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	ins.opened, err = meter.Int64Counter("qart.circuit.opened",
		metric.WithDescription("Circuit breaker openings"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	ins.exhausted, err = meter.Int64Counter("qart.sourcing.exhausted",
		metric.WithDescription("Acquisitions that found no available provider"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

func (ins *instruments) recordAttempt(ctx context.Context, name, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", name),
		attribute.String("outcome", outcome),
	)
	ins.attempts.Add(ctx, 1, attrs)
	ins.latency.Record(ctx, elapsed.Seconds(), attrs)
}

func (ins *instruments) recordOpened(ctx context.Context, name string) {
	ins.opened.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", name)))
}

func (ins *instruments) recordExhausted(ctx context.Context) {
	ins.exhausted.Add(ctx, 1)
}
