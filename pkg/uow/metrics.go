package uow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/mesh-intelligence/ledger/pkg/uow"

type flushMetrics struct {
	flushes    metric.Int64Counter
	statements metric.Int64Counter
	failures   metric.Int64Counter
}

func newFlushMetrics(meter metric.Meter) *flushMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	return &flushMetrics{
		flushes: counter(meter, "ledger.flush.count",
			"Flushes committed."),
		statements: counter(meter, "ledger.flush.statements",
			"Insert, update and delete statements issued by flushes."),
		failures: counter(meter, "ledger.flush.failures",
			"Flushes that returned an error."),
	}
}

// counter falls back to a no-op instrument when meter rejects the definition.
func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{count}"))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *flushMetrics) committed(ctx context.Context, res FlushResult) {
	m.flushes.Add(ctx, 1)
	m.statements.Add(ctx, int64(res.Inserted), metric.WithAttributes(attribute.String("action", "insert")))
	m.statements.Add(ctx, int64(res.Updated), metric.WithAttributes(attribute.String("action", "update")))
	m.statements.Add(ctx, int64(res.Deleted), metric.WithAttributes(attribute.String("action", "delete")))
}

func (m *flushMetrics) failed(ctx context.Context, stage string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
