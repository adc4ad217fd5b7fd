package retrieval

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"manualrag/internal/domain"
)

const instrumentationName = "manualrag/internal/retrieval"

type metrics struct {
	outcomes metric.Int64Counter
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)
	outcomes, err := meter.Int64Counter("manualrag.query.outcomes",
		metric.WithDescription("Answered queries by outcome."),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter("manualrag.generation.attempts",
		metric.WithDescription("Generation calls including retries."),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("manualrag.query.duration",
		metric.WithDescription("End-to-end query latency."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{outcomes: outcomes, attempts: attempts, latency: latency}, nil
}

func (m *metrics) record(ctx context.Context, outcome domain.Outcome, attempts int, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	m.outcomes.Add(ctx, 1, attrs)
	if attempts > 0 {
		m.attempts.Add(ctx, int64(attempts), attrs)
	}
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}
