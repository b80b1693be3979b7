package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "arbundletracker/pipeline"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// metrics are recorded through the global OTel meter, a no-op unless configured.
type metrics struct {
	frames    metric.Int64Counter
	published metric.Int64Counter
	skipped   metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	m := meter()
	var (
		out metrics
		err error
	)
	out.frames, err = m.Int64Counter(
		"tracker.frames",
		metric.WithDescription("Frames taken from the latest-frame slot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating frames counter: %w", err)
	}
	out.published, err = m.Int64Counter(
		"tracker.bundles.published",
		metric.WithDescription("Bundle poses published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating published counter: %w", err)
	}
	out.skipped, err = m.Int64Counter(
		"tracker.skipped",
		metric.WithDescription("Frames or bundles dropped, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}
	return &out, nil
}

func (m *metrics) frame(ctx context.Context, outcome string) {
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) publish(ctx context.Context, masterID int) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.Int("master_id", masterID)))
}

func (m *metrics) skip(ctx context.Context, reason string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
