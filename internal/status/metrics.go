package status

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/metricsutil"
	"pkt.systems/pslog"
)

type trackerMetrics struct {
	transitions metric.Int64Counter
}

func newTrackerMetrics(logger pslog.Logger) *trackerMetrics {
	meter := otel.Meter("pkt.systems/geodispatch/status")
	m := &trackerMetrics{}
	var err error
	m.transitions, err = meter.Int64Counter(
		"geodispatch.job.transitions",
		metric.WithDescription("Job status transitions by target state and outcome"),
	)
	metricsutil.LogInitError(logger, "geodispatch.job.transitions", err)
	return m
}

func (m *trackerMetrics) recordTransition(ctx context.Context, to core.State, outcome string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(
		attribute.String("state", string(to)),
		attribute.String("outcome", outcome),
	))
}
