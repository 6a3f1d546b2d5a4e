package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/geodispatch/internal/metricsutil"
	"pkt.systems/pslog"
)

type runnerMetrics struct {
	jobs     metric.Int64Counter
	duration metric.Int64Histogram
	inflight metric.Int64UpDownCounter
}

func newRunnerMetrics(logger pslog.Logger) *runnerMetrics {
	meter := otel.Meter("pkt.systems/geodispatch/runner")
	m := &runnerMetrics{}
	var err error

	m.jobs, err = meter.Int64Counter(
		"geodispatch.runner.jobs",
		metric.WithDescription("Jobs handled by outcome"),
	)
	metricsutil.LogInitError(logger, "geodispatch.runner.jobs", err)

	m.duration, err = meter.Int64Histogram(
		"geodispatch.runner.job.duration_ms",
		metric.WithDescription("Job handling duration"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "geodispatch.runner.job.duration_ms", err)

	m.inflight, err = meter.Int64UpDownCounter(
		"geodispatch.runner.inflight",
		metric.WithDescription("Jobs currently executing"),
	)
	metricsutil.LogInitError(logger, "geodispatch.runner.inflight", err)
	return m
}

func (m *runnerMetrics) recordJob(ctx context.Context, queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	)
	ctx = metricsutil.Context(ctx)
	if m.jobs != nil {
		m.jobs.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Milliseconds(), attrs)
	}
}

func (m *runnerMetrics) addInflight(ctx context.Context, queue string, delta int64) {
	if m == nil || m.inflight == nil {
		return
	}
	m.inflight.Add(metricsutil.Context(ctx), delta, metric.WithAttributes(attribute.String("queue", queue)))
}
