package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/metricsutil"
	"pkt.systems/pslog"
)

type dispatchMetrics struct {
	waitDuration metric.Int64Histogram
}

func newDispatchMetrics(logger pslog.Logger) *dispatchMetrics {
	meter := otel.Meter("pkt.systems/geodispatch/dispatch")
	m := &dispatchMetrics{}
	var err error
	m.waitDuration, err = meter.Int64Histogram(
		"geodispatch.dispatch.wait.duration_ms",
		metric.WithDescription("Blocking wait duration by observed state"),
		metric.WithUnit("ms"),
	)
	metricsutil.LogInitError(logger, "geodispatch.dispatch.wait.duration_ms", err)
	return m
}

func (m *dispatchMetrics) recordWait(ctx context.Context, state core.State, d time.Duration) {
	if m == nil || m.waitDuration == nil {
		return
	}
	m.waitDuration.Record(metricsutil.Context(ctx), d.Milliseconds(), metric.WithAttributes(attribute.String("state", string(state))))
}
