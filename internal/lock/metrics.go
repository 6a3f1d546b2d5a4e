package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/geodispatch/internal/metricsutil"
	"pkt.systems/pslog"
)

type lockMetrics struct {
	acquireCount metric.Int64Counter
	releaseCount metric.Int64Counter
	refreshCount metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger) *lockMetrics {
	meter := otel.Meter("pkt.systems/geodispatch/lock")
	m := &lockMetrics{}
	var err error

	m.acquireCount, err = meter.Int64Counter(
		"geodispatch.lock.acquire",
		metric.WithDescription("Lock acquire attempts by outcome"),
	)
	metricsutil.LogInitError(logger, "geodispatch.lock.acquire", err)

	m.releaseCount, err = meter.Int64Counter(
		"geodispatch.lock.release",
		metric.WithDescription("Lock release attempts by outcome"),
	)
	metricsutil.LogInitError(logger, "geodispatch.lock.release", err)

	m.refreshCount, err = meter.Int64Counter(
		"geodispatch.lock.refresh",
		metric.WithDescription("Lock refresh attempts by outcome"),
	)
	metricsutil.LogInitError(logger, "geodispatch.lock.refresh", err)
	return m
}

func (m *lockMetrics) recordAcquire(ctx context.Context, outcome string) {
	if m == nil || m.acquireCount == nil {
		return
	}
	m.acquireCount.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *lockMetrics) recordRelease(ctx context.Context, outcome string) {
	if m == nil || m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *lockMetrics) recordRefresh(ctx context.Context, outcome string) {
	if m == nil || m.refreshCount == nil {
		return
	}
	m.refreshCount.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
