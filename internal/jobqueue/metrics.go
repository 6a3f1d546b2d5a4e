package jobqueue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/geodispatch/internal/metricsutil"
	"pkt.systems/pslog"
)

type queueMetrics struct {
	enqueueCount metric.Int64Counter
	dequeueCount metric.Int64Counter
}

func newQueueMetrics(logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("pkt.systems/geodispatch/jobqueue")
	m := &queueMetrics{}
	var err error

	m.enqueueCount, err = meter.Int64Counter(
		"geodispatch.queue.enqueue",
		metric.WithDescription("Queue pushes by queue and outcome"),
	)
	metricsutil.LogInitError(logger, "geodispatch.queue.enqueue", err)

	m.dequeueCount, err = meter.Int64Counter(
		"geodispatch.queue.dequeue",
		metric.WithDescription("Delivered queue entries by queue and outcome"),
	)
	metricsutil.LogInitError(logger, "geodispatch.queue.dequeue", err)
	return m
}

func (m *queueMetrics) recordEnqueue(ctx context.Context, queue, outcome string) {
	if m == nil || m.enqueueCount == nil {
		return
	}
	m.enqueueCount.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

func (m *queueMetrics) recordDequeue(ctx context.Context, queue, outcome string) {
	if m == nil || m.dequeueCount == nil {
		return
	}
	m.dequeueCount.Add(metricsutil.Context(ctx), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}
