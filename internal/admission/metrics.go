package admission

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/geodispatch/internal/metricsutil"
	"pkt.systems/pslog"
)

type gateMetrics struct {
	refusals      metric.Int64Counter
	memoryPercent metric.Float64ObservableGauge
}

func newGateMetrics(g *Gate, logger pslog.Logger) *gateMetrics {
	meter := otel.Meter("pkt.systems/geodispatch/admission")
	m := &gateMetrics{}
	var err error

	m.refusals, err = meter.Int64Counter(
		"geodispatch.admission.refusals",
		metric.WithDescription("Dequeue attempts deferred because of memory pressure"),
	)
	metricsutil.LogInitError(logger, "geodispatch.admission.refusals", err)

	m.memoryPercent, err = meter.Float64ObservableGauge(
		"geodispatch.admission.memory.percent",
		metric.WithDescription("Last sampled system memory used percent"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			if g.Enabled() {
				o.Observe(g.lastSample())
			}
			return nil
		}),
	)
	metricsutil.LogInitError(logger, "geodispatch.admission.memory.percent", err)
	return m
}

func (m *gateMetrics) recordRefusal(ctx context.Context) {
	if m == nil || m.refusals == nil {
		return
	}
	m.refusals.Add(metricsutil.Context(ctx), 1)
}

func (g *Gate) store(v float64) { g.last.Store(math.Float64bits(v)) }

func (g *Gate) lastSample() float64 { return math.Float64frombits(g.last.Load()) }
