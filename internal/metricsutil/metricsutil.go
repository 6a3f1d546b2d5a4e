// Package metricsutil holds helpers shared by the per-component otel
// instrument sets.
package metricsutil

import (
	"context"

	"pkt.systems/pslog"
)

// LogInitError records an instrument that failed to register. Metrics are
// best effort; the component keeps working with a nil instrument.
func LogInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

// ResultLabel maps an error to the "result" attribute value.
func ResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// Context never returns nil.
func Context(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
