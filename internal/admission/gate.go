// Package admission pauses job intake while the host is under memory
// pressure. It samples system memory the way an operator would read it from
// free(1) and tells worker loops whether to dequeue.
package admission

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultBackoff is how long a refused loop waits before sampling again.
const DefaultBackoff = 2 * time.Second

// Sampler reports used system memory in percent.
type Sampler func(ctx context.Context) (float64, error)

// SystemMemory samples host memory through gopsutil.
func SystemMemory(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Config controls the gate. A MaxMemoryPercent of zero disables it.
type Config struct {
	MaxMemoryPercent float64
	Backoff          time.Duration
	Sampler          Sampler
	Clock            clock.Clock
}

// Gate decides whether a worker loop may take another job.
type Gate struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	metrics *gateMetrics

	refusing atomic.Bool
	limit    atomic.Uint64 // math.Float64bits of MaxMemoryPercent
	last     atomic.Uint64 // math.Float64bits of the last sample
}

// New returns a gate. It is safe for concurrent use by every worker loop.
func New(cfg Config, logger pslog.Logger) *Gate {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Sampler == nil {
		cfg.Sampler = SystemMemory
	}
	logger = loggingutil.WithSubsystem(logger, "runner.admission")
	g := &Gate{cfg: cfg, clock: clock.OrReal(cfg.Clock), logger: logger}
	g.limit.Store(math.Float64bits(cfg.MaxMemoryPercent))
	g.metrics = newGateMetrics(g, logger)
	return g
}

// Enabled reports whether the gate ever refuses.
func (g *Gate) Enabled() bool { return g != nil && g.maxPercent() > 0 }

// SetMaxMemoryPercent changes the threshold of a running gate. Zero
// disables it.
func (g *Gate) SetMaxMemoryPercent(p float64) {
	if p < 0 {
		p = 0
	}
	if old := math.Float64frombits(g.limit.Swap(math.Float64bits(p))); old != p {
		g.logger.Info("admission.limit.changed", "from_percent", old, "to_percent", p)
	}
	if p == 0 {
		g.refusing.Store(false)
	}
}

func (g *Gate) maxPercent() float64 { return math.Float64frombits(g.limit.Load()) }

// Admit samples once and reports whether intake may continue. Sampling
// errors admit: an unreadable gauge must not stall the fleet.
func (g *Gate) Admit(ctx context.Context) bool {
	if !g.Enabled() {
		return true
	}
	used, err := g.cfg.Sampler(ctx)
	if err != nil {
		g.logger.Debug("admission.sample.failed", "error", err)
		return true
	}
	g.store(used)
	limit := g.maxPercent()
	over := used > limit
	if over != g.refusing.Swap(over) {
		if over {
			g.logger.Warn("admission.paused", "memory_percent", used, "limit_percent", limit)
		} else {
			g.logger.Info("admission.resumed", "memory_percent", used, "limit_percent", limit)
		}
	}
	if over {
		g.metrics.recordRefusal(ctx)
	}
	return !over
}

// Wait blocks until Admit succeeds or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	for !g.Admit(ctx) {
		if err := clock.Sleep(ctx, g.clock, g.cfg.Backoff); err != nil {
			return err
		}
	}
	return ctx.Err()
}
