package runner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pkt.systems/geodispatch/internal/admission"
	"pkt.systems/geodispatch/internal/backoff"
	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultDequeueWait bounds each blocking pop so loops notice shutdown.
const DefaultDequeueWait = time.Second

// Dequeuer is the part of the job queue a pool consumes.
type Dequeuer interface {
	Dequeue(ctx context.Context, queue string, wait time.Duration) (*core.Descriptor, error)
}

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Queues      []string
	Concurrency int
	DequeueWait time.Duration
	Gate        *admission.Gate
	Clock       clock.Clock
}

// Pool runs one dequeue loop per queue, sharing Concurrency execution
// slots between them.
type Pool struct {
	queue  Dequeuer
	runner *Runner
	cfg    PoolConfig
	clock  clock.Clock
	sem    *semaphore.Weighted
	logger pslog.Logger
	jobs   sync.WaitGroup
}

// NewPool constructs a pool draining cfg.Queues into runner.
func NewPool(queue Dequeuer, runner *Runner, cfg PoolConfig, logger pslog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = DefaultDequeueWait
	}
	return &Pool{
		queue:  queue,
		runner: runner,
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: loggingutil.WithSubsystem(logger, "runner.pool"),
	}
}

// Run consumes until ctx ends, then waits for in-flight jobs. Jobs keep
// running after ctx is cancelled; there is no mid-job cancellation.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.cfg.Queues) == 0 {
		return core.Validation("worker pool needs at least one queue")
	}
	for _, q := range p.cfg.Queues {
		if err := core.ValidateQueueName(q); err != nil {
			return err
		}
	}
	p.logger.Info("runner.pool.start",
		"queues", p.cfg.Queues,
		"concurrency", p.cfg.Concurrency,
		"worker", p.runner.Worker(),
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range p.cfg.Queues {
		g.Go(func() error { return p.loop(gctx, q) })
	}
	err := g.Wait()
	p.jobs.Wait()
	p.logger.Info("runner.pool.stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, queue string) error {
	logger := p.logger.With("queue", queue)
	retry := backoff.New(backoff.Policy{Start: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2})
	for ctx.Err() == nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		if p.cfg.Gate.Enabled() {
			if err := p.cfg.Gate.Wait(ctx); err != nil {
				p.sem.Release(1)
				return nil
			}
		}
		desc, err := p.queue.Dequeue(ctx, queue, p.cfg.DequeueWait)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			delay := retry.Next(0)
			logger.Warn("runner.dequeue.failed", "error", err, "retry_in", delay.String())
			if clock.Sleep(ctx, p.clock, delay) != nil {
				return nil
			}
			continue
		}
		retry.Reset()
		if desc == nil {
			p.sem.Release(1)
			continue
		}
		p.jobs.Add(1)
		go func(desc core.Descriptor) {
			defer p.jobs.Done()
			defer p.sem.Release(1)
			jobCtx := context.WithoutCancel(ctx)
			p.runner.metrics.addInflight(jobCtx, queue, 1)
			defer p.runner.metrics.addInflight(jobCtx, queue, -1)
			p.runner.Handle(jobCtx, desc)
		}(*desc)
	}
	return nil
}
