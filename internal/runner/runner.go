// Package runner executes dequeued jobs: it moves the status record to
// running, takes the namespace locks the processor needs, runs the
// processor under the job deadline and records the terminal state. Nothing
// a processor does, including panicking, escapes into the worker loop.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/correlation"
	"pkt.systems/geodispatch/internal/ids"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/pslog"
)

// DefaultLockTTL is the TTL of locks taken for a job. The keeper refreshes
// them every third of it while the job runs.
const DefaultLockTTL = time.Minute

var errLockLost = errors.New("runner: namespace lock lost")

// Config tunes a Runner.
type Config struct {
	// Worker identifies this process in status records and lock holders.
	Worker string
	// LockTTL bounds how long a crashed worker can block a namespace.
	LockTTL time.Duration
	// LockWait is how long to retry a contended lock before failing the
	// job with LockContention. Zero tries once.
	LockWait time.Duration
	Clock    clock.Clock
}

// Runner executes single jobs.
type Runner struct {
	tracker  *status.Tracker
	locks    *lock.Manager
	registry *Registry
	cfg      Config
	clock    clock.Clock
	logger   pslog.Logger
	tracer   trace.Tracer
	metrics  *runnerMetrics
}

// New constructs a Runner.
func New(tracker *status.Tracker, locks *lock.Manager, registry *Registry, cfg Config, logger pslog.Logger) *Runner {
	if cfg.Worker == "" {
		cfg.Worker = "worker-" + ids.NewInstanceID()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	logger = loggingutil.WithSubsystem(logger, "runner.job")
	return &Runner{
		tracker:  tracker,
		locks:    locks,
		registry: registry,
		cfg:      cfg,
		clock:    clock.OrReal(cfg.Clock),
		logger:   logger,
		tracer:   otel.Tracer("pkt.systems/geodispatch/runner"),
		metrics:  newRunnerMetrics(logger),
	}
}

// Worker returns the worker identity recorded on started jobs.
func (r *Runner) Worker() string { return r.cfg.Worker }

// Holder returns the lock holder identity used for a job.
func (r *Runner) Holder(jobID string) string { return r.cfg.Worker + ":" + jobID }

// Handle runs desc to a terminal state. Failures are recorded on the job,
// never returned.
func (r *Runner) Handle(ctx context.Context, desc core.Descriptor) {
	begin := r.clock.Now()
	if desc.CorrelationID != "" {
		ctx = correlation.With(ctx, desc.CorrelationID)
	}
	logger := r.logger.With(
		"job_id", desc.JobID,
		"queue", desc.Queue,
		"processor", desc.Processor,
		"target", desc.Target.String(),
	)
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	ctx, span := r.tracer.Start(ctx, "geodispatch.job.run", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("geodispatch.job_id", desc.JobID),
		attribute.String("geodispatch.queue", desc.Queue),
		attribute.String("geodispatch.processor", desc.Processor),
		attribute.String("geodispatch.target", desc.Target.String()),
	)

	outcome := r.handle(ctx, logger, desc)
	r.metrics.recordJob(ctx, desc.Queue, outcome, r.clock.Now().Sub(begin))
	span.SetAttributes(attribute.String("geodispatch.outcome", outcome))
	if outcome == outcomeFinished {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, outcome)
	}
}

const (
	outcomeFinished = "finished"
	outcomeError    = "error"
	outcomeSkipped  = "skipped"
)

func (r *Runner) handle(ctx context.Context, logger pslog.Logger, desc core.Descriptor) string {
	proc, ok := r.registry.Lookup(desc.Processor)
	if !ok {
		logger.Warn("job.processor.unknown")
		r.fail(ctx, logger, desc.JobID, core.ErrorInfo{
			Kind:    core.KindUnknownProcessor,
			Message: fmt.Sprintf("no processor registered for %q", desc.Processor),
		})
		return outcomeError
	}
	if err := r.tracker.Start(ctx, desc.JobID, r.cfg.Worker); err != nil {
		// timed out under a sticky policy, expired, or delivered twice
		logger.Warn("job.start.rejected", "error", err)
		return outcomeSkipped
	}
	logger.Info("job.run.begin", "timeout", desc.Timeout.String())

	holder := r.Holder(desc.JobID)
	held, err := r.acquire(ctx, logger, lockSet(proc, desc), holder)
	if err != nil {
		r.release(ctx, logger, held, holder)
		r.fail(ctx, logger, desc.JobID, core.AsErrorInfo(err))
		return outcomeError
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if desc.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, desc.Timeout)
		defer stop()
	}
	var keeper *lock.Keeper
	if len(held) > 0 {
		keeper = r.locks.Keep(ctx, holder, r.cfg.LockTTL, held, func(p core.NamespacePath, err error) {
			logger.Error("job.lock.lost", "path", p.String(), "error", err)
			cancel(fmt.Errorf("%w: %s", errLockLost, p))
		})
	}
	exec := &Execution{
		Descriptor: desc,
		Worker:     r.cfg.Worker,
		Logger:     logger,
		progress: func(ctx context.Context, msg string) error {
			return r.tracker.Progress(ctx, desc.JobID, msg)
		},
	}
	result, runErr := r.execute(runCtx, logger, proc, exec)

	var lost []core.NamespacePath
	if keeper != nil {
		lost = keeper.Stop()
	}
	// Locks go before the terminal write so a waiter that observes the
	// terminal state also observes the namespace as free.
	r.release(ctx, logger, held, holder)

	if runErr == nil && len(lost) == 0 {
		if err := r.tracker.Finish(ctx, desc.JobID, result); err != nil {
			r.logCompletionError(logger, err)
			return outcomeError
		}
		logger.Info("job.run.finished")
		return outcomeFinished
	}
	r.fail(ctx, logger, desc.JobID, classify(runCtx, runErr, lost, desc.Timeout))
	return outcomeError
}

// acquire takes paths in order. On failure it returns the paths it did get
// so the caller can release them.
func (r *Runner) acquire(ctx context.Context, logger pslog.Logger, paths []core.NamespacePath, holder string) ([]core.NamespacePath, error) {
	held := make([]core.NamespacePath, 0, len(paths))
	for _, p := range paths {
		ok, err := r.locks.AcquireWait(ctx, p, holder, r.cfg.LockTTL, r.cfg.LockWait)
		if err != nil {
			return held, err
		}
		if !ok {
			detail := fmt.Sprintf("namespace %s is locked", p)
			if rec, err := r.locks.Status(ctx, p); err == nil && rec != nil {
				detail = fmt.Sprintf("namespace %s is locked by %s", p, rec.Holder)
			}
			logger.Info("job.lock.contended", "path", p.String())
			return held, core.Failure{Code: core.CodeLockContention, Detail: detail, HTTPStatus: 409}
		}
		held = append(held, p)
	}
	return held, nil
}

func (r *Runner) release(ctx context.Context, logger pslog.Logger, held []core.NamespacePath, holder string) {
	for i := len(held) - 1; i >= 0; i-- {
		if err := r.locks.Release(ctx, held[i], holder); err != nil {
			logger.Warn("job.lock.release_failed", "path", held[i].String(), "error", err)
		}
	}
}

func (r *Runner) execute(ctx context.Context, logger pslog.Logger, proc Processor, exec *Execution) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job.run.panic", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			result = nil
			err = core.ErrorInfo{Kind: core.KindProcessingFailure, Message: fmt.Sprintf("processor panicked: %v", rec)}
		}
	}()
	result, err = proc.Run(ctx, exec)
	if err == nil && len(result) > 0 && !json.Valid(result) {
		return nil, core.ErrorInfo{Kind: core.KindProcessingFailure, Message: "processor returned invalid JSON"}
	}
	return result, err
}

func classify(runCtx context.Context, runErr error, lost []core.NamespacePath, timeout time.Duration) core.ErrorInfo {
	cause := context.Cause(runCtx)
	switch {
	case len(lost) > 0 || errors.Is(cause, errLockLost):
		msg := "namespace lock lost during execution"
		if len(lost) > 0 {
			msg = fmt.Sprintf("lock on %s lost during execution", lost[0])
		}
		return core.ErrorInfo{Kind: core.KindLockContention, Message: msg}
	case errors.Is(cause, context.DeadlineExceeded):
		return core.ErrorInfo{Kind: core.KindProcessingTimeout, Message: fmt.Sprintf("processing exceeded %s", timeout)}
	}
	return core.AsErrorInfo(runErr)
}

func (r *Runner) fail(ctx context.Context, logger pslog.Logger, id string, info core.ErrorInfo) {
	if err := r.tracker.Fail(ctx, id, info); err != nil {
		r.logCompletionError(logger, err)
		return
	}
	logger.Info("job.run.error", "kind", string(info.Kind), "message", info.Message)
}

func (r *Runner) logCompletionError(logger pslog.Logger, err error) {
	if errors.Is(err, status.ErrTransition) {
		logger.Info("job.complete.discarded", "error", err)
		return
	}
	logger.Error("job.complete.failed", "error", err)
}
