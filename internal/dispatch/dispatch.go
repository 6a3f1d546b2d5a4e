// Package dispatch is the submitting side of geodispatch: it validates
// descriptors, enqueues them and, when the caller wants to block, waits for
// the terminal state without ever holding a namespace lock.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/geodispatch/internal/backoff"
	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/correlation"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/notify"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/pslog"
)

// Poll defaults.
const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultPollMaxInterval = 2 * time.Second
)

// Config tunes a Dispatcher.
type Config struct {
	Limits          core.DescriptorLimits
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	Clock           clock.Clock
}

// Outcome is the answer to a blocking submit: a result, an error payload or
// a timeout. Timeout outcomes carry no result; Error then holds a
// WaitTimeout payload describing the wait, so Err is non-nil and callers
// can report it, but it does not mean the job failed.
type Outcome struct {
	JobID      string          `json:"job_id"`
	State      core.State      `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *core.ErrorInfo `json:"error,omitempty"`
	Superseded bool            `json:"superseded,omitempty"`
}

// Err returns the error payload of failed and timed out outcomes.
func (o Outcome) Err() error {
	if o.Error != nil {
		return *o.Error
	}
	return nil
}

// Dispatcher submits jobs and waits on them.
type Dispatcher struct {
	queue      *jobqueue.Queue
	tracker    *status.Tracker
	subscriber notify.Subscriber
	cfg        Config
	clock      clock.Clock
	logger     pslog.Logger
	metrics    *dispatchMetrics
}

// New constructs a Dispatcher. subscriber may be nil, in which case waits
// rely on polling alone.
func New(queue *jobqueue.Queue, tracker *status.Tracker, subscriber notify.Subscriber, cfg Config, logger pslog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollMaxInterval < cfg.PollInterval {
		cfg.PollMaxInterval = max(DefaultPollMaxInterval, cfg.PollInterval)
	}
	logger = loggingutil.WithSubsystem(logger, "dispatch")
	return &Dispatcher{
		queue:      queue,
		tracker:    tracker,
		subscriber: subscriber,
		cfg:        cfg,
		clock:      clock.OrReal(cfg.Clock),
		logger:     logger,
		metrics:    newDispatchMetrics(logger),
	}
}

// SubmitAsync validates desc and enqueues it onto queue. The job is
// readable in the accepted state as soon as SubmitAsync returns.
func (d *Dispatcher) SubmitAsync(ctx context.Context, queue string, desc core.Descriptor) (string, error) {
	if err := desc.Normalize(d.cfg.Limits); err != nil {
		return "", err
	}
	if desc.CorrelationID == "" {
		_, desc.CorrelationID = correlation.Ensure(ctx)
	}
	id, err := d.queue.Enqueue(ctx, queue, desc)
	if err != nil {
		return "", err
	}
	loggingutil.FromContext(ctx, d.logger).Info("dispatch.submitted",
		"job_id", id,
		"queue", queue,
		"processor", desc.Processor,
		"target", desc.Target.String(),
		"cid", desc.CorrelationID,
	)
	return id, nil
}

// SubmitAndWait enqueues desc and waits up to timeout for its terminal
// state. A timeout is reported as an outcome, not an error; the job keeps
// running.
func (d *Dispatcher) SubmitAndWait(ctx context.Context, queue string, desc core.Descriptor, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		return Outcome{}, core.Validation("wait timeout must be positive")
	}
	id, err := d.SubmitAsync(ctx, queue, desc)
	if err != nil {
		return Outcome{}, err
	}
	return d.Wait(ctx, id, timeout)
}

// Wait blocks until job id reaches a terminal state, timeout elapses or ctx
// ends. Errors are reserved for store failures, unknown jobs and ctx.
func (d *Dispatcher) Wait(ctx context.Context, id string, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		return Outcome{}, core.Validation("wait timeout must be positive")
	}
	begin := d.clock.Now()
	deadline := begin.Add(timeout)
	logger := loggingutil.FromContext(ctx, d.logger).With("job_id", id)

	var events <-chan core.State
	if d.subscriber != nil {
		ch, cancel, err := d.subscriber.Subscribe(ctx, id)
		if err != nil {
			logger.Warn("dispatch.wait.subscribe_failed", "error", err)
		} else {
			defer cancel()
			events = ch
		}
	}

	poll := backoff.New(backoff.Policy{
		Start:      d.cfg.PollInterval,
		Max:        d.cfg.PollMaxInterval,
		Multiplier: 1.5,
	})
	for {
		rec, err := d.tracker.Get(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		if d.settled(rec) {
			out := outcomeOf(rec)
			d.metrics.recordWait(ctx, out.State, d.clock.Now().Sub(begin))
			return out, nil
		}
		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-events:
		case <-d.clock.After(poll.Next(remaining)):
		}
	}
	return d.timedOut(ctx, logger, id, timeout, begin)
}

func (d *Dispatcher) timedOut(ctx context.Context, logger pslog.Logger, id string, timeout time.Duration, begin time.Time) (Outcome, error) {
	err := d.tracker.MarkTimeout(ctx, id, timeout)
	switch {
	case errors.Is(err, status.ErrTransition):
		// the job finished between the last poll and the timeout write
		if rec, getErr := d.tracker.Get(ctx, id); getErr == nil && rec.State.Terminal() {
			out := outcomeOf(rec)
			d.metrics.recordWait(ctx, out.State, d.clock.Now().Sub(begin))
			return out, nil
		}
	case err != nil:
		logger.Warn("dispatch.wait.mark_timeout_failed", "error", err)
	}
	logger.Info("dispatch.wait.timeout", "timeout", timeout.String())
	d.metrics.recordWait(ctx, core.StateTimeout, d.clock.Now().Sub(begin))
	return Outcome{
		JobID: id,
		State: core.StateTimeout,
		Error: &core.ErrorInfo{
			Kind:    core.KindWaitTimeout,
			Message: fmt.Sprintf("job %s did not finish within %s", id, timeout),
		},
	}, nil
}

// settled reports whether a waiter can stop on rec. Under PolicySupersede a
// timeout written by another waiter is not final: the job may still start or
// complete, so the wait runs to its own deadline.
func (d *Dispatcher) settled(rec *core.JobRecord) bool {
	if rec.State == core.StateTimeout && d.tracker.Policy() == status.PolicySupersede {
		return false
	}
	return rec.State.Terminal()
}

func outcomeOf(rec *core.JobRecord) Outcome {
	return Outcome{
		JobID:      rec.ID,
		State:      rec.State,
		Result:     rec.Result,
		Error:      rec.Error,
		Superseded: rec.Superseded,
	}
}
