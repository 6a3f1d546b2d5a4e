package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/correlation"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/notify"
	"pkt.systems/geodispatch/internal/runner"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/geodispatch/internal/store/storetest"
)

type env struct {
	dispatcher *Dispatcher
	tracker    *status.Tracker
	locks      *lock.Manager
	registry   *runner.Registry
	pool       *runner.Pool
	queue      *jobqueue.Queue
}

var testLimits = core.DescriptorLimits{DefaultTimeout: time.Minute, MaxTimeout: time.Hour, MaxChainBytes: 1 << 20}

func newEnv(t *testing.T, policy status.TimeoutPolicy, pollInterval time.Duration) *env {
	t.Helper()
	st, _ := storetest.New(t)
	n := notify.NewRedis(st, nil)
	tracker := status.New(st, status.Config{Policy: policy, Publisher: n}, nil)
	queue := jobqueue.New(st, tracker, nil, nil)
	locks := lock.New(st, lock.Config{}, nil)
	reg := runner.NewRegistry()
	r := runner.New(tracker, locks, reg, runner.Config{Worker: "w1"}, nil)
	return &env{
		dispatcher: New(queue, tracker, n, Config{Limits: testLimits, PollInterval: pollInterval, PollMaxInterval: 4 * pollInterval}, nil),
		tracker:    tracker,
		locks:      locks,
		registry:   reg,
		queue:      queue,
		pool:       runner.NewPool(queue, r, runner.PoolConfig{Queues: []string{jobqueue.DefaultQueue}, Concurrency: 2}, nil),
	}
}

func (e *env) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func sleeper(d time.Duration, result string) runner.Processor {
	return runner.ProcessorFunc(func(ctx context.Context, _ *runner.Execution) (json.RawMessage, error) {
		select {
		case <-time.After(d):
			return json.RawMessage(result), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestSubmitAsyncIsImmediatelyAccepted(t *testing.T) {
	e := newEnv(t, status.PolicySupersede, 20*time.Millisecond)
	ctx := correlation.With(context.Background(), "req-42")
	id, err := e.dispatcher.SubmitAsync(ctx, jobqueue.DefaultQueue, core.Descriptor{
		Processor: "mapset.list",
		Target:    core.MustPath("nc_spm_08"),
		Principal: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec, err := e.tracker.Get(context.Background(), id)
	if err != nil || rec.State != core.StateAccepted {
		t.Fatalf("expected accepted, got %+v %v", rec, err)
	}
	desc, err := e.queue.Dequeue(context.Background(), jobqueue.DefaultQueue, time.Second)
	if err != nil || desc == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if desc.CorrelationID != "req-42" || desc.Timeout != time.Minute {
		t.Fatalf("descriptor not stamped: %+v", desc)
	}
}

func TestSubmitAsyncRejectsInvalidDescriptors(t *testing.T) {
	e := newEnv(t, status.PolicySupersede, 20*time.Millisecond)
	_, err := e.dispatcher.SubmitAsync(context.Background(), jobqueue.DefaultQueue, core.Descriptor{Processor: "x"})
	if !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n, _ := e.queue.Len(context.Background(), jobqueue.DefaultQueue); n != 0 {
		t.Fatalf("invalid descriptor reached the queue (%d entries)", n)
	}
}

func TestSubmitAndWaitReturnsResult(t *testing.T) {
	e := newEnv(t, status.PolicySupersede, 20*time.Millisecond)
	e.registry.MustRegister("quick", sleeper(10*time.Millisecond, `{"ok":true}`))
	e.start(t)

	target := core.MustPath("nc_spm_08/PERMANENT")
	out, err := e.dispatcher.SubmitAndWait(context.Background(), jobqueue.DefaultQueue, core.Descriptor{
		Processor: "quick",
		Target:    target,
		Principal: "alice",
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if out.State != core.StateFinished || string(out.Result) != `{"ok":true}` || out.Err() != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if rec, err := e.locks.Status(context.Background(), target); err != nil || rec != nil {
		t.Fatalf("lock must be absent once finished is observed: %+v %v", rec, err)
	}
}

func TestSubmitAndWaitReturnsErrorPayload(t *testing.T) {
	e := newEnv(t, status.PolicySupersede, 20*time.Millisecond)
	e.registry.MustRegister("fails", runner.ProcessorFunc(func(context.Context, *runner.Execution) (json.RawMessage, error) {
		return nil, errors.New("r.info: raster not found")
	}))
	e.start(t)

	out, err := e.dispatcher.SubmitAndWait(context.Background(), jobqueue.DefaultQueue, core.Descriptor{
		Processor: "fails",
		Principal: "alice",
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if out.State != core.StateError || out.Error == nil || out.Error.Kind != core.KindProcessingFailure {
		t.Fatalf("unexpected outcome %+v", out)
	}
	var info core.ErrorInfo
	if !errors.As(out.Err(), &info) || info.Message == "" {
		t.Fatalf("Err() should expose the payload, got %v", out.Err())
	}
}

func TestSubmitAndWaitTimesOutThenJobFinishes(t *testing.T) {
	e := newEnv(t, status.PolicySupersede, 20*time.Millisecond)
	e.registry.MustRegister("slow", sleeper(2*time.Second, `"done"`))
	e.start(t)

	begin := time.Now()
	out, err := e.dispatcher.SubmitAndWait(context.Background(), jobqueue.DefaultQueue, core.Descriptor{
		Processor: "slow",
		Target:    core.MustPath("loc/ms"),
		Principal: "alice",
	}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	elapsed := time.Since(begin)
	if out.State != core.StateTimeout || out.Result != nil || out.Error == nil || out.Error.Kind != core.KindWaitTimeout {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Fatalf("timeout returned after %s", elapsed)
	}

	later, err := e.dispatcher.Wait(context.Background(), out.JobID, time.Millisecond)
	if err != nil || later.State != core.StateTimeout {
		t.Fatalf("a second waiter should read the persisted timeout: %+v %v", later, err)
	}

	// a later waiter with a longer bound sees the superseding completion
	begin = time.Now()
	final, err := e.dispatcher.Wait(context.Background(), out.JobID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != core.StateFinished || !final.Superseded || string(final.Result) != `"done"` || final.Err() != nil {
		t.Fatalf("unexpected outcome %+v", final)
	}
	if waited := time.Since(begin); waited < time.Second {
		t.Fatalf("second waiter returned after %s, before the job could finish", waited)
	}
}

func TestStickyTimeoutEndsLaterWaits(t *testing.T) {
	e := newEnv(t, status.PolicySticky, 20*time.Millisecond)
	e.registry.MustRegister("slow", sleeper(2*time.Second, `"done"`))
	e.start(t)

	out, err := e.dispatcher.SubmitAndWait(context.Background(), jobqueue.DefaultQueue, core.Descriptor{
		Processor: "slow",
		Principal: "alice",
	}, 100*time.Millisecond)
	if err != nil || out.State != core.StateTimeout {
		t.Fatalf("expected timeout, got %+v %v", out, err)
	}
	begin := time.Now()
	later, err := e.dispatcher.Wait(context.Background(), out.JobID, 5*time.Second)
	if err != nil || later.State != core.StateTimeout {
		t.Fatalf("sticky timeout should be final: %+v %v", later, err)
	}
	if waited := time.Since(begin); waited > time.Second {
		t.Fatalf("sticky wait took %s", waited)
	}
}

func TestObservePolicyLeavesRecordRunning(t *testing.T) {
	e := newEnv(t, status.PolicyObserve, 20*time.Millisecond)
	e.registry.MustRegister("slow", sleeper(time.Second, `1`))
	e.start(t)

	out, err := e.dispatcher.SubmitAndWait(context.Background(), jobqueue.DefaultQueue, core.Descriptor{
		Processor: "slow",
		Principal: "alice",
	}, 100*time.Millisecond)
	if err != nil || out.State != core.StateTimeout {
		t.Fatalf("expected timeout outcome, got %+v %v", out, err)
	}
	rec, err := e.tracker.Get(context.Background(), out.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State.Terminal() {
		t.Fatalf("observe policy persisted %s", rec.State)
	}
}

func TestWaitWakesOnNotification(t *testing.T) {
	// A poll interval far above the job duration: only the notifier can
	// make the wait return quickly.
	e := newEnv(t, status.PolicySupersede, 5*time.Second)
	e.registry.MustRegister("quick", sleeper(50*time.Millisecond, `true`))
	e.start(t)

	id, err := e.dispatcher.SubmitAsync(context.Background(), jobqueue.DefaultQueue, core.Descriptor{
		Processor: "quick",
		Principal: "alice",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	begin := time.Now()
	out, err := e.dispatcher.Wait(context.Background(), id, 20*time.Second)
	if err != nil || out.State != core.StateFinished {
		t.Fatalf("unexpected outcome %+v %v", out, err)
	}
	if time.Since(begin) > 4*time.Second {
		t.Fatalf("wait was not woken by the notifier (%s)", time.Since(begin))
	}
}

func TestWaitUnknownJob(t *testing.T) {
	e := newEnv(t, status.PolicySupersede, 20*time.Millisecond)
	_, err := e.dispatcher.Wait(context.Background(), "01999999-0000-7000-8000-000000000000", time.Second)
	if !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.dispatcher.Wait(context.Background(), "x", 0); !core.IsValidation(err) {
		t.Fatalf("expected validation error for zero timeout, got %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	e := newEnv(t, status.PolicySupersede, 20*time.Millisecond)
	id, err := e.dispatcher.SubmitAsync(context.Background(), jobqueue.DefaultQueue, core.Descriptor{Processor: "none", Principal: "a"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := e.dispatcher.Wait(ctx, id, time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}
