// Package status tracks the lifecycle of every job in a per-job store
// record. Each transition is a single Lua script that checks the current
// state before writing, so readers never observe a half-applied change.
package status

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/store"
	"pkt.systems/pslog"
)

// DefaultRetention is how long terminal records stay readable.
const DefaultRetention = 24 * time.Hour

var (
	// ErrNotFound is returned for job ids the store has no record of.
	ErrNotFound = errors.New("status: job not found")
	// ErrNotRunning rejects progress updates outside the running state.
	ErrNotRunning = errors.New("status: job not running")
	// ErrTransition rejects a state change the current state does not allow.
	ErrTransition = errors.New("status: transition rejected")
)

// TimeoutPolicy decides what a waiter's timeout does to the record and
// whether a late worker completion may replace it.
type TimeoutPolicy string

const (
	// PolicySupersede persists timeout and lets a late completion
	// overwrite it, flagging the record as superseded.
	PolicySupersede TimeoutPolicy = "supersede"
	// PolicySticky persists timeout and discards late completions.
	PolicySticky TimeoutPolicy = "sticky"
	// PolicyObserve reports the timeout to the waiter only.
	PolicyObserve TimeoutPolicy = "observe"
)

// ParseTimeoutPolicy parses a policy name; the empty string selects
// PolicySupersede.
func ParseTimeoutPolicy(raw string) (TimeoutPolicy, error) {
	switch p := TimeoutPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PolicySupersede, nil
	case PolicySupersede, PolicySticky, PolicyObserve:
		return p, nil
	}
	return "", core.Validation("unknown timeout policy %q (want supersede, sticky or observe)", raw)
}

// Publisher is told about every terminal transition.
type Publisher interface {
	Publish(ctx context.Context, jobID string, state core.State) error
}

const scriptOK = "ok"

var (
	startScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return '' end
local allowed = cur == 'accepted'
if not allowed and cur == 'timeout' and ARGV[3] == 'supersede' and redis.call('HEXISTS', KEYS[1], 'started_at') == 0 then
  allowed = true
  redis.call('HDEL', KEYS[1], 'ended_at', 'error_kind', 'error_message')
  redis.call('HSET', KEYS[1], 'superseded', '1')
  redis.call('PERSIST', KEYS[1])
  redis.call('PERSIST', KEYS[2])
end
if not allowed then return cur end
redis.call('HSET', KEYS[1], 'state', 'running', 'worker', ARGV[1], 'started_at', ARGV[2])
return 'ok'
`)
	progressScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return '' end
local allowed = cur == 'running'
if not allowed and cur == 'timeout' and ARGV[2] == 'supersede' and redis.call('HEXISTS', KEYS[1], 'started_at') == 1 then
  allowed = true
end
if not allowed then return cur end
redis.call('RPUSH', KEYS[2], ARGV[1])
return 'ok'
`)
	completeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return '' end
local allowed = cur == 'running' or (cur == 'accepted' and ARGV[1] == 'error')
if not allowed and cur == 'timeout' and ARGV[6] == 'supersede' then
  allowed = true
  redis.call('HSET', KEYS[1], 'superseded', '1')
end
if not allowed then return cur end
redis.call('HDEL', KEYS[1], 'result', 'error_kind', 'error_message')
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'ended_at', ARGV[2])
if ARGV[3] ~= '' then redis.call('HSET', KEYS[1], 'result', ARGV[3]) end
if ARGV[4] ~= '' then redis.call('HSET', KEYS[1], 'error_kind', ARGV[4], 'error_message', ARGV[5]) end
local ttl = tonumber(ARGV[7])
if ttl and ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 'ok'
`)
	timeoutScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return '' end
if cur ~= 'running' and cur ~= 'accepted' then return cur end
redis.call('HSET', KEYS[1], 'state', 'timeout', 'ended_at', ARGV[1], 'error_kind', ARGV[2], 'error_message', ARGV[3])
-- a supersedable timeout stays until the worker's completion sets retention
local ttl = tonumber(ARGV[4])
if ttl and ttl > 0 and ARGV[5] == 'sticky' then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 'ok'
`)
)

// Config tunes a Tracker.
type Config struct {
	Policy    TimeoutPolicy
	Retention time.Duration
	Publisher Publisher
	Clock     clock.Clock
}

// Tracker reads and transitions job status records.
type Tracker struct {
	store     *store.Client
	policy    TimeoutPolicy
	retention time.Duration
	publisher Publisher
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *trackerMetrics
}

// New constructs a Tracker. A zero Config selects PolicySupersede and
// DefaultRetention.
func New(st *store.Client, cfg Config, logger pslog.Logger) *Tracker {
	if cfg.Policy == "" {
		cfg.Policy = PolicySupersede
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	logger = loggingutil.WithSubsystem(logger, "status.tracker")
	return &Tracker{
		store:     st,
		policy:    cfg.Policy,
		retention: cfg.Retention,
		publisher: cfg.Publisher,
		clock:     clock.OrReal(cfg.Clock),
		logger:    logger,
		metrics:   newTrackerMetrics(logger),
	}
}

// Policy returns the configured timeout policy.
func (t *Tracker) Policy() TimeoutPolicy { return t.policy }

// WriteAccepted queues the initial accepted record on pipe. The queue calls
// it inside the MULTI/EXEC that pushes the entry.
func (t *Tracker) WriteAccepted(ctx context.Context, pipe redis.Pipeliner, desc core.Descriptor) {
	pipe.HSet(ctx, t.store.JobKey(desc.JobID), acceptedFields(desc))
}

// Start moves a job from accepted to running on behalf of worker.
func (t *Tracker) Start(ctx context.Context, id, worker string) error {
	cur, err := t.run(ctx, startScript, "start", id, worker, formatTime(t.clock.Now()), string(t.policy))
	if err != nil {
		return err
	}
	if cur != scriptOK {
		t.metrics.recordTransition(ctx, core.StateRunning, "rejected")
		return t.rejected(id, cur, core.StateRunning, ErrTransition)
	}
	t.metrics.recordTransition(ctx, core.StateRunning, "applied")
	return nil
}

// Progress appends msg to the progress log of a running job. Under
// PolicySupersede a started job keeps its log after a waiter's timeout.
func (t *Tracker) Progress(ctx context.Context, id, msg string) error {
	cur, err := t.run(ctx, progressScript, "progress", id, msg, string(t.policy))
	if err != nil {
		return err
	}
	if cur != scriptOK {
		return t.rejected(id, cur, core.StateRunning, ErrNotRunning)
	}
	return nil
}

// Finish records a successful result.
func (t *Tracker) Finish(ctx context.Context, id string, result []byte) error {
	return t.complete(ctx, id, core.StateFinished, string(result), core.ErrorInfo{})
}

// Fail records an error. Jobs that never started may fail straight out of
// accepted.
func (t *Tracker) Fail(ctx context.Context, id string, info core.ErrorInfo) error {
	if info.Kind == "" {
		info.Kind = core.KindProcessingFailure
	}
	return t.complete(ctx, id, core.StateError, "", info)
}

// MarkTimeout records that a waiter gave up on the job. It returns
// ErrTransition when the job already reached a terminal state. Under
// PolicyObserve nothing is written, and only PolicySticky starts the
// retention clock on the timeout record.
func (t *Tracker) MarkTimeout(ctx context.Context, id string, waited time.Duration) error {
	if t.policy == PolicyObserve {
		return nil
	}
	cur, err := t.run(ctx, timeoutScript, "timeout", id,
		formatTime(t.clock.Now()),
		string(core.KindWaitTimeout),
		fmt.Sprintf("no terminal state after %s", waited),
		strconv.FormatInt(t.retention.Milliseconds(), 10),
		string(t.policy))
	if err != nil {
		return err
	}
	if cur != scriptOK {
		t.metrics.recordTransition(ctx, core.StateTimeout, "rejected")
		return t.rejected(id, cur, core.StateTimeout, ErrTransition)
	}
	t.metrics.recordTransition(ctx, core.StateTimeout, "applied")
	loggingutil.FromContext(ctx, t.logger).Info("job.status.timeout", "job_id", id, "waited", waited.String())
	t.publish(ctx, id, core.StateTimeout)
	return nil
}

// Get returns the record of id including its progress log.
func (t *Tracker) Get(ctx context.Context, id string) (*core.JobRecord, error) {
	var (
		hashCmd *redis.MapStringStringCmd
		logCmd  *redis.StringSliceCmd
	)
	_, err := t.store.Redis().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, t.store.JobKey(id))
		logCmd = pipe.LRange(ctx, t.store.JobLogKey(id), 0, -1)
		return nil
	})
	if err != nil {
		return nil, store.Unavailable("status get", err)
	}
	h := hashCmd.Val()
	if len(h) == 0 {
		return nil, notFound(id)
	}
	return decodeRecord(id, h, logCmd.Val())
}

func (t *Tracker) complete(ctx context.Context, id string, to core.State, result string, info core.ErrorInfo) error {
	cur, err := t.run(ctx, completeScript, "complete", id,
		string(to),
		formatTime(t.clock.Now()),
		result,
		string(info.Kind),
		info.Message,
		string(t.policy),
		strconv.FormatInt(t.retention.Milliseconds(), 10))
	if err != nil {
		return err
	}
	if cur != scriptOK {
		t.metrics.recordTransition(ctx, to, "rejected")
		loggingutil.FromContext(ctx, t.logger).Warn("job.status.discarded", "job_id", id, "state", cur, "wanted", string(to))
		return t.rejected(id, cur, to, ErrTransition)
	}
	t.metrics.recordTransition(ctx, to, "applied")
	t.publish(ctx, id, to)
	return nil
}

func (t *Tracker) run(ctx context.Context, script *redis.Script, op, id string, args ...any) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", core.Validation("job id is required")
	}
	keys := []string{t.store.JobKey(id), t.store.JobLogKey(id)}
	cur, err := script.Run(ctx, t.store.Redis(), keys, args...).Text()
	if err != nil {
		return "", store.Unavailable("status "+op, err)
	}
	return cur, nil
}

func (t *Tracker) rejected(id, cur string, to core.State, sentinel error) error {
	if cur == "" {
		return notFound(id)
	}
	return fmt.Errorf("job %s: %s -> %s: %w", id, cur, to, sentinel)
}

func (t *Tracker) publish(ctx context.Context, id string, state core.State) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, id, state); err != nil {
		loggingutil.FromContext(ctx, t.logger).Warn("job.status.publish_failed", "job_id", id, "state", string(state), "error", err)
	}
}

func notFound(id string) error {
	return core.Failure{
		Code:       core.CodeNotFound,
		Detail:     fmt.Sprintf("job %s", id),
		HTTPStatus: 404,
		Err:        ErrNotFound,
	}
}
