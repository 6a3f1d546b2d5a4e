// Package jobqueue moves request descriptors from submitters to workers over
// named FIFO lists in the shared store. Delivery is at-most-once: an entry is
// gone from the list as soon as a worker pops it.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/ids"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/geodispatch/internal/store"
	"pkt.systems/pslog"
)

// Default queue names.
const (
	DefaultQueue = "default"
	LongQueue    = "long"
)

// Queue pushes and pops descriptors.
type Queue struct {
	store   *store.Client
	tracker *status.Tracker
	clock   clock.Clock
	logger  pslog.Logger
	metrics *queueMetrics
}

// New constructs a Queue. The tracker writes the accepted record in the
// same transaction as the push.
func New(st *store.Client, tracker *status.Tracker, clk clock.Clock, logger pslog.Logger) *Queue {
	logger = loggingutil.WithSubsystem(logger, "queue")
	return &Queue{
		store:   st,
		tracker: tracker,
		clock:   clock.OrReal(clk),
		logger:  logger,
		metrics: newQueueMetrics(logger),
	}
}

// Enqueue assigns desc a fresh job id and submission time, then writes the
// accepted status record and pushes the entry atomically. A status read that
// follows a successful Enqueue always finds the job.
func (q *Queue) Enqueue(ctx context.Context, queue string, desc core.Descriptor) (string, error) {
	if err := core.ValidateQueueName(queue); err != nil {
		return "", err
	}
	if strings.TrimSpace(desc.Processor) == "" {
		return "", core.Validation("processor is required")
	}
	desc.JobID = ids.NewJobID()
	desc.Queue = queue
	desc.EnqueuedAt = q.clock.Now().UTC()
	payload, err := json.Marshal(desc)
	if err != nil {
		return "", core.Validation("encode descriptor: %v", err)
	}
	_, err = q.store.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		q.tracker.WriteAccepted(ctx, pipe, desc)
		pipe.RPush(ctx, q.store.QueueKey(queue), payload)
		return nil
	})
	if err != nil {
		q.metrics.recordEnqueue(ctx, queue, "error")
		return "", store.Unavailable("enqueue", err)
	}
	q.metrics.recordEnqueue(ctx, queue, "ok")
	loggingutil.FromContext(ctx, q.logger).Debug("queue.enqueue",
		"queue", queue,
		"job_id", desc.JobID,
		"processor", desc.Processor,
		"target", desc.Target.String(),
	)
	return desc.JobID, nil
}

// Dequeue pops the oldest entry of queue, blocking up to wait. It returns
// nil, nil when the wait elapsed with nothing to deliver. Entries that fail
// to decode are logged and dropped, also surfacing as nil, nil, so a worker
// loop simply continues. Redis rounds waits below one second up to one
// second.
func (q *Queue) Dequeue(ctx context.Context, queue string, wait time.Duration) (*core.Descriptor, error) {
	if err := core.ValidateQueueName(queue); err != nil {
		return nil, err
	}
	if wait <= 0 {
		wait = time.Second
	}
	res, err := q.store.Redis().BLPop(ctx, wait, q.store.QueueKey(queue)).Result()
	if err != nil {
		if store.IsNil(err) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, store.Unavailable("dequeue", err)
	}
	if len(res) != 2 {
		return nil, store.Unavailable("dequeue", errors.New("unexpected BLPOP reply"))
	}
	var desc core.Descriptor
	if err := json.Unmarshal([]byte(res[1]), &desc); err != nil || desc.JobID == "" {
		if err == nil {
			err = errors.New("entry has no job id")
		}
		q.metrics.recordDequeue(ctx, queue, "malformed")
		q.logger.Warn("queue.entry.malformed", "queue", queue, "error", err, "bytes", len(res[1]))
		return nil, nil
	}
	q.metrics.recordDequeue(ctx, queue, "ok")
	return &desc, nil
}

// Len reports the number of entries waiting in queue.
func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	if err := core.ValidateQueueName(queue); err != nil {
		return 0, err
	}
	n, err := q.store.Redis().LLen(ctx, q.store.QueueKey(queue)).Result()
	if err != nil {
		return 0, store.Unavailable("queue length", err)
	}
	return n, nil
}
