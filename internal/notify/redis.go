package notify

import (
	"context"
	"sync"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/store"
	"pkt.systems/pslog"
)

// Redis publishes on the per-job events channel of the shared store.
type Redis struct {
	store  *store.Client
	logger pslog.Logger
}

// NewRedis returns a notifier bound to st.
func NewRedis(st *store.Client, logger pslog.Logger) *Redis {
	return &Redis{store: st, logger: loggingutil.WithSubsystem(logger, "notify.redis")}
}

func (r *Redis) Publish(ctx context.Context, jobID string, state core.State) error {
	payload, err := encodeEvent(jobID, state)
	if err != nil {
		return err
	}
	if err := r.store.Redis().Publish(ctx, r.store.EventChannel(jobID), payload).Err(); err != nil {
		return store.Unavailable("notify publish", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by the server, so a
// status read made afterwards cannot miss an event published in between.
func (r *Redis) Subscribe(ctx context.Context, jobID string) (<-chan core.State, func(), error) {
	ps := r.store.Redis().Subscribe(ctx, r.store.EventChannel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, func() {}, store.Unavailable("notify subscribe", err)
	}
	out := make(chan core.State, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			state, err := decodeEvent(jobID, []byte(msg.Payload))
			if err != nil {
				r.logger.Warn("notify.event.malformed", "job_id", jobID, "error", err)
				continue
			}
			deliver(out, state)
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}
	return out, cancel, nil
}

// Close is a no-op; the store client is owned by the caller.
func (r *Redis) Close() error { return nil }
