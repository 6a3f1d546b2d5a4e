// Package notify announces terminal job states so blocked waiters can stop
// polling early. Notifications are hints: a waiter that misses one still
// reaches the same answer through the status record.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/store"
	"pkt.systems/pslog"
)

// Notifier kinds accepted by Open.
const (
	KindRedis = "redis"
	KindNATS  = "nats"
	KindNone  = "none"
)

// Publisher emits a terminal state for a job.
type Publisher interface {
	Publish(ctx context.Context, jobID string, state core.State) error
}

// Subscriber delivers the terminal states published for one job. The
// returned cancel func releases the subscription and must always be called.
type Subscriber interface {
	Subscribe(ctx context.Context, jobID string) (<-chan core.State, func(), error)
}

// Notifier is both ends plus a lifecycle.
type Notifier interface {
	Publisher
	Subscriber
	Close() error
}

// Config selects and configures a Notifier.
type Config struct {
	Kind        string
	NATSURL     string
	NATSSubject string
}

// Open builds the notifier cfg names. The redis notifier reuses st.
func Open(cfg Config, st *store.Client, logger pslog.Logger) (Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindRedis:
		return NewRedis(st, logger), nil
	case KindNATS:
		return DialNATS(cfg.NATSURL, cfg.NATSSubject, logger)
	case KindNone:
		return None{}, nil
	}
	return nil, core.Validation("unknown notifier %q (want redis, nats or none)", cfg.Kind)
}

type event struct {
	JobID string     `json:"job_id"`
	State core.State `json:"state"`
}

func encodeEvent(jobID string, state core.State) ([]byte, error) {
	return json.Marshal(event{JobID: jobID, State: state})
}

func decodeEvent(jobID string, payload []byte) (core.State, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", fmt.Errorf("notify: decode event: %w", err)
	}
	if ev.JobID != jobID || !ev.State.Valid() {
		return "", fmt.Errorf("notify: unexpected event %+v for job %s", ev, jobID)
	}
	return ev.State, nil
}

// deliver hands state to a one-slot channel without blocking. Waiters only
// need to know that something changed.
func deliver(ch chan core.State, state core.State) {
	select {
	case ch <- state:
	default:
	}
}

// None never notifies. Waiters fall back to polling alone.
type None struct{}

func (None) Publish(context.Context, string, core.State) error { return nil }

func (None) Subscribe(context.Context, string) (<-chan core.State, func(), error) {
	return nil, func() {}, nil
}

func (None) Close() error { return nil }
