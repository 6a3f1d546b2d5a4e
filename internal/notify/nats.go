package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultNATSSubject prefixes per-job subjects.
const DefaultNATSSubject = "geodispatch.events.job"

const flushTimeout = 2 * time.Second

// NATS publishes terminal states on <subject>.<job id>.
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  pslog.Logger
}

// DialNATS connects to url, reconnecting forever in the background.
func DialNATS(url, subject string, logger pslog.Logger) (*NATS, error) {
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultNATSSubject
	}
	logger = loggingutil.WithSubsystem(logger, "notify.nats")
	nc, err := nats.Connect(url,
		nats.Name("geodispatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("notify.nats.disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("notify.nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, core.Failure{Code: core.CodeStoreUnavailable, Detail: "nats connect: " + err.Error(), HTTPStatus: 503, Err: err}
	}
	logger.Info("notify.nats.connected", "url", nc.ConnectedUrl(), "subject", subject)
	return &NATS{nc: nc, subject: subject, logger: logger}, nil
}

func (n *NATS) subjectFor(jobID string) string { return n.subject + "." + jobID }

func (n *NATS) Publish(_ context.Context, jobID string, state core.State) error {
	payload, err := encodeEvent(jobID, state)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subjectFor(jobID), payload)
}

// Subscribe flushes after registering so the server knows about the
// interest before the caller reads the status record.
func (n *NATS) Subscribe(_ context.Context, jobID string) (<-chan core.State, func(), error) {
	out := make(chan core.State, 1)
	sub, err := n.nc.Subscribe(n.subjectFor(jobID), func(msg *nats.Msg) {
		state, err := decodeEvent(jobID, msg.Data)
		if err != nil {
			n.logger.Warn("notify.event.malformed", "job_id", jobID, "error", err)
			return
		}
		deliver(out, state)
	})
	if err != nil {
		return nil, func() {}, err
	}
	if err := n.nc.FlushTimeout(flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, func() {}, err
	}
	var once sync.Once
	return out, func() { once.Do(func() { _ = sub.Unsubscribe() }) }, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	if n == nil || n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
