// Package store wraps the shared Redis instance that carries every piece of
// cross-process state: lock records, job status records, queues and
// completion events. Nothing here is process-global; callers construct a
// Client, pass it to the components that need it and Close it on shutdown.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	// DefaultURL points at a local Redis when nothing is configured.
	DefaultURL = "redis://127.0.0.1:6379/0"
	// DefaultKeyPrefix namespaces every key written by geodispatch.
	DefaultKeyPrefix = "geodispatch:"
	// DefaultDialTimeout bounds how long Open waits for the first connection.
	DefaultDialTimeout = 5 * time.Second
)

// ErrUnavailable marks errors caused by the store rather than by the caller.
var ErrUnavailable = errors.New("store: unavailable")

// Config configures the Redis connection.
type Config struct {
	URL          string
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Client is the connected handle shared by the lock manager, queue and
// status tracker.
type Client struct {
	rdb    redis.UniversalClient
	prefix string
	logger pslog.Logger
}

// Open parses cfg, connects and verifies the connection with PING.
func Open(ctx context.Context, cfg Config, logger pslog.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		raw = DefaultURL
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, core.Validation("store url: %v", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	} else {
		opts.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	c := New(redis.NewClient(opts), cfg.KeyPrefix, logger)
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	c.logger.Info("store.connected", "addr", opts.Addr, "db", opts.DB, "prefix", c.prefix)
	return c, nil
}

// New wraps an existing go-redis client. An empty prefix selects
// DefaultKeyPrefix.
func New(rdb redis.UniversalClient, prefix string, logger pslog.Logger) *Client {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Client{
		rdb:    rdb,
		prefix: prefix,
		logger: loggingutil.WithSubsystem(logger, "store.redis"),
	}
}

// Redis exposes the underlying client for components issuing commands.
func (c *Client) Redis() redis.UniversalClient { return c.rdb }

// Prefix returns the key prefix in use.
func (c *Client) Prefix() string { return c.prefix }

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return Unavailable("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	c.logger.Info("store.closed")
	return nil
}

// LockKey returns the key holding the lock record for path.
func (c *Client) LockKey(path string) string { return c.prefix + "lock:" + path }

// JobKey returns the key holding the status hash of a job.
func (c *Client) JobKey(id string) string { return c.prefix + "job:" + id }

// JobLogKey returns the key holding the progress log of a job.
func (c *Client) JobLogKey(id string) string { return c.prefix + "job:" + id + ":log" }

// QueueKey returns the list key backing a queue.
func (c *Client) QueueKey(name string) string { return c.prefix + "queue:" + name }

// EventChannel returns the pub/sub channel terminal events for id go to.
func (c *Client) EventChannel(id string) string { return c.prefix + "events:job:" + id }

// Unavailable converts a store error into a store_unavailable Failure. It
// returns nil for nil errors and passes context errors through untouched.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return core.Failure{
		Code:       core.CodeStoreUnavailable,
		Detail:     fmt.Sprintf("%s: %v", op, err),
		HTTPStatus: 503,
		Err:        fmt.Errorf("%w: %w", ErrUnavailable, err),
	}
}

// IsNil reports whether err is the go-redis "no such key" sentinel.
func IsNil(err error) bool { return errors.Is(err, redis.Nil) }
