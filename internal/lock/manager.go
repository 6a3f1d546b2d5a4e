// Package lock implements named, expiring, advisory locks over namespace
// paths. A lock is a single store key created with SET NX PX; the store
// enforces expiry, so a crashed holder blocks others for at most one TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/geodispatch/internal/backoff"
	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/store"
	"pkt.systems/pslog"
)

// DefaultMaxTTL caps user-supplied lock TTLs.
const DefaultMaxTTL = 24 * time.Hour

// ErrNotHeld is returned by Release and Refresh when the caller is not the
// current holder, including when the lock is absent. It is a logical error:
// nothing was modified.
var ErrNotHeld = errors.New("lock: not held by caller")

// Release and refresh compare the holder prefix of the stored value before
// touching the key, so a holder whose lock expired and was re-acquired by
// someone else cannot delete or extend the new lock.
var (
	releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local sep = string.find(v, '|', 1, true)
if not sep or string.sub(v, 1, sep - 1) ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)
	refreshScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local sep = string.find(v, '|', 1, true)
if not sep or string.sub(v, 1, sep - 1) ~= ARGV[1] then return 0 end
local rest = string.sub(v, sep + 1)
local sep2 = string.find(rest, '|', 1, true)
local acquired = rest
if sep2 then acquired = string.sub(rest, 1, sep2 - 1) end
redis.call('SET', KEYS[1], ARGV[1] .. '|' .. acquired .. '|' .. ARGV[2], 'PX', ARGV[2])
return 1
`)
)

// Config tunes a Manager.
type Config struct {
	MaxTTL time.Duration
	Clock  clock.Clock
}

// Manager acquires, refreshes, releases and inspects lock records.
type Manager struct {
	store   *store.Client
	clock   clock.Clock
	maxTTL  time.Duration
	logger  pslog.Logger
	metrics *lockMetrics
}

// New constructs a Manager bound to st.
func New(st *store.Client, cfg Config, logger pslog.Logger) *Manager {
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	logger = loggingutil.WithSubsystem(logger, "lock.manager")
	return &Manager{
		store:   st,
		clock:   clock.OrReal(cfg.Clock),
		maxTTL:  cfg.MaxTTL,
		logger:  logger,
		metrics: newLockMetrics(logger),
	}
}

// Acquire attempts to create the lock record for path. It reports true only
// when this call created the record. It never blocks or retries.
func (m *Manager) Acquire(ctx context.Context, path core.NamespacePath, holder string, ttl time.Duration) (bool, error) {
	if err := m.validate(path, holder, ttl); err != nil {
		return false, err
	}
	now := m.clock.Now()
	ok, err := m.store.Redis().SetNX(ctx, m.store.LockKey(path.String()), encodeRecord(holder, now, ttl), ttl).Result()
	if err != nil {
		m.metrics.recordAcquire(ctx, "error")
		return false, store.Unavailable("lock acquire", err)
	}
	logger := loggingutil.FromContext(ctx, m.logger)
	if !ok {
		m.metrics.recordAcquire(ctx, "contended")
		logger.Debug("lock.acquire.contended", "path", path.String(), "holder", holder)
		return false, nil
	}
	m.metrics.recordAcquire(ctx, "acquired")
	logger.Debug("lock.acquire.ok", "path", path.String(), "holder", holder, "ttl_ms", ttl.Milliseconds())
	return true, nil
}

// AcquireWait polls Acquire with backoff until it succeeds, wait elapses or
// ctx ends. A false result without error means the lock stayed contended.
func (m *Manager) AcquireWait(ctx context.Context, path core.NamespacePath, holder string, ttl, wait time.Duration) (bool, error) {
	deadline := m.clock.Now().Add(wait)
	b := backoff.New(backoff.LockPolicy)
	for {
		ok, err := m.Acquire(ctx, path, holder, ttl)
		if err != nil || ok {
			return ok, err
		}
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return false, nil
		}
		if err := clock.Sleep(ctx, m.clock, b.Next(remaining)); err != nil {
			return false, err
		}
	}
}

// Release deletes the lock at path when holder owns it. It returns
// ErrNotHeld, and deletes nothing, when the lock is absent or held by
// someone else.
func (m *Manager) Release(ctx context.Context, path core.NamespacePath, holder string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	n, err := releaseScript.Run(ctx, m.store.Redis(), []string{m.store.LockKey(path.String())}, holder).Int64()
	if err != nil {
		m.metrics.recordRelease(ctx, "error")
		return store.Unavailable("lock release", err)
	}
	logger := loggingutil.FromContext(ctx, m.logger)
	if n == 0 {
		m.metrics.recordRelease(ctx, "not_held")
		logger.Debug("lock.release.not_held", "path", path.String(), "holder", holder)
		return fmt.Errorf("release %s: %w", path, ErrNotHeld)
	}
	m.metrics.recordRelease(ctx, "released")
	logger.Debug("lock.release.ok", "path", path.String(), "holder", holder)
	return nil
}

// Refresh resets the TTL of a lock still held by holder.
func (m *Manager) Refresh(ctx context.Context, path core.NamespacePath, holder string, ttl time.Duration) error {
	if err := m.validate(path, holder, ttl); err != nil {
		return err
	}
	n, err := refreshScript.Run(ctx, m.store.Redis(), []string{m.store.LockKey(path.String())},
		holder, strconv.FormatInt(ttl.Milliseconds(), 10)).Int64()
	if err != nil {
		m.metrics.recordRefresh(ctx, "error")
		return store.Unavailable("lock refresh", err)
	}
	if n == 0 {
		m.metrics.recordRefresh(ctx, "not_held")
		return fmt.Errorf("refresh %s: %w", path, ErrNotHeld)
	}
	m.metrics.recordRefresh(ctx, "refreshed")
	return nil
}

// Status returns the current lock record for path, or nil when unlocked.
func (m *Manager) Status(ctx context.Context, path core.NamespacePath) (*core.LockRecord, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	key := m.store.LockKey(path.String())
	var (
		getCmd  *redis.StringCmd
		pttlCmd *redis.DurationCmd
	)
	_, err := m.store.Redis().Pipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, key)
		pttlCmd = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !store.IsNil(err) {
		return nil, store.Unavailable("lock status", err)
	}
	raw, err := getCmd.Result()
	if store.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("lock status", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		m.logger.Warn("lock.status.decode_failed", "path", path.String(), "error", err)
		return nil, err
	}
	rec.Path = path
	if remaining, err := pttlCmd.Result(); err == nil && remaining > 0 {
		rec.Remaining = remaining
	}
	return rec, nil
}

func (m *Manager) validate(path core.NamespacePath, holder string, ttl time.Duration) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := ValidateHolder(holder); err != nil {
		return err
	}
	if ttl < time.Millisecond {
		return core.Validation("lock ttl must be at least 1ms")
	}
	if ttl > m.maxTTL {
		return core.Validation("lock ttl %s exceeds maximum %s", ttl, m.maxTTL)
	}
	return nil
}

func validatePath(path core.NamespacePath) error {
	if path.IsZero() {
		return core.Validation("lock path is empty")
	}
	return path.Validate()
}

// ValidateHolder checks a holder identity.
func ValidateHolder(holder string) error {
	if strings.TrimSpace(holder) == "" {
		return core.Validation("lock holder is required")
	}
	if strings.ContainsRune(holder, '|') {
		return core.Validation("lock holder %q contains invalid character '|'", holder)
	}
	return nil
}

func encodeRecord(holder string, at time.Time, ttl time.Duration) string {
	return holder + "|" + strconv.FormatInt(at.UnixMilli(), 10) + "|" + strconv.FormatInt(ttl.Milliseconds(), 10)
}

func decodeRecord(raw string) (*core.LockRecord, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 3 || parts[0] == "" {
		return nil, fmt.Errorf("lock: malformed record %q", raw)
	}
	acquired, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lock: malformed acquisition time: %w", err)
	}
	ttl, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lock: malformed ttl: %w", err)
	}
	return &core.LockRecord{
		Holder:     parts[0],
		AcquiredAt: time.UnixMilli(acquired).UTC(),
		TTL:        time.Duration(ttl) * time.Millisecond,
	}, nil
}
