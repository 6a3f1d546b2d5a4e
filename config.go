package geodispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/dispatch"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/mapset"
	"pkt.systems/geodispatch/internal/notify"
	"pkt.systems/geodispatch/internal/runner"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/geodispatch/internal/store"
)

const (
	// DefaultStoreURL is the Redis instance used when none is configured.
	DefaultStoreURL = store.DefaultURL
	// DefaultKeyPrefix namespaces every key geodispatch writes.
	DefaultKeyPrefix = store.DefaultKeyPrefix
	// DefaultListen is the HTTP listener for `geodispatch serve`.
	DefaultListen = ":8088"
	// DefaultMetricsListen is the Prometheus scrape endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultConcurrency is how many jobs one worker process runs at a time.
	DefaultConcurrency = 4
	// DefaultLockTTL is the lifetime of a job lock between refreshes.
	DefaultLockTTL = runner.DefaultLockTTL
	// DefaultLockWait is how long a job waits for contended locks. Zero fails
	// fast with LockContention.
	DefaultLockWait = time.Duration(0)
	// DefaultMapsetLockTTL is the lifetime of administrative mapset locks.
	DefaultMapsetLockTTL = mapset.DefaultLockTTL
	// DefaultJobTimeout applies to descriptors without a timeout.
	DefaultJobTimeout = 10 * time.Minute
	// DefaultMaxJobTimeout caps descriptor timeouts.
	DefaultMaxJobTimeout = 24 * time.Hour
	// DefaultMaxChainBytes caps the serialized processing chain.
	DefaultMaxChainBytes int64 = 4 << 20
	// DefaultPollInterval is the first sleep of a blocking wait.
	DefaultPollInterval = dispatch.DefaultPollInterval
	// DefaultPollMaxInterval caps the sleep of a blocking wait.
	DefaultPollMaxInterval = dispatch.DefaultPollMaxInterval
	// DefaultJobRetention is how long terminal status records are kept.
	DefaultJobRetention = status.DefaultRetention
	// DefaultNotifier selects the completion notification transport.
	DefaultNotifier = notify.KindRedis
	// DefaultShutdownTimeout bounds the drain of in-flight jobs.
	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultQueues lists the queues a worker consumes when none are configured.
func DefaultQueues() []string { return []string{jobqueue.DefaultQueue, jobqueue.LongQueue} }

// Config captures the tunables of a geodispatch service or worker.
type Config struct {
	// StoreURL is a redis:// or rediss:// URL.
	StoreURL string
	// KeyPrefix is prepended to every store key.
	KeyPrefix string

	// Queues consumed by workers, in no particular priority.
	Queues []string
	// Concurrency bounds simultaneously running jobs per worker process.
	Concurrency int
	// WorkerID names this worker in status records and lock holders. Empty
	// generates one.
	WorkerID string
	// DequeueWait is the blocking pop timeout, at least one second.
	DequeueWait time.Duration

	LockTTL       time.Duration
	LockWait      time.Duration
	MaxLockTTL    time.Duration
	MapsetLockTTL time.Duration
	// GrassDatabase is the root of the GRASS database mapset processors act
	// on. Empty disables the mapset processors.
	GrassDatabase string

	DefaultJobTimeout time.Duration
	MaxJobTimeout     time.Duration
	MaxChainBytes     int64

	PollInterval    time.Duration
	PollMaxInterval time.Duration
	// TimeoutPolicy is supersede, sticky or observe.
	TimeoutPolicy string
	JobRetention  time.Duration

	// Notifier is redis, nats or none.
	Notifier    string
	NATSURL     string
	NATSSubject string

	// MaxMemoryPercent pauses dequeuing while system memory use is above the
	// threshold. Zero disables the gate.
	MaxMemoryPercent float64

	Listen                 string
	MaxBodyBytes           int64
	MaxWait                time.Duration
	MetricsListen          string
	OTLPEndpoint           string
	EnableProfilingMetrics bool
	ShutdownTimeout        time.Duration
}

// Validate normalises the configuration, applying defaults and returning an
// error for values that cannot work.
func (c *Config) Validate() error {
	c.StoreURL = strings.TrimSpace(c.StoreURL)
	if c.StoreURL == "" {
		c.StoreURL = DefaultStoreURL
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if len(c.Queues) == 0 {
		c.Queues = DefaultQueues()
	}
	queues := make([]string, 0, len(c.Queues))
	for _, q := range c.Queues {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if err := core.ValidateQueueName(q); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if !slices.Contains(queues, q) {
			queues = append(queues, q)
		}
	}
	if len(queues) == 0 {
		return fmt.Errorf("config: at least one queue is required")
	}
	c.Queues = queues
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if strings.ContainsRune(c.WorkerID, '|') {
		return fmt.Errorf("config: worker id %q contains invalid character '|'", c.WorkerID)
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = runner.DefaultDequeueWait
	} else if c.DequeueWait < time.Second {
		return fmt.Errorf("config: dequeue wait must be at least 1s")
	}
	if c.MaxLockTTL <= 0 {
		c.MaxLockTTL = lock.DefaultMaxTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.MapsetLockTTL <= 0 {
		c.MapsetLockTTL = DefaultMapsetLockTTL
	}
	if c.LockTTL > c.MaxLockTTL || c.MapsetLockTTL > c.MaxLockTTL {
		return fmt.Errorf("config: lock ttls must be <= max lock ttl %s", c.MaxLockTTL)
	}
	if c.LockWait < 0 {
		return fmt.Errorf("config: lock wait must be >= 0")
	}
	if c.DefaultJobTimeout <= 0 {
		c.DefaultJobTimeout = DefaultJobTimeout
	}
	if c.MaxJobTimeout <= 0 {
		c.MaxJobTimeout = DefaultMaxJobTimeout
	}
	if c.MaxJobTimeout < c.DefaultJobTimeout {
		return fmt.Errorf("config: max job timeout must be >= default job timeout")
	}
	if c.MaxChainBytes <= 0 {
		c.MaxChainBytes = DefaultMaxChainBytes
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollMaxInterval <= 0 {
		c.PollMaxInterval = DefaultPollMaxInterval
	}
	if c.PollMaxInterval < c.PollInterval {
		return fmt.Errorf("config: poll max interval must be >= poll interval")
	}
	policy, err := status.ParseTimeoutPolicy(c.TimeoutPolicy)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.TimeoutPolicy = string(policy)
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	c.Notifier = strings.ToLower(strings.TrimSpace(c.Notifier))
	if c.Notifier == "" {
		c.Notifier = DefaultNotifier
	}
	switch c.Notifier {
	case notify.KindRedis, notify.KindNone:
	case notify.KindNATS:
		if strings.TrimSpace(c.NATSURL) == "" {
			return fmt.Errorf("config: nats notifier requires a nats url")
		}
	default:
		return fmt.Errorf("config: unknown notifier %q (options: redis, nats, none)", c.Notifier)
	}
	if c.NATSSubject == "" {
		c.NATSSubject = notify.DefaultNATSSubject
	}
	if c.MaxMemoryPercent < 0 || c.MaxMemoryPercent > 100 {
		return fmt.Errorf("config: max memory percent must be within 0..100")
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DescriptorLimits returns the validation bounds applied to submissions.
func (c Config) DescriptorLimits() core.DescriptorLimits {
	return core.DescriptorLimits{
		DefaultTimeout: c.DefaultJobTimeout,
		MaxTimeout:     c.MaxJobTimeout,
		MaxChainBytes:  c.MaxChainBytes,
	}
}

// DefaultConfigDir returns the default configuration directory
// ($HOME/.geodispatch), overridable with GEODISPATCH_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("GEODISPATCH_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".geodispatch"), nil
}

// DefaultConfigPath returns the default YAML config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
