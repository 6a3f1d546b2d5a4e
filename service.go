package geodispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/geodispatch/internal/admission"
	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/dispatch"
	"pkt.systems/geodispatch/internal/httpapi"
	"pkt.systems/geodispatch/internal/ids"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/mapset"
	"pkt.systems/geodispatch/internal/notify"
	"pkt.systems/geodispatch/internal/runner"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/geodispatch/internal/store"
	"pkt.systems/pslog"
)

// Service owns the store connection and every component built on it. One
// Service backs a worker process, an HTTP front end, or both.
type Service struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	store      *store.Client
	notifier   notify.Notifier
	tracker    *status.Tracker
	queue      *jobqueue.Queue
	locks      *lock.Manager
	registry   *runner.Registry
	runner     *runner.Runner
	pool       *runner.Pool
	gate       *admission.Gate
	dispatcher *dispatch.Dispatcher
	handler    *httpapi.Handler

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	readyCh  chan struct{}
	ready    sync.Once
}

// Option customises NewService.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Redis      redis.UniversalClient
	Processors map[string]runner.Processor
	Sampler    admission.Sampler
}

// WithLogger sets the root logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock overrides the clock used for timestamps and waits.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithRedisClient supplies an already configured go-redis client instead of
// dialing Config.StoreURL. The Service closes it on Close.
func WithRedisClient(rdb redis.UniversalClient) Option {
	return func(o *options) { o.Redis = rdb }
}

// WithProcessor registers an additional processor kind.
func WithProcessor(name string, p runner.Processor) Option {
	return func(o *options) {
		if o.Processors == nil {
			o.Processors = make(map[string]runner.Processor)
		}
		o.Processors[name] = p
	}
}

// WithMemorySampler replaces the system memory sampler of the admission gate.
func WithMemorySampler(s admission.Sampler) Option {
	return func(o *options) { o.Sampler = s }
}

// NewService validates cfg, connects to the store and wires the components.
func NewService(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = loggingutil.NoopLogger()
	}
	clk := clock.OrReal(o.Clock)
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + ids.NewInstanceID()
	}
	logger = logger.With("worker", cfg.WorkerID)

	var (
		st  *store.Client
		err error
	)
	if o.Redis != nil {
		st = store.New(o.Redis, cfg.KeyPrefix, logger)
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	} else {
		st, err = store.Open(ctx, store.Config{URL: cfg.StoreURL, KeyPrefix: cfg.KeyPrefix}, logger)
		if err != nil {
			return nil, err
		}
	}
	notifier, err := notify.Open(notify.Config{Kind: cfg.Notifier, NATSURL: cfg.NATSURL, NATSSubject: cfg.NATSSubject}, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	policy, _ := status.ParseTimeoutPolicy(cfg.TimeoutPolicy)
	tracker := status.New(st, status.Config{
		Policy:    policy,
		Retention: cfg.JobRetention,
		Publisher: notifier,
		Clock:     clk,
	}, logger)
	queue := jobqueue.New(st, tracker, clk, logger)
	locks := lock.New(st, lock.Config{MaxTTL: cfg.MaxLockTTL, Clock: clk}, logger)

	registry := runner.NewRegistry()
	if cfg.GrassDatabase != "" {
		if err := mapset.Register(registry, mapset.Config{GrassDatabase: cfg.GrassDatabase, LockTTL: cfg.MapsetLockTTL}, locks, logger); err != nil {
			_ = notifier.Close()
			_ = st.Close()
			return nil, err
		}
	}
	for name, p := range o.Processors {
		if err := registry.Register(name, p); err != nil {
			_ = notifier.Close()
			_ = st.Close()
			return nil, err
		}
	}

	run := runner.New(tracker, locks, registry, runner.Config{
		Worker:   cfg.WorkerID,
		LockTTL:  cfg.LockTTL,
		LockWait: cfg.LockWait,
		Clock:    clk,
	}, logger)
	gate := admission.New(admission.Config{MaxMemoryPercent: cfg.MaxMemoryPercent, Sampler: o.Sampler, Clock: clk}, logger)
	pool := runner.NewPool(queue, run, runner.PoolConfig{
		Queues:      cfg.Queues,
		Concurrency: cfg.Concurrency,
		DequeueWait: cfg.DequeueWait,
		Gate:        gate,
		Clock:       clk,
	}, logger)
	dispatcher := dispatch.New(queue, tracker, notifier, dispatch.Config{
		Limits:          cfg.DescriptorLimits(),
		PollInterval:    cfg.PollInterval,
		PollMaxInterval: cfg.PollMaxInterval,
		Clock:           clk,
	}, logger)
	handler := httpapi.New(httpapi.Config{
		Dispatcher:   dispatcher,
		Tracker:      tracker,
		Locks:        locks,
		Store:        st,
		Logger:       logger,
		DefaultQueue: cfg.Queues[0],
		MaxWait:      cfg.MaxWait,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	logger.Info("service.ready",
		"store_prefix", st.Prefix(),
		"queues", cfg.Queues,
		"concurrency", cfg.Concurrency,
		"notifier", cfg.Notifier,
		"timeout_policy", cfg.TimeoutPolicy,
		"processors", registry.Names(),
	)
	return &Service{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		store:      st,
		notifier:   notifier,
		tracker:    tracker,
		queue:      queue,
		locks:      locks,
		registry:   registry,
		runner:     run,
		pool:       pool,
		gate:       gate,
		dispatcher: dispatcher,
		handler:    handler,
		readyCh:    make(chan struct{}),
	}, nil
}

// Config returns the validated configuration.
func (s *Service) Config() Config { return s.cfg }

// Dispatcher returns the submitting side.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Tracker returns the status tracker.
func (s *Service) Tracker() *status.Tracker { return s.tracker }

// Locks returns the lock manager.
func (s *Service) Locks() *lock.Manager { return s.locks }

// Queue returns the job queue.
func (s *Service) Queue() *jobqueue.Queue { return s.queue }

// Registry returns the processor registry. Register processors before
// RunWorker.
func (s *Service) Registry() *runner.Registry { return s.registry }

// Handler returns the HTTP surface.
func (s *Service) Handler() http.Handler { return s.handler.Handler() }

// SetMaxMemoryPercent changes the admission threshold of a running worker.
func (s *Service) SetMaxMemoryPercent(p float64) { s.gate.SetMaxMemoryPercent(p) }

// RunWorker consumes the configured queues until ctx ends, then waits for
// in-flight jobs to finish.
func (s *Service) RunWorker(ctx context.Context) error {
	s.logger.Info("worker.start", "queues", s.cfg.Queues, "concurrency", s.cfg.Concurrency)
	err := s.pool.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("worker.stop", "error", err)
	return err
}

// Serve runs the HTTP surface on Config.Listen until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.ready.Do(func() { close(s.readyCh) })

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http.listening", "address", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// WaitUntilReady blocks until Serve has bound its listener.
func (s *Service) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound HTTP address once Serve is running.
func (s *Service) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close releases the notifier and the store connection.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	var errs []error
	if err := s.notifier.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notifier close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
