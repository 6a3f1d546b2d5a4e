package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/geodispatch"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/pathutil"
	"pkt.systems/pslog"
)

const envPrefix = "GEODISPATCH"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "geodispatch")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries the state shared by every subcommand: one viper instance
// bound to the persistent flags and the base logger.
type app struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	configFile string
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: viper.New(), baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:           "geodispatch",
		Short:         "geodispatch queues long geoprocessing jobs and serializes access to GRASS locations and mapsets",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run a worker against a local Redis, consuming the default and long queues
  geodispatch worker --store redis://127.0.0.1:6379/0 --grass-database /actinia/grassdb

  # Serve the HTTP surface and run a worker in the same process
  geodispatch serve --worker --listen :8088

  # Submit a job and wait up to a minute for the result
  geodispatch job submit --processor mapset.list --target nc_spm_08 --principal alice --wait 1m

  # Who holds the lock on a mapset?
  geodispatch lock status nc_spm_08/PERMANENT
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.geodispatch/config.yaml when present)")
	pf.String("env-file", "", "dotenv file loaded before reading "+envPrefix+"_* variables (defaults to ./.env when present)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("store", geodispatch.DefaultStoreURL, "Redis URL (redis:// or rediss://)")
	pf.String("key-prefix", geodispatch.DefaultKeyPrefix, "prefix for every store key")
	pf.String("notifier", geodispatch.DefaultNotifier, "completion notifier (redis, nats, none)")
	pf.String("nats-url", "", "NATS server URL for --notifier nats")
	pf.String("nats-subject", "", "NATS subject prefix for completion events")
	pf.String("timeout-policy", "supersede", "what a late worker does to a timed out job (supersede, sticky, observe)")
	pf.Duration("job-retention", geodispatch.DefaultJobRetention, "how long terminal job records are kept")
	pf.Duration("default-job-timeout", geodispatch.DefaultJobTimeout, "processing timeout for jobs that do not set one")
	pf.Duration("max-job-timeout", geodispatch.DefaultMaxJobTimeout, "upper bound on job processing timeouts")
	pf.String("max-chain", humanizeBytes(geodispatch.DefaultMaxChainBytes), "maximum processing chain size (e.g. 4MB)")
	pf.Duration("poll-interval", geodispatch.DefaultPollInterval, "first sleep of a blocking wait")
	pf.Duration("poll-max-interval", geodispatch.DefaultPollMaxInterval, "longest sleep of a blocking wait")
	pf.String("grass-database", "", "GRASS database root; enables the mapset processors")
	pf.Duration("mapset-lock-ttl", geodispatch.DefaultMapsetLockTTL, "lifetime of administrative mapset locks")
	pf.Duration("max-lock-ttl", 0, "upper bound on any lock ttl (0 selects the default)")
	pf.StringSlice("queues", geodispatch.DefaultQueues(), "queues consumed by workers")
	pf.Int("concurrency", geodispatch.DefaultConcurrency, "jobs a worker runs at the same time")
	pf.String("worker-id", "", "worker identity in status records and lock holders (generated when empty)")
	pf.Duration("dequeue-wait", 0, "blocking pop timeout, at least 1s (0 selects the default)")
	pf.Duration("lock-ttl", geodispatch.DefaultLockTTL, "job lock ttl between refreshes")
	pf.Duration("lock-wait", geodispatch.DefaultLockWait, "how long a job waits for a contended lock (0 fails fast)")
	pf.Float64("max-memory-percent", 0, "pause dequeuing above this system memory use (0 disables)")
	pf.String("listen", geodispatch.DefaultListen, "HTTP listen address for serve")
	pf.String("max-body", "", "maximum submit request body (e.g. 8MB)")
	pf.Duration("max-wait", 0, "longest ?wait= accepted on HTTP submissions (0 selects the default)")
	pf.String("metrics-listen", geodispatch.DefaultMetricsListen, "Prometheus scrape address (empty disables)")
	pf.Bool("enable-profiling-metrics", false, "export Go runtime metrics and pprof on the metrics listener")
	pf.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	pf.Duration("shutdown-timeout", geodispatch.DefaultShutdownTimeout, "how long serve waits for in-flight requests")

	pf.VisitAll(func(f *pflag.Flag) {
		if err := a.v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd.AddCommand(newWorkerCommand(a))
	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newJobCommand(a))
	cmd.AddCommand(newLockCommand(a))
	cmd.AddCommand(newConfigCommand(a))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// load reads the dotenv and YAML config files. Flags beat env beat file
// beat defaults.
func (a *app) load() error {
	envFile := strings.TrimSpace(a.v.GetString("env-file"))
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %q: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
	path, err := a.configPath()
	if err != nil || path == "" {
		return err
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	a.configFile = path
	return nil
}

func (a *app) configPath() (string, error) {
	raw := strings.TrimSpace(a.v.GetString("config"))
	explicit := raw != ""
	if !explicit {
		def, err := geodispatch.DefaultConfigPath()
		if err != nil {
			return "", nil
		}
		raw = def
	}
	path, err := pathutil.Expand(raw)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", raw, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", path)
	}
	return path, nil
}

// logger applies --log-level to the base logger.
func (a *app) logger(subsystem string) pslog.Logger {
	logger := a.baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(a.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return loggingutil.WithSubsystem(logger, subsystem)
}

// serviceConfig maps the bound keys onto geodispatch.Config.
func (a *app) serviceConfig() (geodispatch.Config, error) {
	v := a.v
	cfg := geodispatch.Config{
		StoreURL:               v.GetString("store"),
		KeyPrefix:              v.GetString("key-prefix"),
		Queues:                 splitList(v.GetStringSlice("queues")),
		Concurrency:            v.GetInt("concurrency"),
		WorkerID:               v.GetString("worker-id"),
		DequeueWait:            v.GetDuration("dequeue-wait"),
		LockTTL:                v.GetDuration("lock-ttl"),
		LockWait:               v.GetDuration("lock-wait"),
		MaxLockTTL:             v.GetDuration("max-lock-ttl"),
		MapsetLockTTL:          v.GetDuration("mapset-lock-ttl"),
		GrassDatabase:          v.GetString("grass-database"),
		DefaultJobTimeout:      v.GetDuration("default-job-timeout"),
		MaxJobTimeout:          v.GetDuration("max-job-timeout"),
		PollInterval:           v.GetDuration("poll-interval"),
		PollMaxInterval:        v.GetDuration("poll-max-interval"),
		TimeoutPolicy:          v.GetString("timeout-policy"),
		JobRetention:           v.GetDuration("job-retention"),
		Notifier:               v.GetString("notifier"),
		NATSURL:                v.GetString("nats-url"),
		NATSSubject:            v.GetString("nats-subject"),
		MaxMemoryPercent:       v.GetFloat64("max-memory-percent"),
		Listen:                 v.GetString("listen"),
		MaxWait:                v.GetDuration("max-wait"),
		MetricsListen:          v.GetString("metrics-listen"),
		OTLPEndpoint:           v.GetString("otlp-endpoint"),
		EnableProfilingMetrics: v.GetBool("enable-profiling-metrics"),
		ShutdownTimeout:        v.GetDuration("shutdown-timeout"),
	}
	var err error
	if cfg.MaxChainBytes, err = parseBytes(v.GetString("max-chain")); err != nil {
		return cfg, fmt.Errorf("parse max-chain: %w", err)
	}
	if cfg.MaxBodyBytes, err = parseBytes(v.GetString("max-body")); err != nil {
		return cfg, fmt.Errorf("parse max-body: %w", err)
	}
	if gd := strings.TrimSpace(cfg.GrassDatabase); gd != "" {
		if cfg.GrassDatabase, err = pathutil.Expand(gd); err != nil {
			return cfg, fmt.Errorf("expand grass-database: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openService connects a Service for client commands and long-running ones.
func (a *app) openService(ctx context.Context, subsystem string) (*geodispatch.Service, error) {
	cfg, err := a.serviceConfig()
	if err != nil {
		return nil, err
	}
	return geodispatch.NewService(ctx, cfg, geodispatch.WithLogger(a.logger(subsystem)))
}

// splitList accepts both repeated values and a comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytes(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
