package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/geodispatch"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage geodispatch configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	cmd.AddCommand(newConfigShowCommand(a))
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
		stdout  bool
	)
	defaultOutput := "$HOME/.geodispatch/config.yaml"
	if p, err := geodispatch.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default geodispatch configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := yaml.Marshal(defaultFileConfig())
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				if outPath, err = geodispatch.DefaultConfigPath(); err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

func newConfigShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after flags, environment and file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.serviceConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(fileConfigFrom(cfg, a.v.GetString("log-level")))
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// fileConfig is the YAML layout; keys match the flag names viper binds.
type fileConfig struct {
	Store                  string   `yaml:"store"`
	KeyPrefix              string   `yaml:"key-prefix"`
	LogLevel               string   `yaml:"log-level"`
	Queues                 []string `yaml:"queues"`
	Concurrency            int      `yaml:"concurrency"`
	WorkerID               string   `yaml:"worker-id"`
	DequeueWait            string   `yaml:"dequeue-wait"`
	LockTTL                string   `yaml:"lock-ttl"`
	LockWait               string   `yaml:"lock-wait"`
	MaxLockTTL             string   `yaml:"max-lock-ttl"`
	MapsetLockTTL          string   `yaml:"mapset-lock-ttl"`
	GrassDatabase          string   `yaml:"grass-database"`
	DefaultJobTimeout      string   `yaml:"default-job-timeout"`
	MaxJobTimeout          string   `yaml:"max-job-timeout"`
	MaxChain               string   `yaml:"max-chain"`
	PollInterval           string   `yaml:"poll-interval"`
	PollMaxInterval        string   `yaml:"poll-max-interval"`
	TimeoutPolicy          string   `yaml:"timeout-policy"`
	JobRetention           string   `yaml:"job-retention"`
	Notifier               string   `yaml:"notifier"`
	NATSURL                string   `yaml:"nats-url"`
	NATSSubject            string   `yaml:"nats-subject"`
	MaxMemoryPercent       float64  `yaml:"max-memory-percent"`
	Listen                 string   `yaml:"listen"`
	MaxWait                string   `yaml:"max-wait"`
	MetricsListen          string   `yaml:"metrics-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
}

func defaultFileConfig() fileConfig {
	var cfg geodispatch.Config
	// the zero config always validates
	_ = cfg.Validate()
	return fileConfigFrom(cfg, "info")
}

func fileConfigFrom(cfg geodispatch.Config, logLevel string) fileConfig {
	fc := fileConfig{
		Store:                  cfg.StoreURL,
		KeyPrefix:              cfg.KeyPrefix,
		LogLevel:               logLevel,
		Queues:                 cfg.Queues,
		Concurrency:            cfg.Concurrency,
		WorkerID:               cfg.WorkerID,
		DequeueWait:            cfg.DequeueWait.String(),
		LockTTL:                cfg.LockTTL.String(),
		LockWait:               cfg.LockWait.String(),
		MaxLockTTL:             cfg.MaxLockTTL.String(),
		MapsetLockTTL:          cfg.MapsetLockTTL.String(),
		GrassDatabase:          cfg.GrassDatabase,
		DefaultJobTimeout:      cfg.DefaultJobTimeout.String(),
		MaxJobTimeout:          cfg.MaxJobTimeout.String(),
		MaxChain:               humanizeBytes(cfg.MaxChainBytes),
		PollInterval:           cfg.PollInterval.String(),
		PollMaxInterval:        cfg.PollMaxInterval.String(),
		TimeoutPolicy:          cfg.TimeoutPolicy,
		JobRetention:           cfg.JobRetention.String(),
		Notifier:               cfg.Notifier,
		NATSURL:                cfg.NATSURL,
		NATSSubject:            cfg.NATSSubject,
		MaxMemoryPercent:       cfg.MaxMemoryPercent,
		Listen:                 cfg.Listen,
		MetricsListen:          cfg.MetricsListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		OTLPEndpoint:           cfg.OTLPEndpoint,
		ShutdownTimeout:        cfg.ShutdownTimeout.String(),
	}
	if cfg.MaxWait > 0 {
		fc.MaxWait = cfg.MaxWait.String()
	}
	return fc
}
