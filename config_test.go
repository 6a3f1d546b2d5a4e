package geodispatch

import (
	"strings"
	"testing"
	"time"

	"pkt.systems/geodispatch/internal/notify"
	"pkt.systems/geodispatch/internal/status"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StoreURL != DefaultStoreURL || cfg.KeyPrefix != DefaultKeyPrefix {
		t.Fatalf("unexpected store defaults %q %q", cfg.StoreURL, cfg.KeyPrefix)
	}
	if strings.Join(cfg.Queues, ",") != "default,long" {
		t.Fatalf("unexpected queues %v", cfg.Queues)
	}
	if cfg.Concurrency != DefaultConcurrency || cfg.LockTTL != DefaultLockTTL || cfg.MapsetLockTTL != DefaultMapsetLockTTL {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TimeoutPolicy != string(status.PolicySupersede) || cfg.Notifier != notify.KindRedis {
		t.Fatalf("unexpected policy/notifier %q %q", cfg.TimeoutPolicy, cfg.Notifier)
	}
	limits := cfg.DescriptorLimits()
	if limits.DefaultTimeout != DefaultJobTimeout || limits.MaxChainBytes != DefaultMaxChainBytes {
		t.Fatalf("unexpected limits %+v", limits)
	}
}

func TestConfigValidateDeduplicatesQueues(t *testing.T) {
	cfg := Config{Queues: []string{" long ", "long", "", "default"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if strings.Join(cfg.Queues, ",") != "long,default" {
		t.Fatalf("unexpected queues %v", cfg.Queues)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad queue", Config{Queues: []string{"has space"}}, "queue"},
		{"only blank queues", Config{Queues: []string{" "}}, "at least one queue"},
		{"short dequeue wait", Config{DequeueWait: 100 * time.Millisecond}, "dequeue wait"},
		{"lock ttl over max", Config{LockTTL: 2 * time.Hour, MaxLockTTL: time.Hour}, "max lock ttl"},
		{"negative lock wait", Config{LockWait: -time.Second}, "lock wait"},
		{"timeouts inverted", Config{DefaultJobTimeout: time.Hour, MaxJobTimeout: time.Minute}, "max job timeout"},
		{"poll inverted", Config{PollInterval: time.Second, PollMaxInterval: time.Millisecond}, "poll max interval"},
		{"unknown policy", Config{TimeoutPolicy: "eventually"}, "timeout policy"},
		{"unknown notifier", Config{Notifier: "carrier-pigeon"}, "unknown notifier"},
		{"nats without url", Config{Notifier: "nats"}, "nats url"},
		{"memory out of range", Config{MaxMemoryPercent: 120}, "max memory percent"},
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
		{"pipe in worker id", Config{WorkerID: "a|b"}, "worker id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GEODISPATCH_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("expected %q, got %q", dir, got)
	}
	path, err := DefaultConfigPath()
	if err != nil || !strings.HasSuffix(path, "config.yaml") {
		t.Fatalf("unexpected config path %q %v", path, err)
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9000", otlpTarget{protocol: "grpc", endpoint: "collector:9000", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector/v1/traces", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector:443", otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.raw, tc.want, got)
		}
	}
	if _, err := resolveOTLPTarget("ftp://collector"); err == nil {
		t.Fatalf("expected unknown scheme error")
	}
}
