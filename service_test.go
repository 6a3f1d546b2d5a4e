package geodispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/runner"
)

func newTestService(t *testing.T, cfg Config, opts ...Option) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	opts = append(opts, WithRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})))
	svc, err := NewService(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func runWorker(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunWorker(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("worker: %v", err)
		}
	})
}

func TestServiceRunsMapsetJob(t *testing.T) {
	root := t.TempDir()
	perm := filepath.Join(root, "nc_spm_08", "PERMANENT")
	if err := os.MkdirAll(perm, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(perm, "WIND"), []byte("north: 10\nsouth: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := newTestService(t, Config{GrassDatabase: root, Queues: []string{jobqueue.DefaultQueue}, PollInterval: 20 * time.Millisecond})
	runWorker(t, svc)

	out, err := svc.Dispatcher().SubmitAndWait(context.Background(), jobqueue.DefaultQueue, core.Descriptor{
		Processor: "mapset.list",
		Target:    core.MustPath("nc_spm_08"),
		Principal: "alice",
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State != core.StateFinished {
		t.Fatalf("expected finished, got %+v", out)
	}
	var body struct {
		Mapsets []string `json:"mapsets"`
	}
	if err := json.Unmarshal(out.Result, &body); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(body.Mapsets) != 1 || body.Mapsets[0] != "PERMANENT" {
		t.Fatalf("unexpected mapsets %v", body.Mapsets)
	}
}

func TestServiceExtraProcessor(t *testing.T) {
	svc := newTestService(t, Config{Queues: []string{"long"}, PollInterval: 20 * time.Millisecond},
		WithProcessor("echo", runner.ProcessorFunc(func(_ context.Context, exec *runner.Execution) (json.RawMessage, error) {
			return exec.Descriptor.Chain, nil
		})))
	if names := svc.Registry().Names(); len(names) != 1 || names[0] != "echo" {
		t.Fatalf("mapset processors must be absent without a grass database, got %v", names)
	}
	runWorker(t, svc)
	out, err := svc.Dispatcher().SubmitAndWait(context.Background(), "long", core.Descriptor{
		Processor: "echo",
		Principal: "alice",
		Chain:     json.RawMessage(`[{"module":"r.info"}]`),
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.State != core.StateFinished || string(out.Result) != `[{"module":"r.info"}]` {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestServiceServeHealthz(t *testing.T) {
	svc := newTestService(t, Config{Listen: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	readyCtx, readyCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readyCancel()
	if err := svc.WaitUntilReady(readyCtx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	resp, err := http.Get("http://" + svc.ListenerAddr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestServiceCloseIdempotent(t *testing.T) {
	svc := newTestService(t, Config{})
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	if _, err := NewService(context.Background(), Config{Notifier: "smoke-signals"}); err == nil {
		t.Fatalf("expected config error")
	}
}
