package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/geodispatch/api"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/dispatch"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/notify"
	"pkt.systems/geodispatch/internal/runner"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/geodispatch/internal/store/storetest"
)

type fixture struct {
	server *httptest.Server
	locks  *lock.Manager
	pool   *runner.Pool
	reg    *runner.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, _ := storetest.New(t)
	n := notify.NewRedis(st, nil)
	tracker := status.New(st, status.Config{Publisher: n}, nil)
	queue := jobqueue.New(st, tracker, nil, nil)
	locks := lock.New(st, lock.Config{}, nil)
	reg := runner.NewRegistry()
	r := runner.New(tracker, locks, reg, runner.Config{Worker: "w1"}, nil)
	d := dispatch.New(queue, tracker, n, dispatch.Config{
		Limits:       core.DescriptorLimits{DefaultTimeout: time.Minute, MaxTimeout: time.Hour},
		PollInterval: 20 * time.Millisecond,
	}, nil)
	h := New(Config{Dispatcher: d, Tracker: tracker, Locks: locks, Store: st})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return &fixture{
		server: srv,
		locks:  locks,
		reg:    reg,
		pool:   runner.NewPool(queue, r, runner.PoolConfig{Queues: []string{jobqueue.DefaultQueue}, Concurrency: 1}, nil),
	}
}

func (f *fixture) startPool(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(headerCorrelationID, "cid-test")
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestSubmitAsyncThenStatus(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/jobs", api.SubmitRequest{Processor: "noop", Target: "nc_spm_08", Principal: "alice"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(headerCorrelationID); got != "cid-test" {
		t.Fatalf("expected correlation echo, got %q", got)
	}
	sub := decode[api.SubmitResponse](t, resp)
	if sub.State != core.StateAccepted || sub.JobID == "" {
		t.Fatalf("unexpected submit response %+v", sub)
	}
	if resp.Header.Get("Location") != sub.StatusURL {
		t.Fatalf("location %q != status url %q", resp.Header.Get("Location"), sub.StatusURL)
	}

	resp = f.do(t, http.MethodGet, sub.StatusURL, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	rec := decode[core.JobRecord](t, resp)
	if rec.State != core.StateAccepted || rec.Principal != "alice" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSubmitAndWaitReturnsResult(t *testing.T) {
	f := newFixture(t)
	f.reg.MustRegister("echo", runner.ProcessorFunc(func(context.Context, *runner.Execution) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))
	f.startPool(t)

	resp := f.do(t, http.MethodPost, "/v1/jobs?wait=10s", api.SubmitRequest{Processor: "echo", Target: "nc_spm_08/user1", Principal: "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decode[dispatch.Outcome](t, resp)
	if out.State != core.StateFinished || string(out.Result) != `{"ok":true}` {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		path string
		body any
	}{
		{"missing processor", "/v1/jobs", api.SubmitRequest{Principal: "alice"}},
		{"bad target", "/v1/jobs", api.SubmitRequest{Processor: "x", Principal: "alice", Target: "a/b/c"}},
		{"bad wait", "/v1/jobs?wait=soon", api.SubmitRequest{Processor: "x", Principal: "alice"}},
		{"wait too long", "/v1/jobs?wait=48h", api.SubmitRequest{Processor: "x", Principal: "alice"}},
		{"bad queue", "/v1/jobs?queue=no%20spaces", api.SubmitRequest{Processor: "x", Principal: "alice"}},
		{"unknown field", "/v1/jobs", map[string]string{"processor": "x", "principal": "alice", "bogus": "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, tc.path, tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			e := decode[api.ErrorResponse](t, resp)
			if e.ErrorCode != core.CodeValidation {
				t.Fatalf("expected validation_error, got %+v", e)
			}
		})
	}
}

func TestJobStatusNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/jobs/01920000-0000-7000-8000-000000000000", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if e := decode[api.ErrorResponse](t, resp); e.ErrorCode != core.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", e)
	}
	resp = f.do(t, http.MethodGet, "/v1/jobs/not-a-job", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", resp.StatusCode)
	}
}

func TestLockStatus(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/v1/locks/nc_spm_08/user1", nil)
	if report := decode[core.LockReport](t, resp); report.Locked || report.Path != "nc_spm_08/user1" {
		t.Fatalf("expected unlocked report, got %+v", report)
	}

	ok, err := f.locks.Acquire(context.Background(), core.MustPath("nc_spm_08/user1"), "user:alice", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	resp = f.do(t, http.MethodGet, "/v1/locks/nc_spm_08/user1", nil)
	report := decode[core.LockReport](t, resp)
	if !report.Locked || report.Holder != "user:alice" || report.RemainingMS <= 0 {
		t.Fatalf("expected locked report, got %+v", report)
	}

	resp = f.do(t, http.MethodGet, "/v1/locks/nc_spm_08", nil)
	if report := decode[core.LockReport](t, resp); report.Locked {
		t.Fatalf("location lock is independent of mapset lock, got %+v", report)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(body)) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}
}
