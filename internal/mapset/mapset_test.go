package mapset

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/runner"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/geodispatch/internal/store/storetest"
)

const testWind = `proj:       99
zone:       0
north:      228500
south:      215000
east:       645000
west:       630000
cols:       1500
rows:       1350
e-w resol:  10
n-s resol:  10
`

func newGrassDB(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	perm := filepath.Join(root, "nc_spm_08", Permanent)
	if err := os.MkdirAll(perm, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{windFile, defaultWindFile} {
		if err := os.WriteFile(filepath.Join(perm, name), []byte(testWind), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "nc_spm_08", "not_a_mapset"), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

type fixture struct {
	tracker *status.Tracker
	locks   *lock.Manager
	queue   *jobqueue.Queue
	runner  *runner.Runner
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, _ := storetest.New(t)
	f := &fixture{root: newGrassDB(t)}
	f.tracker = status.New(st, status.Config{}, nil)
	f.locks = lock.New(st, lock.Config{}, nil)
	f.queue = jobqueue.New(st, f.tracker, nil, nil)
	reg := runner.NewRegistry()
	if err := Register(reg, Config{GrassDatabase: f.root, LockTTL: time.Hour}, f.locks, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.runner = runner.New(f.tracker, f.locks, reg, runner.Config{Worker: "w"}, nil)
	return f
}

func (f *fixture) run(t *testing.T, kind, target, principal string) *core.JobRecord {
	t.Helper()
	ctx := context.Background()
	id, err := f.queue.Enqueue(ctx, jobqueue.DefaultQueue, core.Descriptor{
		Processor: kind,
		Target:    core.MustPath(target),
		Principal: principal,
		Timeout:   time.Minute,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	desc, err := f.queue.Dequeue(ctx, jobqueue.DefaultQueue, time.Second)
	if err != nil || desc == nil {
		t.Fatalf("dequeue: %v", err)
	}
	f.runner.Handle(ctx, *desc)
	rec, err := f.tracker.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return rec
}

func decode[T any](t *testing.T, rec *core.JobRecord) T {
	t.Helper()
	if rec.State != core.StateFinished {
		t.Fatalf("expected finished, got %s (%+v)", rec.State, rec.Error)
	}
	var v T
	if err := json.Unmarshal(rec.Result, &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Result, err)
	}
	return v
}

func TestListMapsets(t *testing.T) {
	f := newFixture(t)
	got := decode[struct {
		Location string   `json:"location"`
		Mapsets  []string `json:"mapsets"`
	}](t, f.run(t, KindList, "nc_spm_08", "alice"))
	if got.Location != "nc_spm_08" || len(got.Mapsets) != 1 || got.Mapsets[0] != Permanent {
		t.Fatalf("unexpected listing %+v", got)
	}
	if rec := f.run(t, KindList, "missing_location", "alice"); rec.State != core.StateError {
		t.Fatalf("listing a missing location: %s", rec.State)
	}
}

func TestRegionOfPermanent(t *testing.T) {
	f := newFixture(t)
	got := decode[struct {
		Region map[string]any `json:"region"`
	}](t, f.run(t, KindRegion, "nc_spm_08/PERMANENT", "alice"))
	if got.Region["north"] != 228500.0 || got.Region["e-w_resol"] != 10.0 {
		t.Fatalf("unexpected region %+v", got.Region)
	}
}

func TestCreateAndDeleteMapset(t *testing.T) {
	f := newFixture(t)
	rec := f.run(t, KindCreate, "nc_spm_08/user1", "alice")
	if rec.State != core.StateFinished {
		t.Fatalf("create: %s %+v", rec.State, rec.Error)
	}
	if _, err := os.Stat(filepath.Join(f.root, "nc_spm_08", "user1", windFile)); err != nil {
		t.Fatalf("WIND not created: %v", err)
	}
	if len(rec.Progress) == 0 {
		t.Fatal("create reported no progress")
	}
	if again := f.run(t, KindCreate, "nc_spm_08/user1", "alice"); again.State != core.StateError || again.Error.Kind != core.KindValidation {
		t.Fatalf("duplicate create: %+v", again)
	}
	if del := f.run(t, KindDelete, "nc_spm_08/user1", "alice"); del.State != core.StateFinished {
		t.Fatalf("delete: %+v", del.Error)
	}
	if _, err := os.Stat(filepath.Join(f.root, "nc_spm_08", "user1")); !os.IsNotExist(err) {
		t.Fatalf("mapset directory survived delete: %v", err)
	}
	if lr, _ := f.locks.Status(context.Background(), core.MustPath("nc_spm_08/user1")); lr != nil {
		t.Fatalf("job lock left behind: %+v", lr)
	}
}

func TestDeletePermanentIsRefused(t *testing.T) {
	f := newFixture(t)
	rec := f.run(t, KindDelete, "nc_spm_08/PERMANENT", "alice")
	if rec.State != core.StateError || rec.Error.Kind != core.KindValidation {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestAdministrativeLockBlocksWriters(t *testing.T) {
	f := newFixture(t)
	if rec := f.run(t, KindLock, "nc_spm_08/PERMANENT", "alice"); rec.State != core.StateFinished {
		t.Fatalf("lock: %+v", rec.Error)
	}
	report := decode[core.LockReport](t, f.run(t, KindLockStatus, "nc_spm_08/PERMANENT", "bob"))
	if !report.Locked || report.Holder != AdminHolder("alice") || report.RemainingMS <= 0 {
		t.Fatalf("unexpected lock status %+v", report)
	}
	if rec := f.run(t, KindLock, "nc_spm_08/PERMANENT", "bob"); rec.Error == nil || rec.Error.Kind != core.KindLockContention {
		t.Fatalf("second lock: %+v", rec)
	}
	if rec := f.run(t, KindRegion, "nc_spm_08/PERMANENT", "bob"); rec.State != core.StateFinished {
		t.Fatalf("readers must not be blocked: %+v", rec.Error)
	}
	if rec := f.run(t, KindCreate, "nc_spm_08/PERMANENT", "bob"); rec.Error == nil || rec.Error.Kind != core.KindLockContention {
		t.Fatalf("writer on a locked mapset: %+v", rec)
	}
	if rec := f.run(t, KindUnlock, "nc_spm_08/PERMANENT", "bob"); rec.State != core.StateError {
		t.Fatalf("foreign unlock should fail: %+v", rec)
	}
	if rec := f.run(t, KindUnlock, "nc_spm_08/PERMANENT", "alice"); rec.State != core.StateFinished {
		t.Fatalf("unlock: %+v", rec.Error)
	}
	report = decode[core.LockReport](t, f.run(t, KindLockStatus, "nc_spm_08/PERMANENT", "bob"))
	if report.Locked {
		t.Fatalf("still locked after unlock: %+v", report)
	}
}

func TestParseWindRejectsGarbage(t *testing.T) {
	if _, err := parseWind(strings.NewReader("north 10\n")); err == nil {
		t.Fatal("expected parse error")
	}
}
