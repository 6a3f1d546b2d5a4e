package notify

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/store/storetest"
)

func expectState(t *testing.T, ch <-chan core.State, want core.State) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got %s want %s", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no %s event delivered", want)
	}
}

func TestRedisNotifierDelivers(t *testing.T) {
	st, _ := storetest.New(t)
	n, err := Open(Config{Kind: KindRedis}, st, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer n.Close()
	ctx := context.Background()

	ch, cancel, err := n.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if err := n.Publish(ctx, "job-2", core.StateError); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	if err := n.Publish(ctx, "job-1", core.StateFinished); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectState(t, ch, core.StateFinished)
	cancel()
	cancel()
}

func startNATS(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

func TestNATSNotifierDelivers(t *testing.T) {
	url := startNATS(t)
	n, err := Open(Config{Kind: KindNATS, NATSURL: url, NATSSubject: "test.jobs"}, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer n.Close()
	ctx := context.Background()

	ch, cancel, err := n.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if err := n.Publish(ctx, "job-1", core.StateTimeout); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectState(t, ch, core.StateTimeout)
}

func TestNoneNotifier(t *testing.T) {
	n, err := Open(Config{Kind: "none"}, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ch, cancel, err := n.Subscribe(context.Background(), "job")
	if err != nil || ch != nil {
		t.Fatalf("none subscribe: ch=%v err=%v", ch, err)
	}
	cancel()
	if err := n.Publish(context.Background(), "job", core.StateFinished); err != nil {
		t.Fatalf("none publish: %v", err)
	}
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	if _, err := Open(Config{Kind: "carrier-pigeon"}, nil, nil); !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeEventRejectsForeignJob(t *testing.T) {
	raw, _ := encodeEvent("a", core.StateFinished)
	if _, err := decodeEvent("b", raw); err == nil {
		t.Fatal("expected mismatch error")
	}
	if state, err := decodeEvent("a", raw); err != nil || state != core.StateFinished {
		t.Fatalf("decode: %s %v", state, err)
	}
}
