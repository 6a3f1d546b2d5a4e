package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/store"
)

func TestOpenConnectsAndPrefixes(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr() + "/0", KeyPrefix: "gd:"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if got := c.LockKey("nc_spm_08/PERMANENT"); got != "gd:lock:nc_spm_08/PERMANENT" {
		t.Fatalf("lock key %q", got)
	}
	if got := c.JobKey("id"); got != "gd:job:id" {
		t.Fatalf("job key %q", got)
	}
	if got := c.JobLogKey("id"); got != "gd:job:id:log" {
		t.Fatalf("job log key %q", got)
	}
	if got := c.QueueKey("long"); got != "gd:queue:long" {
		t.Fatalf("queue key %q", got)
	}
	if got := c.EventChannel("id"); got != "gd:events:job:id" {
		t.Fatalf("event channel %q", got)
	}
}

func TestOpenDefaultsPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := store.Open(context.Background(), store.Config{URL: "redis://" + mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if c.Prefix() != store.DefaultKeyPrefix {
		t.Fatalf("expected default prefix, got %q", c.Prefix())
	}
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{URL: "ftp://nowhere"}, nil)
	if !core.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOpenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := store.Open(context.Background(), store.Config{URL: "redis://" + addr, DialTimeout: 200 * time.Millisecond}, nil)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if core.FailureCode(err) != core.CodeStoreUnavailable {
		t.Fatalf("expected store_unavailable code, got %q", core.FailureCode(err))
	}
}

func TestUnavailablePassesContextErrors(t *testing.T) {
	if err := store.Unavailable("op", context.Canceled); !errors.Is(err, context.Canceled) || errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("context errors should pass through, got %v", err)
	}
	if store.Unavailable("op", nil) != nil {
		t.Fatal("nil in, nil out")
	}
}
