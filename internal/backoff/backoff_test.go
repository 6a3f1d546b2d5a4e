package backoff

import (
	"testing"
	"time"
)

func TestNextGrowsUntilMax(t *testing.T) {
	b := New(Policy{Start: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2})
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(0); got != w {
			t.Fatalf("step %d: got %s want %s", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(0); got != 100*time.Millisecond {
		t.Fatalf("after reset got %s", got)
	}
}

func TestNextRespectsLimit(t *testing.T) {
	b := New(Policy{Start: time.Second, Max: time.Second, Multiplier: 1, Jitter: 500 * time.Millisecond})
	if got := b.Next(20 * time.Millisecond); got != 20*time.Millisecond {
		t.Fatalf("expected limit to cap sleep, got %s", got)
	}
}

func TestJitterStaysBounded(t *testing.T) {
	b := New(Policy{Start: 10 * time.Millisecond, Max: 10 * time.Millisecond, Multiplier: 1, Jitter: 5 * time.Millisecond})
	for i := 0; i < 100; i++ {
		got := b.Next(0)
		if got < 10*time.Millisecond || got >= 15*time.Millisecond {
			t.Fatalf("jittered sleep %s out of range", got)
		}
	}
}
