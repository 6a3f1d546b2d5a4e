// Package backoff computes growing sleep intervals for polling loops.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff with optional jitter.
type Policy struct {
	Start      time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     time.Duration
}

// LockPolicy drives lock acquisition polling.
var LockPolicy = Policy{
	Start:      50 * time.Millisecond,
	Max:        2 * time.Second,
	Multiplier: 1.5,
	Jitter:     25 * time.Millisecond,
}

// Backoff is the stateful iterator for one polling loop. It is not safe for
// concurrent use.
type Backoff struct {
	policy Policy
	next   time.Duration
}

// New returns a Backoff positioned at p.Start.
func New(p Policy) *Backoff {
	if p.Start <= 0 {
		p.Start = 10 * time.Millisecond
	}
	if p.Max < p.Start {
		p.Max = p.Start
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return &Backoff{policy: p, next: p.Start}
}

// Next returns the next sleep, never longer than limit when limit > 0.
func (b *Backoff) Next(limit time.Duration) time.Duration {
	sleep := b.next
	if b.policy.Jitter > 0 {
		sleep += rand.N(b.policy.Jitter)
	}
	if limit > 0 && sleep > limit {
		sleep = limit
	}
	b.next = time.Duration(float64(b.next) * b.policy.Multiplier)
	if b.next > b.policy.Max {
		b.next = b.policy.Max
	}
	return sleep
}

// Reset rewinds to the start interval.
func (b *Backoff) Reset() { b.next = b.policy.Start }
