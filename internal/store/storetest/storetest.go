// Package storetest starts an in-process Redis for package tests.
package storetest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/store"
)

// New returns a store client bound to a fresh miniredis server. Both are
// closed when the test ends.
func New(t testing.TB) (*store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := store.New(rdb, "test:", loggingutil.NoopLogger())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}
