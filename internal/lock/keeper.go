package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/geodispatch/internal/clock"
	"pkt.systems/geodispatch/internal/core"
)

// Keeper refreshes a set of held locks in the background until stopped.
// Long-running holders use it so their locks do not expire mid-operation.
type Keeper struct {
	m        *Manager
	holder   string
	ttl      time.Duration
	interval time.Duration
	paths    []core.NamespacePath
	onLost   func(core.NamespacePath, error)

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	lost []core.NamespacePath
}

// Keep starts refreshing paths for holder every ttl/3. onLost, when set, is
// called once per path whose lock could no longer be refreshed because it
// expired or changed hands.
func (m *Manager) Keep(ctx context.Context, holder string, ttl time.Duration, paths []core.NamespacePath, onLost func(core.NamespacePath, error)) *Keeper {
	ctx, cancel := context.WithCancel(ctx)
	interval := ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	k := &Keeper{
		m:        m,
		holder:   holder,
		ttl:      ttl,
		interval: interval,
		paths:    append([]core.NamespacePath(nil), paths...),
		onLost:   onLost,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go k.run(ctx)
	return k
}

func (k *Keeper) run(ctx context.Context) {
	defer close(k.done)
	active := append([]core.NamespacePath(nil), k.paths...)
	for len(active) > 0 {
		if err := clock.Sleep(ctx, k.m.clock, k.interval); err != nil {
			return
		}
		kept := active[:0]
		for _, path := range active {
			err := k.m.Refresh(ctx, path, k.holder, k.ttl)
			switch {
			case err == nil:
				kept = append(kept, path)
			case errors.Is(err, ErrNotHeld):
				k.m.logger.Warn("lock.keeper.lost", "path", path.String(), "holder", k.holder)
				k.mu.Lock()
				k.lost = append(k.lost, path)
				k.mu.Unlock()
				if k.onLost != nil {
					k.onLost(path, err)
				}
			case ctx.Err() != nil:
				return
			default:
				// transient store failure, retry next tick
				k.m.logger.Warn("lock.keeper.refresh_failed", "path", path.String(), "holder", k.holder, "error", err)
				kept = append(kept, path)
			}
		}
		active = kept
	}
}

// Stop halts refreshing and returns the paths that were lost while kept.
func (k *Keeper) Stop() []core.NamespacePath {
	k.cancel()
	<-k.done
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]core.NamespacePath(nil), k.lost...)
}
