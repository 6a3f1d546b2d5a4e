// Package mapset provides the mapset management processors: listing,
// region inspection, creation, deletion and administrative locking of
// mapsets inside a GRASS GIS database directory.
package mapset

import (
	"fmt"
	"time"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/runner"
	"pkt.systems/pslog"
)

// Processor kind names.
const (
	KindList       = "mapset.list"
	KindRegion     = "mapset.region"
	KindCreate     = "mapset.create"
	KindDelete     = "mapset.delete"
	KindLock       = "mapset.lock"
	KindUnlock     = "mapset.unlock"
	KindLockStatus = "mapset.lockstatus"
)

// Permanent is the mapset every location carries; it holds the default
// region and cannot be deleted.
const Permanent = "PERMANENT"

// DefaultLockTTL is how long an administrative mapset lock lasts unless
// it is released first.
const DefaultLockTTL = 24 * time.Hour

// Config locates the GRASS database.
type Config struct {
	GrassDatabase string
	LockTTL       time.Duration
}

type processors struct {
	db      Database
	locks   *lock.Manager
	lockTTL time.Duration
	logger  pslog.Logger
}

// Register adds every mapset processor to reg.
func Register(reg *runner.Registry, cfg Config, locks *lock.Manager, logger pslog.Logger) error {
	if cfg.GrassDatabase == "" {
		return core.Validation("grass database path is required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	p := &processors{
		db:      Database{Root: cfg.GrassDatabase},
		locks:   locks,
		lockTTL: cfg.LockTTL,
		logger:  loggingutil.WithSubsystem(logger, "processor.mapset"),
	}
	for name, proc := range map[string]runner.Processor{
		KindList:       unlocked{p.list},
		KindRegion:     unlocked{p.region},
		KindCreate:     runner.ProcessorFunc(p.create),
		KindDelete:     runner.ProcessorFunc(p.delete),
		KindLock:       unlocked{p.lock},
		KindUnlock:     unlocked{p.unlock},
		KindLockStatus: unlocked{p.lockStatus},
	} {
		if err := reg.Register(name, proc); err != nil {
			return err
		}
	}
	return nil
}

// unlocked runs without namespace locks: readers, and the processors that
// manage the administrative lock themselves.
type unlocked struct {
	runner.ProcessorFunc
}

func (unlocked) Locks(core.Descriptor) []core.NamespacePath { return nil }

// AdminHolder is the holder identity of an administrative lock taken by
// principal.
func AdminHolder(principal string) string { return "user:" + principal }

func requireLocation(target core.NamespacePath) error {
	if target.IsZero() {
		return core.Validation("a location is required")
	}
	return nil
}

func requireMapset(target core.NamespacePath) error {
	if !target.IsMapset() {
		return core.Validation("a location and mapset are required, got %q", target.String())
	}
	return nil
}

func message(format string, args ...any) map[string]string {
	return map[string]string{"message": fmt.Sprintf(format, args...)}
}
