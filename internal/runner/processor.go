package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/pslog"
)

// Processor executes one kind of job. Implementations should honour ctx:
// it ends at the job deadline and when a held lock is lost.
type Processor interface {
	Run(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, exec *Execution) (json.RawMessage, error)

func (f ProcessorFunc) Run(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	return f(ctx, exec)
}

// Locker is implemented by processors that need a lock set other than the
// descriptor target. An empty result means the job runs unlocked.
type Locker interface {
	Locks(desc core.Descriptor) []core.NamespacePath
}

// Execution is what a processor sees of the job it runs.
type Execution struct {
	Descriptor core.Descriptor
	Worker     string
	Logger     pslog.Logger

	progress func(ctx context.Context, msg string) error
}

// Progress appends msg to the job's progress log. Failures are logged and
// otherwise ignored; progress is informational.
func (e *Execution) Progress(ctx context.Context, msg string) {
	if e == nil || e.progress == nil {
		return
	}
	if err := e.progress(ctx, msg); err != nil {
		e.Logger.Warn("job.progress.failed", "error", err)
	}
}

// Registry maps processor kind names to processors.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Processor)}
}

// Register adds p under name. Names are unique.
func (r *Registry) Register(name string, p Processor) error {
	name = strings.TrimSpace(name)
	if name == "" || p == nil {
		return fmt.Errorf("runner: processor name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[name]; exists {
		return fmt.Errorf("runner: processor %q already registered", name)
	}
	r.procs[name] = p
	return nil
}

// MustRegister is Register for program setup.
func (r *Registry) MustRegister(name string, p Processor) {
	if err := r.Register(name, p); err != nil {
		panic(err)
	}
}

// Lookup returns the processor registered under name.
func (r *Registry) Lookup(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[name]
	return p, ok
}

// Names lists registered processors in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lockSet(p Processor, desc core.Descriptor) []core.NamespacePath {
	if l, ok := p.(Locker); ok {
		return l.Locks(desc)
	}
	if desc.Target.IsZero() {
		return nil
	}
	return []core.NamespacePath{desc.Target}
}
