package core

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// State is the lifecycle state of a job.
type State string

const (
	StateAccepted State = "accepted"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateError    State = "error"
	StateTimeout  State = "timeout"
)

// Terminal reports whether no further regular transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateError, StateTimeout:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateAccepted, StateRunning, StateFinished, StateError, StateTimeout:
		return true
	}
	return false
}

// NamespacePath addresses a location or a mapset inside a location.
type NamespacePath struct {
	Location string
	Mapset   string
}

// ParseNamespacePath parses "location" or "location/mapset". The empty string
// yields the zero path.
func ParseNamespacePath(raw string) (NamespacePath, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NamespacePath{}, nil
	}
	parts := strings.Split(raw, "/")
	if len(parts) > 2 {
		return NamespacePath{}, Validation("namespace path %q has too many components", raw)
	}
	p := NamespacePath{Location: parts[0]}
	if len(parts) == 2 {
		if parts[1] == "" {
			return NamespacePath{}, Validation("namespace path %q has an empty mapset", raw)
		}
		p.Mapset = parts[1]
	}
	if err := p.Validate(); err != nil {
		return NamespacePath{}, err
	}
	return p, nil
}

// MustPath is ParseNamespacePath for literals; it panics on invalid input.
func MustPath(raw string) NamespacePath {
	p, err := ParseNamespacePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks the individual components.
func (p NamespacePath) Validate() error {
	if p.Location == "" {
		if p.Mapset != "" {
			return Validation("namespace path has a mapset but no location")
		}
		return nil
	}
	if err := validateComponent("location", p.Location); err != nil {
		return err
	}
	if p.Mapset != "" {
		if err := validateComponent("mapset", p.Mapset); err != nil {
			return err
		}
	}
	return nil
}

func validateComponent(kind, v string) error {
	if v == "" {
		return Validation("%s name is empty", kind)
	}
	if v == "." || v == ".." {
		return Validation("%s name %q is reserved", kind, v)
	}
	for _, r := range v {
		if r == '/' || r == '|' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return Validation("%s name %q contains invalid character %q", kind, v, r)
		}
	}
	return nil
}

// IsZero reports whether the path targets nothing.
func (p NamespacePath) IsZero() bool { return p.Location == "" }

// IsMapset reports whether the path addresses a mapset.
func (p NamespacePath) IsMapset() bool { return p.Location != "" && p.Mapset != "" }

// LocationPath returns the location part of p.
func (p NamespacePath) LocationPath() NamespacePath { return NamespacePath{Location: p.Location} }

func (p NamespacePath) String() string {
	if p.Mapset == "" {
		return p.Location
	}
	return p.Location + "/" + p.Mapset
}

func (p NamespacePath) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *NamespacePath) UnmarshalText(b []byte) error {
	parsed, err := ParseNamespacePath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Descriptor is the immutable snapshot a worker needs to run a job without
// contacting the requester.
type Descriptor struct {
	JobID         string          `json:"job_id"`
	Queue         string          `json:"queue"`
	Processor     string          `json:"processor"`
	Target        NamespacePath   `json:"target"`
	Principal     string          `json:"principal"`
	Role          string          `json:"role,omitempty"`
	Chain         json.RawMessage `json:"chain,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Timeout       time.Duration   `json:"-"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (d Descriptor) MarshalJSON() ([]byte, error) {
	type plain Descriptor
	return json.Marshal(struct {
		plain
		TimeoutMS int64 `json:"timeout_ms"`
	}{plain(d), d.Timeout.Milliseconds()})
}

func (d *Descriptor) UnmarshalJSON(b []byte) error {
	type plain Descriptor
	var wire struct {
		plain
		TimeoutMS int64 `json:"timeout_ms"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*d = Descriptor(wire.plain)
	d.Timeout = time.Duration(wire.TimeoutMS) * time.Millisecond
	return nil
}

// LockRecord describes the current holder of an advisory lock.
type LockRecord struct {
	Path       NamespacePath `json:"path"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"-"`
	Remaining  time.Duration `json:"-"`
}

// JobRecord is the status record read by pollers.
type JobRecord struct {
	ID         string          `json:"job_id"`
	State      State           `json:"state"`
	Queue      string          `json:"queue"`
	Processor  string          `json:"processor"`
	Target     NamespacePath   `json:"target"`
	Principal  string          `json:"principal,omitempty"`
	Worker     string          `json:"worker,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	EndedAt    time.Time       `json:"ended_at,omitzero"`
	Progress   []string        `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Superseded bool            `json:"superseded,omitempty"`
}

// RunningFor reports how long a running job has been executing at now. It is
// zero for jobs that never started. Reapers use it to find jobs orphaned by
// crashed workers.
func (r *JobRecord) RunningFor(now time.Time) time.Duration {
	if r == nil || r.State != StateRunning || r.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(r.StartedAt)
}

// LockReport is the externally visible lock status of a path.
type LockReport struct {
	Path        string `json:"path"`
	Locked      bool   `json:"locked"`
	Holder      string `json:"holder,omitempty"`
	RemainingMS int64  `json:"remaining_ms,omitempty"`
}

// ReportLock summarises rec, which is nil for an unlocked path.
func ReportLock(path NamespacePath, rec *LockRecord) LockReport {
	r := LockReport{Path: path.String()}
	if rec != nil {
		r.Locked = true
		r.Holder = rec.Holder
		r.RemainingMS = rec.Remaining.Milliseconds()
	}
	return r
}
