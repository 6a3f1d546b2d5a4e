package status

import (
	"encoding/json"
	"fmt"
	"time"

	"pkt.systems/geodispatch/internal/core"
)

// Hash field names of a job status record.
const (
	fieldState         = "state"
	fieldQueue         = "queue"
	fieldProcessor     = "processor"
	fieldTarget        = "target"
	fieldPrincipal     = "principal"
	fieldWorker        = "worker"
	fieldEnqueuedAt    = "enqueued_at"
	fieldStartedAt     = "started_at"
	fieldEndedAt       = "ended_at"
	fieldResult        = "result"
	fieldErrorKind     = "error_kind"
	fieldErrorMessage  = "error_message"
	fieldSuperseded    = "superseded"
	fieldCorrelationID = "correlation_id"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func acceptedFields(desc core.Descriptor) map[string]any {
	fields := map[string]any{
		fieldState:      string(core.StateAccepted),
		fieldQueue:      desc.Queue,
		fieldProcessor:  desc.Processor,
		fieldTarget:     desc.Target.String(),
		fieldPrincipal:  desc.Principal,
		fieldEnqueuedAt: formatTime(desc.EnqueuedAt),
	}
	if desc.CorrelationID != "" {
		fields[fieldCorrelationID] = desc.CorrelationID
	}
	return fields
}

func decodeRecord(id string, h map[string]string, progress []string) (*core.JobRecord, error) {
	rec := &core.JobRecord{
		ID:         id,
		State:      core.State(h[fieldState]),
		Queue:      h[fieldQueue],
		Processor:  h[fieldProcessor],
		Principal:  h[fieldPrincipal],
		Worker:     h[fieldWorker],
		Progress:   progress,
		Superseded: h[fieldSuperseded] == "1",
	}
	if rec.Progress == nil {
		rec.Progress = []string{}
	}
	if !rec.State.Valid() {
		return nil, fmt.Errorf("status: job %s has unknown state %q", id, h[fieldState])
	}
	target, err := core.ParseNamespacePath(h[fieldTarget])
	if err != nil {
		return nil, fmt.Errorf("status: job %s target: %w", id, err)
	}
	rec.Target = target
	for field, dst := range map[string]*time.Time{
		fieldEnqueuedAt: &rec.EnqueuedAt,
		fieldStartedAt:  &rec.StartedAt,
		fieldEndedAt:    &rec.EndedAt,
	} {
		raw := h[field]
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("status: job %s %s: %w", id, field, err)
		}
		*dst = ts
	}
	if raw := h[fieldResult]; raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("status: job %s has malformed result", id)
		}
		rec.Result = json.RawMessage(raw)
	}
	if kind := h[fieldErrorKind]; kind != "" {
		rec.Error = &core.ErrorInfo{Kind: core.ErrorKind(kind), Message: h[fieldErrorMessage]}
	}
	return rec, nil
}
