// Package api holds the JSON bodies exchanged over the geodispatch HTTP
// surface.
package api

import (
	"encoding/json"
	"time"

	"pkt.systems/geodispatch/internal/core"
)

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier, e.g. lock_contention.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds hints when a retry may succeed.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	// Processor names the processing chain kind to run.
	Processor string `json:"processor"`
	// Target is "location" or "location/mapset"; empty for untargeted jobs.
	Target string `json:"target,omitempty"`
	// Principal is the authenticated requester.
	Principal string `json:"principal"`
	// Role is the requester's role, carried for processors that care.
	Role string `json:"role,omitempty"`
	// Chain is the opaque processing chain.
	Chain json.RawMessage `json:"chain,omitempty"`
	// TimeoutMS bounds processing; zero selects the server default.
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// Descriptor converts the request into a job descriptor.
func (r SubmitRequest) Descriptor() (core.Descriptor, error) {
	target, err := core.ParseNamespacePath(r.Target)
	if err != nil {
		return core.Descriptor{}, err
	}
	if r.TimeoutMS < 0 {
		return core.Descriptor{}, core.Validation("timeout_ms must be >= 0")
	}
	return core.Descriptor{
		Processor: r.Processor,
		Target:    target,
		Principal: r.Principal,
		Role:      r.Role,
		Chain:     r.Chain,
		Timeout:   time.Duration(r.TimeoutMS) * time.Millisecond,
	}, nil
}

// SubmitResponse acknowledges an asynchronous submission.
type SubmitResponse struct {
	JobID string     `json:"job_id"`
	State core.State `json:"state"`
	// StatusURL is where the job can be polled.
	StatusURL string `json:"status_url"`
}
