// Package httpapi exposes job status, lock status and job submission over
// HTTP. It is deliberately thin: routing, schemas and authorization belong
// to the service embedding geodispatch.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/geodispatch/api"
	"pkt.systems/geodispatch/internal/core"
	"pkt.systems/geodispatch/internal/correlation"
	"pkt.systems/geodispatch/internal/dispatch"
	"pkt.systems/geodispatch/internal/ids"
	"pkt.systems/geodispatch/internal/jobqueue"
	"pkt.systems/geodispatch/internal/lock"
	"pkt.systems/geodispatch/internal/loggingutil"
	"pkt.systems/geodispatch/internal/status"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	// DefaultMaxBodyBytes caps submit request bodies.
	DefaultMaxBodyBytes = 8 << 20
	// DefaultMaxWait caps ?wait= on submissions.
	DefaultMaxWait = 10 * time.Minute
)

// Pinger checks store reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Dispatcher   *dispatch.Dispatcher
	Tracker      *status.Tracker
	Locks        *lock.Manager
	Store        Pinger
	Logger       pslog.Logger
	DefaultQueue string
	MaxWait      time.Duration
	MaxBodyBytes int64
}

// Handler serves the HTTP surface.
type Handler struct {
	cfg    Config
	logger pslog.Logger
	tracer trace.Tracer
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// New constructs a Handler.
func New(cfg Config) *Handler {
	if cfg.DefaultQueue == "" {
		cfg.DefaultQueue = jobqueue.DefaultQueue
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(cfg.Logger, "api.http"),
		tracer: otel.Tracer("pkt.systems/geodispatch/httpapi"),
	}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/jobs/{id}", h.wrap("job_status", h.handleJobStatus))
	mux.Handle("POST /v1/jobs", h.wrap("job_submit", h.handleSubmit))
	mux.Handle("GET /v1/locks/{location}", h.wrap("lock_status", h.handleLockStatus))
	mux.Handle("GET /v1/locks/{location}/{mapset}", h.wrap("lock_status", h.handleLockStatus))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

// Handler returns the routes wrapped with otelhttp.
func (h *Handler) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return otelhttp.NewHandler(mux, "geodispatch.http")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "geodispatch.http."+operation, trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()

		cid, ok := correlation.Normalize(r.Header.Get(headerCorrelationID))
		if !ok {
			cid = correlation.Generate()
		}
		ctx = correlation.With(ctx, cid)
		w.Header().Set(headerCorrelationID, cid)
		span.SetAttributes(attribute.String("geodispatch.correlation_id", cid))

		logger := h.logger.With(
			"req_id", ids.NewInstanceID(),
			"method", r.Method,
			"path", r.URL.Path,
			"cid", cid,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, core.FailureCode(err))
			h.handleError(ctx, w, err)
			logger.Debug("http.request.done", "result", "error", "elapsed", time.Since(start))
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("http.request.done", "result", "ok", "elapsed", time.Since(start))
	})
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	var f core.Failure
	if errors.As(err, &f) && f.HTTPStatus > 0 {
		logger.Debug("http.request.failure", "status", f.HTTPStatus, "code", f.Code, "detail", f.Detail)
		headers := map[string]string{}
		if f.RetryAfter > 0 {
			headers["Retry-After"] = fmt.Sprint(f.RetryAfter)
		}
		writeJSON(w, f.HTTPStatus, api.ErrorResponse{ErrorCode: f.Code, Detail: f.Detail, RetryAfterSeconds: f.RetryAfter}, headers)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{ErrorCode: "canceled", Detail: err.Error()}, nil)
		return
	}
	logger.Error("http.request.error", "error", err)
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{ErrorCode: "internal_error", Detail: "internal server error"}, nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) error {
	id := strings.TrimSpace(r.PathValue("id"))
	if !ids.ValidJobID(id) {
		return core.Validation("invalid job id %q", id)
	}
	rec, err := h.cfg.Tracker.Get(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, rec, nil)
	return nil
}

func (h *Handler) handleLockStatus(w http.ResponseWriter, r *http.Request) error {
	path := core.NamespacePath{Location: r.PathValue("location"), Mapset: r.PathValue("mapset")}
	if path.IsZero() {
		return core.Validation("location is required")
	}
	if err := path.Validate(); err != nil {
		return err
	}
	rec, err := h.cfg.Locks.Status(r.Context(), path)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, core.ReportLock(path, rec), nil)
	return nil
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) error {
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		queue = h.cfg.DefaultQueue
	}
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return core.Validation("wait must be a positive duration, got %q", raw)
		}
		if d > h.cfg.MaxWait {
			return core.Validation("wait %s exceeds maximum %s", d, h.cfg.MaxWait)
		}
		wait = d
	}
	var req api.SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return core.Validation("decode submit request: %v", err)
	}
	desc, err := req.Descriptor()
	if err != nil {
		return err
	}
	ctx := r.Context()
	if wait == 0 {
		id, err := h.cfg.Dispatcher.SubmitAsync(ctx, queue, desc)
		if err != nil {
			return err
		}
		statusURL := "/v1/jobs/" + id
		w.Header().Set("Location", statusURL)
		writeJSON(w, http.StatusAccepted, api.SubmitResponse{JobID: id, State: core.StateAccepted, StatusURL: statusURL}, nil)
		return nil
	}
	out, err := h.cfg.Dispatcher.SubmitAndWait(ctx, queue, desc, wait)
	if err != nil {
		return err
	}
	code := http.StatusOK
	if out.State == core.StateTimeout {
		// the job is still accepted and may finish later
		code = http.StatusAccepted
		w.Header().Set("Location", "/v1/jobs/"+out.JobID)
	}
	writeJSON(w, code, out, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	if h.cfg.Store != nil {
		if err := h.cfg.Store.Ping(r.Context()); err != nil {
			return err
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok\n")
	return nil
}
