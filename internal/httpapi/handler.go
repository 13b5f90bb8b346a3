// Package httpapi exposes the capability coordinator over HTTP/JSON:
//
//	POST /v1/capability         request a reassignment
//	GET  /v1/capability         transaction table snapshot
//	POST /v1/capability/notify  unsolicited notification from a remote modem agent
//	GET  /v1/events             server-sent outcome stream with Last-Event-ID replay
//	GET  /v1/healthz            liveness
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/capswitch"
	"pkt.systems/rcswitch/internal/correlation"
	"pkt.systems/rcswitch/internal/loggingutil"
	"pkt.systems/rcswitch/internal/outcome"
)

const (
	headerLastEventID = "Last-Event-ID"
	reassignBodyLimit = 64 << 10
	notifyBodyLimit   = 16 << 10
)

// DefaultHeartbeatInterval is how often an idle event stream sends a comment
// line to keep intermediaries from closing it.
const DefaultHeartbeatInterval = 15 * time.Second

// Coordinator is the subset of *capswitch.Coordinator served over HTTP.
type Coordinator interface {
	RequestReassignment(ctx context.Context, targets []api.RadioAccessFamily) (capswitch.Ticket, error)
	Snapshot() capswitch.Snapshot
	IsTransactionActive() bool
	Notify(rc api.RadioCapability, err error)
}

// Config wires the handler.
type Config struct {
	Coordinator Coordinator
	Outcomes    *outcome.Hub
	Logger      pslog.Logger
	// HeartbeatInterval overrides DefaultHeartbeatInterval for /v1/events.
	HeartbeatInterval time.Duration
	// DisableHTTPTracing skips the otelhttp wrapper.
	DisableHTTPTracing bool
}

// Handler serves the rcswitch HTTP API.
type Handler struct {
	coord              Coordinator
	outcomes           *outcome.Hub
	logger             pslog.Logger
	heartbeat          time.Duration
	httpTracingEnabled bool
}

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("httpapi: coordinator required")
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Handler{
		coord:              cfg.Coordinator,
		outcomes:           cfg.Outcomes,
		logger:             loggingutil.WithSubsystem(cfg.Logger, "httpapi"),
		heartbeat:          heartbeat,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}, nil
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/capability", h.wrap("capability", h.handleCapability))
	mux.Handle("/v1/capability/notify", h.wrap("capability.notify", h.handleNotify))
	mux.Handle("/v1/events", h.wrap("events", h.handleEvents))
	mux.Handle("/v1/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	httpSpanName := "rcswitch.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		span := trace.SpanFromContext(ctx)

		if id, ok := correlation.Normalize(r.Header.Get(correlation.Header)); ok {
			ctx = correlation.With(ctx, id)
		}
		ctx, cid := correlation.Ensure(ctx)
		w.Header().Set(correlation.Header, cid)
		span.SetAttributes(
			attribute.String("rcswitch.operation", operation),
			attribute.String("rcswitch.correlation_id", cid),
		)

		logger := h.logger.With(
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("rcswitch.error_code", httpErr.Code),
					attribute.Int("rcswitch.error_status", httpErr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// convertCoordinatorError maps caller-facing coordinator errors onto HTTP.
func convertCoordinatorError(err error) error {
	switch {
	case errors.Is(err, capswitch.ErrTransactionActive):
		return httpError{Status: http.StatusConflict, Code: "txn_active", Detail: "a capability reassignment is already in progress"}
	case errors.Is(err, capswitch.ErrInvalidTargets):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_targets", Detail: err.Error()}
	case errors.Is(err, capswitch.ErrClosed):
		return httpError{Status: http.StatusServiceUnavailable, Code: "shutting_down", Detail: "coordinator is shutting down"}
	default:
		return err
	}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		headers := map[string]string{}
		if httpErr.Status == http.StatusMethodNotAllowed && httpErr.Detail != "" {
			headers["Allow"] = httpErr.Detail
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail}, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func methodNotAllowed(allowed string) error {
	return httpError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Detail: allowed}
}
