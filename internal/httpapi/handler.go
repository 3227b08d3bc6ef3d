// Package httpapi serves the domainctl HTTP surface: operator operations,
// the participant protocol used between hosts, and the content repository.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/api"
	"pkt.systems/domainctl/internal/clock"
	"pkt.systems/domainctl/internal/content"
	"pkt.systems/domainctl/internal/correlation"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/remote"
	"pkt.systems/domainctl/internal/svcfields"
)

const (
	defaultBodyLimit      = 4 << 20
	defaultPendingTimeout = 5 * time.Minute
)

// Coordinator executes operator operations.
type Coordinator interface {
	Execute(ctx context.Context, op mgmt.Operation) mgmt.Result
}

// Participants resolves the local participants of this host. An empty
// server name selects the host controller.
type Participants interface {
	Participant(server string) (participant.Proxy, bool)
}

// ContentStore is the content repository.
type ContentStore interface {
	Store(ctx context.Context, body io.Reader) (string, error)
	Open(ctx context.Context, hash string) (io.ReadCloser, error)
	Pull(ctx context.Context, src content.Fetcher, op mgmt.Operation) ([]string, error)
}

// ContentSource locates the repository a host pulls content it is missing
// from. It reports false when this host owns the authoritative copy.
type ContentSource interface {
	MasterContent() (content.Fetcher, bool)
}

// HostLister reports the topology.
type HostLister interface {
	HostInfos() []api.HostInfo
}

// Config configures a Handler.
type Config struct {
	Coordinator  Coordinator
	Participants Participants
	Content      ContentStore
	// ContentSource, when set, lets prepare and execute pull the content an
	// operation references before applying it.
	ContentSource ContentSource
	Hosts         HostLister
	Logger        pslog.Logger
	Clock         clock.Clock
	// PendingTimeout rolls back a prepared transaction whose coordinator
	// never delivered a decision.
	PendingTimeout time.Duration
	// MaxBodyBytes limits JSON request bodies.
	MaxBodyBytes int64
	// ContentMaxBytes limits uploaded content; zero means unlimited.
	ContentMaxBytes   int64
	EnableHTTPTracing bool
}

// Handler wires HTTP endpoints to the coordinator and local participants.
type Handler struct {
	coordinator        Coordinator
	participants       Participants
	content            ContentStore
	contentSource      ContentSource
	hosts              HostLister
	logger             pslog.Logger
	pending            *pendingTxs
	bodyLimit          int64
	contentLimit       int64
	tracer             trace.Tracer
	httpTracingEnabled bool
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("httpapi: coordinator required")
	}
	if cfg.Participants == nil {
		return nil, errors.New("httpapi: participants required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	timeout := cfg.PendingTimeout
	if timeout <= 0 {
		timeout = defaultPendingTimeout
	}
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	logger = svcfields.WithSubsystem(logger, "remote.http")
	return &Handler{
		coordinator:        cfg.Coordinator,
		participants:       cfg.Participants,
		content:            cfg.Content,
		contentSource:      cfg.ContentSource,
		hosts:              cfg.Hosts,
		logger:             logger,
		pending:            newPendingTxs(clock.OrReal(cfg.Clock), timeout, logger),
		bodyLimit:          limit,
		contentLimit:       cfg.ContentMaxBytes,
		tracer:             otel.Tracer("pkt.systems/domainctl/httpapi"),
		httpTracingEnabled: cfg.EnableHTTPTracing,
	}, nil
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(remote.PathOperation, h.wrap("operation", http.MethodPost, h.handleOperation))
	mux.Handle(remote.PathPrepare, h.wrap("participant.prepare", http.MethodPost, h.handlePrepare))
	mux.Handle(remote.PathCommit, h.wrap("participant.commit", http.MethodPost, h.handleCommit))
	mux.Handle(remote.PathRollback, h.wrap("participant.rollback", http.MethodPost, h.handleRollback))
	mux.Handle(remote.PathExecute, h.wrap("participant.execute", http.MethodPost, h.handleExecute))
	mux.Handle(remote.PathContent, h.wrap("content", "", h.handleContent))
	mux.Handle(remote.PathHosts, h.wrap("hosts", http.MethodGet, h.handleHosts))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Close rolls back every pending transaction.
func (h *Handler) Close(ctx context.Context) error {
	return h.pending.rollbackAll(ctx)
}

// PendingCount reports prepared transactions awaiting a decision.
func (h *Handler) PendingCount() int {
	return h.pending.len()
}

func (h *Handler) wrap(operation, method string, fn handlerFunc) http.Handler {
	spanName := "domainctl.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := xid.New().String()
		ctx, span := h.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		span.SetAttributes(
			attribute.String("domainctl.operation", operation),
			attribute.String("domainctl.route", r.URL.Path),
		)

		if id, ok := correlation.Normalize(r.Header.Get(correlation.Header)); ok {
			ctx = correlation.Set(ctx, id)
		}
		ctx, opID := correlation.Ensure(ctx)
		w.Header().Set(correlation.Header, opID)

		logger := h.logger.With(
			"req_id", reqID,
			"op_id", opID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if method != "" && r.Method != method {
			w.Header().Set("Allow", method)
			h.handleError(ctx, w, httpError{
				Status: http.StatusMethodNotAllowed,
				Code:   "method_not_allowed",
				Detail: "supported method: " + method,
			})
			return
		}
		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	if kind := mgmt.KindOf(err); kind != mgmt.FailureOperation {
		status := mgmt.HTTPStatusOf(err)
		logger.Debug("http.request.failure", "status", status, "kind", kind, "error", err)
		writeJSON(w, status, api.ErrorResponse{ErrorCode: mgmt.CodeOf(err), Detail: err.Error(), FailureKind: kind})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    err.Error(),
	})
}
