// Package relay implements the streaming chat relay: it accepts a chat request
// from the browser, forwards it to the resolved upstream backend with the
// server's credential, and pipes the upstream reply back chunk by chunk.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ffaiyaz23/cockpitrelay/internal/backend"
	"github.com/ffaiyaz23/cockpitrelay/internal/credential"
	"github.com/ffaiyaz23/cockpitrelay/internal/metrics"
	"github.com/ffaiyaz23/cockpitrelay/internal/middleware"
	"github.com/ffaiyaz23/cockpitrelay/internal/origin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Client-facing error messages. They never carry upstream detail.
const (
	MsgInvalidRequest = "invalid request body"
	MsgMissingAPIKey  = "OpenAI API key not configured"
	MsgUpstream       = "Failed to communicate with Dragon AI"
	MsgRelayLoop      = "chat backend resolves to this relay"
)

const chunkSize = 32 << 10

var tracer = otel.Tracer("cockpitrelay")

// Upstream forwards one chat payload and returns the streamed reply body.
type Upstream interface {
	Chat(ctx context.Context, baseURL string, p backend.OutboundPayload) (io.ReadCloser, error)
}

// Options configure a Handler. Everything here is read-only once the handler is built.
type Options struct {
	Origin       origin.Settings
	APIKey       credential.Secret
	DefaultModel string
	MaxBody      int64
	Upstream     Upstream
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Handler serves POST /api/chat.
type Handler struct {
	origin       origin.Settings
	apiKey       credential.Secret
	defaultModel string
	maxBody      int64
	upstream     Upstream
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		origin:       opts.Origin,
		apiKey:       opts.APIKey,
		defaultModel: opts.DefaultModel,
		maxBody:      maxBody,
		upstream:     opts.Upstream,
		metrics:      opts.Metrics,
		logger:       logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "RelayChat")
	defer span.End()

	logger := h.logger.With(
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	// 0) A request from another relay hop means the backend origin points
	// back at a relay. Refuse before forwarding anything.
	if r.Header.Get(backend.HopHeader) != "" {
		span.SetStatus(codes.Error, "relay loop")
		logger.Error("refusing relayed chat request; backend origin resolves to a relay",
			zap.String("host", r.Host))
		h.count(metrics.OutcomeMisconfigured)
		writeError(w, http.StatusInternalServerError, MsgRelayLoop)
		return
	}

	// 1) Validate: the body must be a single JSON object.
	req, err := h.decode(w, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		logger.Info("rejected chat request", zap.Error(err))
		h.count(metrics.OutcomeInvalidRequest)
		writeError(w, http.StatusBadRequest, MsgInvalidRequest)
		return
	}

	// 2) Resolve the backend and inject the credential.
	base := origin.Resolve(h.origin, r.Host)
	payload, err := credential.Inject(req, h.apiKey, h.defaultModel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "misconfigured")
		logger.Error("cannot forward chat request", zap.Error(err))
		h.count(metrics.OutcomeMisconfigured)
		writeError(w, http.StatusInternalServerError, MsgMissingAPIKey)
		return
	}
	span.SetAttributes(
		attribute.String("backend.origin", base),
		attribute.String("chat.model", payload.Model),
	)
	logger.Debug("forwarding chat request", zap.String("backend", base), zap.Object("payload", payload))

	// 3) Forward. The upstream call shares the inbound context so a client
	// disconnect abandons it.
	start := time.Now()
	body, err := h.upstream.Chat(ctx, base, payload)
	if h.metrics != nil {
		h.metrics.UpstreamWait.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		h.upstreamFailed(ctx, w, span, logger, base, err)
		return
	}
	defer body.Close()

	// 4) Stream.
	hdr := w.Header()
	hdr.Set("Content-Type", "text/plain")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	if h.metrics != nil {
		h.metrics.ActiveStreams.Inc()
		defer h.metrics.ActiveStreams.Dec()
	}
	written, chunks, err := pipe(w, func() { _ = rc.Flush() }, body)
	if h.metrics != nil {
		h.metrics.BytesRelayed.Add(float64(written))
		h.metrics.ChunksRelayed.Add(float64(chunks))
	}
	span.SetAttributes(attribute.Int64("relay.bytes", written), attribute.Int("relay.chunks", chunks))

	switch {
	case err == nil:
		h.count(metrics.OutcomeOK)
		logger.Info("chat stream completed", zap.Int64("bytes", written), zap.Int("chunks", chunks))
	case ctx.Err() != nil || errors.Is(err, errClientGone):
		h.count(metrics.OutcomeInterrupted)
		logger.Info("client disconnected mid-stream", zap.Int64("bytes", written), zap.Int("chunks", chunks))
	default:
		// Headers are committed; the client just sees a short stream.
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream interrupted")
		h.count(metrics.OutcomeInterrupted)
		logger.Warn("upstream stream interrupted", zap.Error(err), zap.Int64("bytes", written), zap.Int("chunks", chunks))
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (backend.ChatRequest, error) {
	var req backend.ChatRequest
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return req, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return req, errNotObject
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, err
	}
	return req, nil
}

func (h *Handler) upstreamFailed(ctx context.Context, w http.ResponseWriter, span trace.Span, logger *zap.Logger, base string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "upstream failure")

	var upErr *backend.UpstreamError
	switch {
	case errors.As(err, &upErr):
		span.SetAttributes(attribute.Int("backend.status", upErr.StatusCode))
		logger.Error("backend rejected chat request",
			zap.String("backend", base),
			zap.Int("status", upErr.StatusCode),
			zap.String("detail", upErr.Body),
		)
	case ctx.Err() != nil:
		logger.Info("client went away before backend answered", zap.String("backend", base), zap.Error(err))
		h.count(metrics.OutcomeInterrupted)
		writeError(w, http.StatusInternalServerError, MsgUpstream)
		return
	default:
		logger.Error("backend unreachable", zap.String("backend", base), zap.Error(err))
	}
	h.count(metrics.OutcomeUpstreamError)
	writeError(w, http.StatusInternalServerError, MsgUpstream)
}

func (h *Handler) count(outcome string) {
	if h.metrics != nil {
		h.metrics.Requests.WithLabelValues(outcome).Inc()
	}
}
