// Package metrics holds the Prometheus collectors for the chat relay.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Request outcomes, used as the "outcome" label.
const (
	OutcomeOK             = "ok"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeMisconfigured  = "misconfigured"
	OutcomeUpstreamError  = "upstream_error"
	OutcomeInterrupted    = "interrupted"
)

type Metrics struct {
	Requests      *prometheus.CounterVec
	BytesRelayed  prometheus.Counter
	ChunksRelayed prometheus.Counter
	UpstreamWait  prometheus.Histogram
	ActiveStreams prometheus.Gauge
}

// New creates the relay collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cockpitrelay",
			Name:      "chat_requests_total",
			Help:      "Chat relay requests by outcome.",
		}, []string{"outcome"}),
		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cockpitrelay",
			Name:      "relayed_bytes_total",
			Help:      "Bytes forwarded from the upstream backend to clients.",
		}),
		ChunksRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cockpitrelay",
			Name:      "relayed_chunks_total",
			Help:      "Upstream chunks forwarded to clients.",
		}),
		UpstreamWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cockpitrelay",
			Name:      "upstream_header_seconds",
			Help:      "Time from forwarding a request until upstream response headers arrive.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cockpitrelay",
			Name:      "active_streams",
			Help:      "Responses currently being streamed.",
		}),
	}
	m.Requests = registerSafely(reg, m.Requests)
	m.BytesRelayed = registerSafely(reg, m.BytesRelayed)
	m.ChunksRelayed = registerSafely(reg, m.ChunksRelayed)
	m.UpstreamWait = registerSafely(reg, m.UpstreamWait)
	m.ActiveStreams = registerSafely(reg, m.ActiveStreams)
	return m
}

// RegisterRuntime adds the Go and process collectors to reg.
func RegisterRuntime(reg prometheus.Registerer) {
	registerSafely(reg, collectors.NewGoCollector())
	registerSafely(reg, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// registerSafely registers c. If an identical collector is already
// registered, that one is returned so both callers share its values.
func registerSafely[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
		return c
	}
	zap.S().Errorw("failed to register prometheus collector", "error", err)
	return c
}
