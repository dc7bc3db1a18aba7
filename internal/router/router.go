package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/ffaiyaz23/cockpitrelay/internal/middleware"
)

// Deps are the handlers mounted by New. Slack may be nil.
type Deps struct {
	Chat     http.Handler
	Slack    http.Handler
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog(d.Logger))
	r.Use(middleware.Recover(d.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Method(http.MethodPost, "/api/chat", d.Chat)

	if d.Slack != nil {
		r.Method(http.MethodPost, "/slack/events", d.Slack)
	}

	return r
}

// Instrumented is New wrapped in the otelhttp server handler, the stack the
// process actually serves.
func Instrumented(d Deps) http.Handler {
	return otelhttp.NewHandler(New(d), "cockpitrelay")
}
