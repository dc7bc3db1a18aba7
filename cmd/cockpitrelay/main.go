package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ffaiyaz23/cockpitrelay/internal/backend"
	"github.com/ffaiyaz23/cockpitrelay/internal/config"
	"github.com/ffaiyaz23/cockpitrelay/internal/metrics"
	"github.com/ffaiyaz23/cockpitrelay/internal/otel"
	"github.com/ffaiyaz23/cockpitrelay/internal/relay"
	"github.com/ffaiyaz23/cockpitrelay/internal/router"
	"github.com/ffaiyaz23/cockpitrelay/internal/slack"
)

func main() {
	// 0) Load configuration
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1) Initialize OpenTelemetry tracing
	tp, err := otel.InitTracer(ctx)
	if err != nil {
		// no logger yet
		panic("failed to init OTEL: " + err.Error())
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	// 2) Initialize Zap logger and replace globals
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if !cfg.APIKey.Valid() {
		logger.Warn("OPENAI_API_KEY is not set; every chat request will fail with 500")
	}

	// 3) Optional mock backend on the local origin
	if cfg.MockBackend {
		server, addr, err := backend.StartMockServer(listenAddr(cfg.LocalOrigin), backend.MockOptions{ChunkDelay: cfg.MockChunkDelay})
		if err != nil {
			logger.Fatal("failed to start mock backend", zap.Error(err))
		}
		defer server.Close()
		if !cfg.IsLocal {
			logger.Warn("MOCK_BACKEND is set without IS_LOCAL; the mock only serves requests resolved to the local origin", zap.String("address", addr))
		}
	}

	// 4) Metrics
	reg := prometheus.NewRegistry()
	metrics.RegisterRuntime(reg)
	m := metrics.New(reg)

	// 5) Chat relay
	chat := relay.NewHandler(relay.Options{
		Origin:       cfg.Origin(),
		APIKey:       cfg.APIKey,
		DefaultModel: cfg.DefaultModel,
		MaxBody:      cfg.MaxRequest,
		Upstream:     backend.NewClient(cfg.ConnectTimeout, cfg.HeaderTimeout),
		Metrics:      m,
		Logger:       logger.Named("relay"),
	})
	logger.Info("chat relay configured",
		zap.Bool("local", cfg.IsLocal),
		zap.String("local_origin", cfg.LocalOrigin),
		zap.String("deployment_host", cfg.DeploymentHost),
		zap.String("default_model", cfg.DefaultModel),
		zap.Duration("upstream_header_timeout", cfg.HeaderTimeout),
	)

	// 6) Optional Slack front-end
	var slackEvents http.Handler
	if cfg.SlackEnabled() {
		sc := slack.New(slack.Options{
			BotToken:   cfg.BotToken,
			PoolSize:   cfg.WorkerPoolSize,
			StreamMode: cfg.StreamMode,
			RelayURL:   cfg.RelayURL,
			Logger:     logger.Named("slack"),
		})
		sc.Run(ctx)
		slackEvents = sc.EventsHandler(cfg.SigningSecret)
		logger.Info("slack events enabled", zap.String("relay_url", cfg.RelayURL), zap.String("stream_mode", cfg.StreamMode))
	}

	// 7) HTTP server. No WriteTimeout: chat responses stream for as long as upstream does.
	handler := router.Instrumented(router.Deps{
		Chat:     chat,
		Slack:    slackEvents,
		Gatherer: reg,
		Logger:   logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	if level == "debug" {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

// listenAddr turns an origin like http://localhost:8000 into a listen address.
func listenAddr(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return "localhost:8000"
	}
	if u.Port() == "" {
		if u.Scheme == "https" {
			return u.Hostname() + ":443"
		}
		return u.Hostname() + ":80"
	}
	return u.Host
}
