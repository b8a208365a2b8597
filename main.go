// Command conductor runs the multi-agent task orchestrator control plane.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/praxis-labs/conductor/internal/agents"
	"github.com/praxis-labs/conductor/internal/approval"
	"github.com/praxis-labs/conductor/internal/auth"
	"github.com/praxis-labs/conductor/internal/bus"
	"github.com/praxis-labs/conductor/internal/config"
	"github.com/praxis-labs/conductor/internal/engine"
	"github.com/praxis-labs/conductor/internal/gateway"
	"github.com/praxis-labs/conductor/internal/health"
	"github.com/praxis-labs/conductor/internal/httpapi"
	"github.com/praxis-labs/conductor/internal/lifecycle"
	"github.com/praxis-labs/conductor/internal/orchestrator"
	"github.com/praxis-labs/conductor/internal/planner"
	"github.com/praxis-labs/conductor/internal/session"
	"github.com/praxis-labs/conductor/internal/store"
	"github.com/praxis-labs/conductor/internal/streaming"
	"github.com/praxis-labs/conductor/internal/tools"
	"github.com/praxis-labs/conductor/internal/tracing"
	"github.com/praxis-labs/conductor/internal/workflows"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Orchestrator exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting orchestrator",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
	)

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed; continuing without export", zap.Error(err))
	}

	st, err := store.NewSQLStore(store.SQLConfig{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
	}, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	eventBus := bus.New(logger)
	defer eventBus.Close()

	streams := streaming.NewManager(cfg.Gateway.StreamBuffer)

	sessions, err := session.NewManager(cfg.Redis.Addr, logger)
	if err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}
	defer sessions.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	registry, err := agents.NewRegistry(startCtx, st, eventBus, logger)
	cancelStart()
	if err != nil {
		return fmt.Errorf("init agent registry: %w", err)
	}
	registry.Start()
	defer registry.Stop()

	gate := approval.NewGate(st, eventBus, logger, cfg.ApprovalExpiry())
	gate.Start()
	defer gate.Stop()

	lc := lifecycle.NewManager(st, eventBus, sessions.RedisWrapper(), streams, logger,
		cfg.WorkflowTTL(), cfg.Chain.MaxDepth)
	lc.Wire()
	lc.Start()
	defer lc.Stop()

	eng := engine.New(st, eventBus, streams, logger, engine.Options{
		NodeTimeout: cfg.NodeTimeout(),
		MaxRetries:  cfg.Engine.MaxRetries,
		TTL:         cfg.WorkflowTTL(),
	})

	var catalogue *tools.Catalogue
	if c, err := tools.Load(cfg.Disclosure.ManifestPath, logger); err != nil {
		logger.Warn("Tool manifest unavailable; disclosure disabled", zap.Error(err))
	} else {
		catalogue = c
		if err := catalogue.Watch(); err != nil {
			logger.Warn("Tool manifest watcher failed", zap.Error(err))
		}
		defer catalogue.Close()
	}

	graph, err := workflows.Build(workflows.Deps{
		Registry:           registry,
		Gate:               gate,
		Catalogue:          catalogue,
		Caller:             workflows.NewHTTPCaller(logger),
		Logger:             logger,
		DisclosureStrategy: tools.ParseStrategy(cfg.Disclosure.DefaultStrategy),
		MaxTools:           cfg.Disclosure.MaxTools,
	})
	if err != nil {
		return fmt.Errorf("compile task graph: %w", err)
	}
	eng.Register(graph)

	var pl planner.Planner = planner.NewKeywordPlanner(logger)
	if cfg.Planner.Endpoint != "" {
		pl = planner.NewLLMPlanner(cfg.Planner.Endpoint, pl, logger)
	}
	queue := planner.NewQueue(cfg.Planner.QueueSize)

	svc := orchestrator.New(st, eng, pl, queue, gate, eventBus, logger)
	gw := gateway.New(svc, eng, sessions, streams, logger, cfg.Gateway.StreamBuffer)

	hm := health.NewManager(logger)
	hm.Register("store", true, func(ctx context.Context) error {
		return st.DB().PingContext(ctx)
	})
	hm.Register("redis", false, func(ctx context.Context) error {
		return sessions.RedisWrapper().Ping(ctx).Err()
	})

	authMW := auth.New(auth.Config{
		Enabled:   cfg.Auth.Enabled,
		APIToken:  cfg.Auth.APIToken,
		JWTSecret: cfg.Auth.JWTSecret,
	}, logger)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)

	api := httpapi.NewServer(svc, gate, registry, lc, gw, hm, authMW, limiter, logger)

	appServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("API server listening", zap.String("addr", appServer.Addr))
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Session garbage collection runs alongside the workflow sweepers.
	sessionGC := time.NewTicker(time.Hour)
	defer sessionGC.Stop()
	go func() {
		for range sessionGC.C {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := sessions.CleanupExpired(ctx); err != nil {
				logger.Warn("Session cleanup failed", zap.Error(err))
			}
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	// Stop intake first, then drain in-flight workflows up to the timeout;
	// the deferred component stops flush what remains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := appServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Orchestrator stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	return cfg.Build()
}
