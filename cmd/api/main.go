// Package main is the entry point for the analytics API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/pagelift/pagelift/internal/abtest"
	"github.com/pagelift/pagelift/internal/api"
	"github.com/pagelift/pagelift/internal/auth"
	"github.com/pagelift/pagelift/internal/cohort"
	"github.com/pagelift/pagelift/internal/config"
	"github.com/pagelift/pagelift/internal/event"
	"github.com/pagelift/pagelift/internal/funnel"
	"github.com/pagelift/pagelift/internal/health"
	"github.com/pagelift/pagelift/internal/ingest"
	"github.com/pagelift/pagelift/internal/middleware"
	"github.com/pagelift/pagelift/internal/page"
	"github.com/pagelift/pagelift/internal/session"
	"github.com/pagelift/pagelift/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Pagelift Analytics API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	traceProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "pagelift-analytics",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: 1.0,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var (
		pages    page.Repository
		sessions session.Repository
		events   event.Repository
		tests    abtest.Repository
		db       *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			logger.Warn("database unreachable at startup, continuing", "error", err)
		}
		cancel()

		pages = page.NewPostgresRepository(db)
		sessions = session.NewPostgresRepository(db, logger)
		events = event.NewPostgresRepository(db, logger)
		tests = abtest.NewPostgresRepository(db, logger)
		logger.Info("using postgres repositories")
	} else {
		pages = page.NewInMemoryRepository()
		sessions = session.NewInMemoryRepository()
		events = event.NewInMemoryRepository()
		tests = abtest.NewInMemoryRepository()
		logger.Warn("DATABASE_URL not set, using in-memory repositories")
	}

	// Metrics registry with middleware and pipeline collectors.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}
	ingestMetrics := ingest.NewMetrics()
	if err := ingestMetrics.Register(registry); err != nil {
		logger.Error("failed to register ingest metrics", "error", err)
		os.Exit(1)
	}

	// Rate limit store: Redis when configured, in-memory otherwise.
	var (
		rateStore   middleware.RateLimitStore
		redisClient *redis.Client
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		rateStore = middleware.NewRedisRateLimitStore(redisClient, logger, httpMetrics)
		logger.Info("using redis rate limit store")
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		rateStore = memStore
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				memStore.Cleanup()
			}
		}()
	}
	rateConfig := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitRequests,
		WindowDuration:    time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}
	if err := rateConfig.Validate(); err != nil {
		logger.Error("invalid rate limit config", "error", err)
		os.Exit(1)
	}

	cache := session.NewCache(cfg.SessionCacheCapacity)
	pipeline := ingest.NewPipeline(pages, sessions, cache, events, tests, ingestMetrics, logger)

	healthCfg := api.HealthHandlersConfig{}
	if db != nil {
		healthCfg.DBChecker = health.NewDBChecker(db)
	}
	if redisClient != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(redisClient)
	}

	router := api.NewRouter(api.RouterConfig{
		Track:           api.NewTrackHandlers(pipeline),
		Tests:           api.NewTestHandlers(tests),
		Funnels:         api.NewFunnelHandlers(funnel.NewAnalyzer(events)),
		Cohorts:         api.NewCohortHandlers(cohort.NewAnalyzer(sessions, events)),
		Health:          api.NewHealthHandlers(healthCfg),
		JWT:             auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTSecretPrevious),
		RateLimitStore:  rateStore,
		RateLimitConfig: rateConfig,
		Metrics:         httpMetrics,
		Registry:        registry,
	})

	// Middleware chain: RequestID -> Tracing -> Logging -> HTTPMetrics.
	handler := middleware.RequestID(
		middleware.Tracing("pagelift-analytics")(
			middleware.Logging(logger)(
				middleware.HTTPMetrics(httpMetrics)(router))))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if err := traceProvider.Shutdown(ctx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("database close failed", "error", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close failed", "error", err)
		}
	}

	logger.Info("server stopped")
}
