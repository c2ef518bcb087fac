// Package main is the entry point for the TapRoom admin API server.
//
// It loads configuration (resolving SSM-backed secrets in non-local
// environments), opens the pgx connection pool, wires the dead letter admin
// service, the enrichment status view, and the taplist cache onto the core
// HTTP chassis, and serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taproom/internal/api/handlers"
	"taproom/internal/budget"
	"taproom/internal/config"
	"taproom/internal/core"
	"taproom/internal/db"
	"taproom/internal/dlq"
	"taproom/internal/queue"
	"taproom/internal/taplist"
	"taproom/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("taproom API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newDBPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	var metrics telemetry.EnrichmentMetrics = telemetry.NopMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = telemetry.NewCloudWatchEnrichmentMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
	}

	// Repositories.
	ledgerRepo := db.NewBudgetLedgerRepository(pool)
	deadLetterRepo := db.NewDeadLetterRepository(pool)
	catalogRepo := db.NewCatalogRepository(pool)
	taplistRepo := db.NewTaplistRepository(pool)

	// Services.
	publisher := queue.NewJobPublisher(sqsClient, cfg.AWS.EnrichmentQueue, logger)
	adminSvc := dlq.NewAdminService(deadLetterRepo, publisher, metrics, logger, dlq.Config{
		ReplayMaxBatch: cfg.DLQ.ReplayMaxBatch,
		AckMaxBatch:    cfg.DLQ.AckMaxBatch,
		RetentionDays:  cfg.DLQ.RetentionDays,
	})

	fetcher := taplist.NewFetcher(
		&http.Client{Timeout: 15 * time.Second},
		taplist.FetcherConfig{BaseURL: cfg.Taplist.URL, Logger: logger},
	)
	taplistSvc := taplist.NewCacheService(taplistRepo, catalogRepo, fetcher, logger, taplist.Config{
		Venues:             cfg.Taplist.Venues,
		TTL:                cfg.Taplist.TTL,
		StaleMax:           cfg.Taplist.StaleMax,
		RefreshConcurrency: cfg.Taplist.RefreshConcurrency,
	})

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthProbes = []core.HealthProbe{
		core.NewProbe("database", pool.Ping),
	}
	srv.OnShutdown(pool.Close)

	dlqHandler := handlers.NewDeadLetterHandler(adminSvc, srv.Validator, logger)
	statusHandler := handlers.NewEnrichmentStatusHandler(ledgerRepo, budget.Config{
		Disabled:     cfg.Enrichment.Disabled,
		DailyLimit:   cfg.Enrichment.DailyLimit,
		MonthlyLimit: cfg.Enrichment.MonthlyLimit,
	}, logger)
	taplistHandler := handlers.NewTaplistHandler(taplistSvc, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { dlqHandler.RegisterRoutes(r) },
		func(r chi.Router) { statusHandler.RegisterRoutes(r) },
		func(r chi.Router) { taplistHandler.RegisterRoutes(r) },
	)
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newDBPool opens a pgx pool with the configured tuning and verifies
// connectivity before the server accepts traffic.
func newDBPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = dbCfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = dbCfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// runHTTPServer starts the server with graceful shutdown on SIGINT/SIGTERM.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
