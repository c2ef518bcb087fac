// Package main is the entrypoint for the Taplist Poller Lambda function.
//
// The poller runs on an EventBridge schedule. It fetches every configured
// venue's live taplist from the upstream provider, stores the compressed
// snapshots, and reconciles the taps into the beer catalog so new beers
// enter the enrichment pipeline as pending records.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jackc/pgx/v5/pgxpool"

	"taproom/internal/config"
	"taproom/internal/db"
	"taproom/internal/taplist"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("taplist poller Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	taplistRepo := db.NewTaplistRepository(pool)
	catalogRepo := db.NewCatalogRepository(pool)

	fetcher := taplist.NewFetcher(
		&http.Client{Timeout: 15 * time.Second},
		taplist.FetcherConfig{BaseURL: cfg.Taplist.URL, Logger: logger},
	)
	cache := taplist.NewCacheService(taplistRepo, catalogRepo, fetcher, logger, taplist.Config{
		Venues:             cfg.Taplist.Venues,
		TTL:                cfg.Taplist.TTL,
		StaleMax:           cfg.Taplist.StaleMax,
		RefreshConcurrency: cfg.Taplist.RefreshConcurrency,
	})

	logger.Info("taplist poller Lambda initialized",
		"venues", len(cfg.Taplist.Venues),
		"ttl", cfg.Taplist.TTL.String(),
		"refresh_concurrency", cfg.Taplist.RefreshConcurrency,
	)

	lambda.Start(func(ctx context.Context) (*taplist.RefreshOutcome, error) {
		outcome, err := cache.RefreshAll(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "taplist refresh failed", "error", err)
			return nil, err
		}
		logger.InfoContext(ctx, "taplist refresh finished",
			"refreshed", outcome.Refreshed,
			"failed", outcome.Failed,
		)
		return outcome, nil
	})
}
