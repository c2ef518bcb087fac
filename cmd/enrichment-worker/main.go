// Package main is the entrypoint for the Enrichment Worker Lambda function.
//
// The worker consumes enrichment jobs from the SQS enrichment queue, checks
// batch admission against the budget circuit breaker (kill switch, monthly
// ceiling), reserves daily budget per job via the atomic ledger upsert, calls
// the upstream ABV API, and records the outcome on the catalog row. Failed
// messages are reported through the Lambda partial batch response so SQS
// redelivers only those; rate-limited messages additionally get their
// visibility extended past the vendor's cool-off window.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"taproom/internal/budget"
	"taproom/internal/config"
	"taproom/internal/db"
	"taproom/internal/enrichment"
	"taproom/internal/telemetry"
	"taproom/internal/types"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("enrichment worker Lambda initializing (cold start)")

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

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
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

	ledgerRepo := db.NewBudgetLedgerRepository(pool)
	catalogRepo := db.NewCatalogRepository(pool)

	breaker := &budget.CircuitBreaker{
		Config: budget.Config{
			Disabled:     cfg.Enrichment.Disabled,
			DailyLimit:   cfg.Enrichment.DailyLimit,
			MonthlyLimit: cfg.Enrichment.MonthlyLimit,
		},
		Log:    logger,
		Ledger: ledgerRepo,
		Clock:  types.RealClock{},
	}

	abvClient := enrichment.NewABVClient(
		&http.Client{Timeout: cfg.ABVAPI.Timeout},
		enrichment.ABVClientConfig{
			APIKey:  cfg.ABVAPI.Key.Unmask(),
			BaseURL: cfg.ABVAPI.URL,
			Logger:  logger,
		},
	)

	consumer := &enrichment.Consumer{
		Config: enrichment.Config{
			DailyLimit:     cfg.Enrichment.DailyLimit,
			CallDelay:      cfg.Enrichment.CallDelay,
			RateLimitDelay: cfg.Enrichment.RateLimitDelay,
			QueueURL:       cfg.AWS.EnrichmentQueue,
		},
		Log:     logger,
		Gate:    breaker,
		Ledger:  ledgerRepo,
		Catalog: catalogRepo,
		ABV:     abvClient,
		Queue:   sqsClient,
		Metrics: metrics,
		Clock:   types.RealClock{},
	}

	logger.Info("enrichment worker Lambda initialized",
		"queue", cfg.AWS.EnrichmentQueue,
		"daily_limit", cfg.Enrichment.DailyLimit,
		"monthly_limit", cfg.Enrichment.MonthlyLimit,
		"call_delay", cfg.Enrichment.CallDelay.String(),
		"disabled", cfg.Enrichment.Disabled,
	)

	lambda.Start(consumer.Handle)
}
