// Package main is the entrypoint for the Sweeper Lambda function.
//
// The sweeper runs on an EventBridge schedule. It checks the budget circuit
// breaker, selects pending catalog records (filtering the blocklist and,
// optionally, records with open dead letters), and enqueues them as
// enrichment jobs sized to the remaining budget. Every run finishes with
// retention housekeeping: expired budget ledger rows and terminal dead
// letters past the retention horizon are deleted.
package main

import (
	"context"
	"log/slog"
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
	"taproom/internal/dlq"
	"taproom/internal/queue"
	"taproom/internal/scheduler"
	"taproom/internal/telemetry"
	"taproom/internal/types"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("sweeper Lambda initializing (cold start)")

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
	deadLetterRepo := db.NewDeadLetterRepository(pool)

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

	publisher := queue.NewJobPublisher(sqsClient, cfg.AWS.EnrichmentQueue, logger)
	adminSvc := dlq.NewAdminService(deadLetterRepo, publisher, metrics, logger, dlq.Config{
		ReplayMaxBatch: cfg.DLQ.ReplayMaxBatch,
		AckMaxBatch:    cfg.DLQ.AckMaxBatch,
		RetentionDays:  cfg.DLQ.RetentionDays,
	})

	blocklist, err := scheduler.NewBlocklist(cfg.Enrichment.BlocklistExtra)
	if err != nil {
		logger.Error("failed to build blocklist", "error", err)
		os.Exit(1)
	}

	sweeper := &scheduler.Sweeper{
		Config: scheduler.Config{
			SweepBatchSize:         cfg.Enrichment.SweepBatchSize,
			MaxEnqueueBatch:        cfg.Enrichment.MaxEnqueueBatch,
			ExcludeOpenDeadLetters: cfg.Enrichment.ExcludeOpenDeadLetters,
			LedgerRetentionDays:    cfg.Ledger.RetentionDays,
		},
		Log:         logger,
		Gate:        breaker,
		Catalog:     catalogRepo,
		Publisher:   publisher,
		Ledger:      ledgerRepo,
		DeadLetters: adminSvc,
		Metrics:     metrics,
		Clock:       types.RealClock{},
		Blocklist:   blocklist,
	}

	logger.Info("sweeper Lambda initialized",
		"queue", cfg.AWS.EnrichmentQueue,
		"sweep_batch_size", cfg.Enrichment.SweepBatchSize,
		"max_enqueue_batch", cfg.Enrichment.MaxEnqueueBatch,
		"exclude_open_dead_letters", cfg.Enrichment.ExcludeOpenDeadLetters,
		"ledger_retention_days", cfg.Ledger.RetentionDays,
	)

	lambda.Start(func(ctx context.Context) (*scheduler.SweepOutcome, error) {
		outcome, err := sweeper.Run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "sweep failed", "error", err)
			return nil, err
		}
		return outcome, nil
	})
}
