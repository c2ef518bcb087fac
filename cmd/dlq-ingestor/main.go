// Package main is the entrypoint for the DLQ Ingestor Lambda function.
//
// The ingestor is subscribed to the enrichment dead letter queue. Messages
// land there after the redrive policy exhausts the enrichment worker's
// receive budget; each one is persisted as a pending dead letter row keyed
// by SQS message id so operators can inspect, replay, or acknowledge it via
// the admin API. Only database failures are reported back to SQS for
// redelivery; unparseable payloads are captured as-is.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"

	"taproom/internal/config"
	"taproom/internal/db"
	"taproom/internal/dlq"
	"taproom/internal/telemetry"
	"taproom/internal/types"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("dlq ingestor Lambda initializing (cold start)")

	// The ingestor reads individual env vars instead of the full Config:
	// it needs only the database and metrics settings, and a full LoadConfig
	// would demand queue and API settings this function never uses.
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	var metrics telemetry.EnrichmentMetrics = telemetry.NopMetrics{}
	if os.Getenv("ENABLE_METRICS") != "false" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("failed to load AWS SDK config", "error", err)
			os.Exit(1)
		}
		metrics = telemetry.NewCloudWatchEnrichmentMetrics(cloudwatch.NewFromConfig(awsCfg), logger)
	}

	ingestor := &dlq.Ingestor{
		DB:      db.NewDeadLetterRepository(pool),
		Metrics: metrics,
		Log:     logger,
		Clock:   types.RealClock{},
	}

	logger.Info("dlq ingestor Lambda initialized")

	lambda.Start(ingestor.Handle)
}
