// Package enrichment implements the queue half of the ABV pipeline: the
// worker that drains enrichment jobs from SQS under budget governance, and
// a typed client for the upstream ABV lookup service.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"taproom/internal/budget"
	"taproom/internal/telemetry"
	"taproom/internal/types"
)

// Config carries the worker settings, mapped from the application
// configuration in main.
type Config struct {
	// DailyLimit is the per-day ledger capacity passed to every reservation.
	DailyLimit int
	// CallDelay is the pause between upstream calls after the first, to
	// stay under the vendor's rate limit.
	CallDelay time.Duration
	// RateLimitDelay is how far a message's redelivery is pushed out after
	// the vendor rate-limits a call.
	RateLimitDelay time.Duration
	// QueueURL is the consumed queue, required for visibility changes.
	QueueURL string
}

// BudgetGate is the per-batch admission check (kill switch and monthly
// limit). The daily limit is enforced per message by BudgetReserver.
type BudgetGate interface {
	Check(ctx context.Context, requested int) (budget.Decision, error)
}

// BudgetReserver grants single upstream calls against the daily ledger.
type BudgetReserver interface {
	Reserve(ctx context.Context, periodKey string, dailyLimit int) (int, bool, error)
}

// ABVLookup resolves a beer name to its ABV. A nil result with a nil error
// means the upstream explicitly had no answer.
type ABVLookup interface {
	Lookup(ctx context.Context, name, hint string) (*ABVResult, error)
}

// CatalogWriter records enrichment outcomes on beer rows.
type CatalogWriter interface {
	UpdateEnrichment(ctx context.Context, id string, abv, confidence float64, source string) error
	MarkNotFound(ctx context.Context, id string) error
}

// VisibilityAPI is the slice of the SQS API used to delay redelivery of
// rate-limited messages.
type VisibilityAPI interface {
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Consumer processes one delivered batch of enrichment jobs. Messages are
// handled sequentially: the upstream API is the bottleneck and its rate
// limit applies per caller, so parallelizing within a batch would gain
// nothing. Failed messages are reported through the Lambda partial batch
// response so SQS redelivers only those.
type Consumer struct {
	Config  Config
	Log     *slog.Logger
	Gate    BudgetGate
	Ledger  BudgetReserver
	Catalog CatalogWriter
	ABV     ABVLookup
	Queue   VisibilityAPI
	Metrics telemetry.EnrichmentMetrics
	Clock   types.Clock

	// SleepFn implements the inter-call pacing. Defaults to time.Sleep;
	// injected in tests.
	SleepFn func(time.Duration)
}

// Handle processes an SQS event containing one or more enrichment jobs.
//
// Admission is checked once per batch: the kill switch and a spent monthly
// budget cannot clear before redelivery, so when either trips the whole
// batch is acknowledged instead of cycling through redelivery slots. An
// unreachable ledger is the opposite case: the work is not done, so the
// whole batch is scheduled for retry.
func (c *Consumer) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}
	if len(sqsEvent.Records) == 0 {
		return response, nil
	}

	decision, err := c.Gate.Check(ctx, len(sqsEvent.Records))
	if err != nil {
		c.Log.ErrorContext(ctx, "budget check failed, retrying whole batch",
			"batch_size", len(sqsEvent.Records),
			"error", err.Error(),
		)
		return retryAll(sqsEvent), nil
	}
	if !decision.Allowed {
		c.Log.WarnContext(ctx, "enrichment gated off, acknowledging batch",
			"reason", string(decision.Reason),
			"batch_size", len(sqsEvent.Records),
		)
		c.Metrics.RecordSkip(ctx, decision.Reason, len(sqsEvent.Records))
		return response, nil
	}

	calls := 0
	for _, record := range sqsEvent.Records {
		called, err := c.processMessage(ctx, record, calls > 0)
		if called {
			calls++
		}
		if err != nil {
			c.Log.ErrorContext(ctx, "failed to process enrichment job",
				"message_id", record.MessageId,
				"error", err.Error(),
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage handles a single enrichment job. The returned bool reports
// whether an upstream call was attempted, which drives the inter-call
// pacing. A nil error acknowledges the message; a non-nil error schedules
// redelivery.
func (c *Consumer) processMessage(ctx context.Context, record events.SQSMessage, pace bool) (bool, error) {
	var job types.EnrichmentJob
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		// Permanent parse failure: acknowledge rather than loop a poison
		// pill through redelivery.
		c.Log.ErrorContext(ctx, "failed to unmarshal enrichment job, dropping message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		return false, nil
	}
	if err := job.Validate(); err != nil {
		c.Log.ErrorContext(ctx, "enrichment job failed validation, dropping message",
			"message_id", record.MessageId,
			"record_id", job.RecordID,
			"error", err.Error(),
		)
		return false, nil
	}

	dayKey := budget.DayKey(c.Clock.Now())
	count, reserved, err := c.Ledger.Reserve(ctx, dayKey, c.Config.DailyLimit)
	if err != nil {
		return false, fmt.Errorf("enrichment: failed to reserve budget for %s: %w", job.RecordID, err)
	}
	if !reserved {
		// Daily budget exhausted. The job is deferred, not failed: the
		// record stays pending and a later sweep re-enqueues it.
		c.Log.WarnContext(ctx, "daily budget exhausted, acknowledging job",
			"record_id", job.RecordID,
			"day", dayKey,
			"request_count", count,
		)
		c.Metrics.RecordSkip(ctx, budget.SkipDailyLimit, 1)
		return false, nil
	}

	if pace {
		c.sleep(c.Config.CallDelay)
	}

	start := time.Now()
	result, err := c.ABV.Lookup(ctx, job.Name, job.AttributeHint)
	c.Metrics.RecordAPILatency(ctx, time.Since(start))
	if err != nil {
		if isRateLimited(err) {
			c.extendVisibility(ctx, record)
		}
		return true, fmt.Errorf("enrichment: ABV lookup for %s failed: %w", job.RecordID, err)
	}

	if result == nil {
		if err := c.Catalog.MarkNotFound(ctx, job.RecordID); err != nil {
			return true, fmt.Errorf("enrichment: failed to mark %s not found: %w", job.RecordID, err)
		}
		c.Log.InfoContext(ctx, "no ABV available upstream",
			"record_id", job.RecordID,
			"name", job.Name,
		)
		c.Metrics.RecordOutcome(ctx, telemetry.OutcomeNotFound, 1)
		return true, nil
	}

	if err := c.Catalog.UpdateEnrichment(ctx, job.RecordID, result.ABV, result.Confidence, result.Source); err != nil {
		// The reservation is already spent and is not refunded; the
		// redelivered job will reserve again.
		return true, fmt.Errorf("enrichment: failed to store ABV for %s: %w", job.RecordID, err)
	}
	c.Log.InfoContext(ctx, "beer enriched",
		"record_id", job.RecordID,
		"abv", result.ABV,
		"confidence", result.Confidence,
		"source", result.Source,
	)
	c.Metrics.RecordOutcome(ctx, telemetry.OutcomeEnriched, 1)
	return true, nil
}

// extendVisibility pushes the message's redelivery out past the upstream
// rate-limit window. Best effort: on failure the message still retries,
// just sooner than intended.
func (c *Consumer) extendVisibility(ctx context.Context, record events.SQSMessage) {
	timeout := int32(c.Config.RateLimitDelay / time.Second)
	_, err := c.Queue.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.Config.QueueURL),
		ReceiptHandle:     aws.String(record.ReceiptHandle),
		VisibilityTimeout: timeout,
	})
	if err != nil {
		c.Log.ErrorContext(ctx, "failed to extend message visibility",
			"message_id", record.MessageId,
			"timeout_seconds", timeout,
			"error", err.Error(),
		)
		return
	}
	c.Log.InfoContext(ctx, "rate limited upstream, extended message visibility",
		"message_id", record.MessageId,
		"timeout_seconds", timeout,
	)
}

func (c *Consumer) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if c.SleepFn != nil {
		c.SleepFn(d)
		return
	}
	time.Sleep(d)
}

// retryAll reports every record in the event as a batch item failure.
func retryAll(sqsEvent events.SQSEvent) events.SQSEventResponse {
	response := events.SQSEventResponse{}
	for _, record := range sqsEvent.Records {
		response.BatchItemFailures = append(response.BatchItemFailures,
			events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
		)
	}
	return response
}

// isRateLimited reports whether an upstream error carries the rate-limit
// classification (HTTP 429 or an open client-side breaker).
func isRateLimited(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeUpstreamRateLimited
}
