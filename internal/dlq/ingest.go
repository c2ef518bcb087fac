package dlq

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"taproom/internal/telemetry"
	"taproom/internal/types"
)

// Failure reasons recorded on ingested rows.
const (
	reasonMaxReceives = "max receive count exceeded"
	reasonUnparseable = "unparseable enrichment job payload"
)

// IngestDB is the insert surface for recording dead letters. Insert reports
// whether a row was created; a redelivered message id is a no-op.
type IngestDB interface {
	Insert(ctx context.Context, e *types.DeadLetterEntry) (bool, error)
}

// Ingestor persists messages redriven onto the dead letter queue. Each
// record becomes one pending row keyed by SQS message id, so redeliveries
// of the same message cannot duplicate rows. Only database failures are
// retried; everything else is captured as-is, including bodies that no
// longer parse as jobs.
type Ingestor struct {
	DB      IngestDB
	Metrics telemetry.EnrichmentMetrics
	Log     *slog.Logger
	Clock   types.Clock
}

// Handle processes one SQS event from the dead letter queue.
func (i *Ingestor) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var response events.SQSEventResponse
	ingested := 0

	for _, record := range sqsEvent.Records {
		entry := i.buildEntry(record)
		inserted, err := i.DB.Insert(ctx, entry)
		if err != nil {
			i.Log.ErrorContext(ctx, "failed to record dead letter",
				"message_id", record.MessageId, "error", err)
			response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}
		if !inserted {
			i.Log.DebugContext(ctx, "dead letter already recorded, ignoring redelivery",
				"message_id", record.MessageId)
			continue
		}
		ingested++
		i.Log.InfoContext(ctx, "dead letter recorded",
			"message_id", record.MessageId,
			"record_id", entry.RecordID,
			"source_queue", entry.SourceQueue,
			"failure_count", entry.FailureCount)
	}

	if ingested > 0 {
		i.Metrics.RecordDeadLetterIngested(ctx, ingested)
	}
	return response, nil
}

// buildEntry maps an SQS record to a dead letter row. The job fields are
// best effort: a body that does not decode leaves them empty and flips the
// failure reason.
func (i *Ingestor) buildEntry(record events.SQSMessage) *types.DeadLetterEntry {
	entry := &types.DeadLetterEntry{
		MessageID:     record.MessageId,
		RawMessage:    record.Body,
		FailureReason: reasonMaxReceives,
		FailureCount:  receiveCount(record),
		SourceQueue:   queueNameFromARN(record.EventSourceARN),
		FailedAt:      i.failedAt(record),
	}

	var job types.EnrichmentJob
	if err := json.Unmarshal([]byte(record.Body), &job); err != nil {
		entry.FailureReason = reasonUnparseable
		return entry
	}
	entry.RecordID = job.RecordID
	entry.Name = job.Name
	return entry
}

// failedAt prefers the SQS SentTimestamp, which is when the redrive landed
// the message on the dead letter queue.
func (i *Ingestor) failedAt(record events.SQSMessage) time.Time {
	if ms, err := strconv.ParseInt(record.Attributes["SentTimestamp"], 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return i.Clock.Now().UTC()
}

// receiveCount reads how many consumer deliveries the message burned
// through before the redrive policy gave up on it.
func receiveCount(record events.SQSMessage) int {
	n, err := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func queueNameFromARN(arn string) string {
	if idx := strings.LastIndex(arn, ":"); idx >= 0 {
		return arn[idx+1:]
	}
	return arn
}
