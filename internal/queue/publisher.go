// Package queue provides the SQS producer for dispatching enrichment jobs to
// the worker queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"taproom/internal/types"
)

// sqsMaxBatchSize is the SendMessageBatch API limit.
const sqsMaxBatchSize = 10

// sqsMaxDelaySeconds is the SQS DelaySeconds ceiling (15 minutes).
const sqsMaxDelaySeconds = 900

// SQSSender abstracts the SQS send operations for testability. Production
// code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// JobPublisher serializes EnrichmentJobs and dispatches them to the
// enrichment queue. The sweeper uses PublishBatch; dead-letter replay uses
// Publish with an optional delay.
type JobPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewJobPublisher creates a new JobPublisher targeting the enrichment queue.
func NewJobPublisher(client SQSSender, queueURL string, logger *slog.Logger) *JobPublisher {
	return &JobPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish serializes the job to JSON and sends it with the specified delay.
//
// The delay parameter controls SQS DelaySeconds. SQS enforces a maximum of
// 900 seconds (15 minutes); longer delays are clamped, negative delays send
// immediately. The source string annotates the message for debugging
// ("replay", "sweep"); consumers read only the body.
func (p *JobPublisher) Publish(ctx context.Context, job types.EnrichmentJob, delay time.Duration, source string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal enrichment job: %w", err)
	}

	delaySec := int32(delay.Seconds())
	if delaySec > sqsMaxDelaySeconds {
		delaySec = sqsMaxDelaySeconds
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"source": {
				DataType:    aws.String("String"),
				StringValue: aws.String(source),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send enrichment job to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "enrichment job published",
		"queue_url", p.queueURL,
		"record_id", job.RecordID,
		"delay_seconds", delaySec,
		"source", source,
	)

	return nil
}

// PublishBatch chunks jobs into groups of 10 and sends them via the SQS
// SendMessageBatch API. Each job is serialized to JSON. The context is
// checked before each chunk so a Lambda timeout aborts cleanly between API
// calls; a partial failure within a chunk fails the whole publish.
func (p *JobPublisher) PublishBatch(ctx context.Context, jobs []types.EnrichmentJob, source string) error {
	for i := 0; i < len(jobs); i += sqsMaxBatchSize {
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue: context cancelled during batch send: %w", ctx.Err())
		default:
		}

		end := i + sqsMaxBatchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		chunk := jobs[i:end]
		entries := make([]sqsTypes.SendMessageBatchRequestEntry, len(chunk))
		for j, job := range chunk {
			body, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("queue: failed to marshal enrichment job: %w", err)
			}
			entries[j] = sqsTypes.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("job-%d", i+j)),
				MessageBody: aws.String(string(body)),
			}
		}

		output, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("queue: SendMessageBatch failed: %w", err)
		}
		if len(output.Failed) > 0 {
			return fmt.Errorf("queue: SendMessageBatch had %d failures, first: code=%s, message=%s",
				len(output.Failed),
				aws.ToString(output.Failed[0].Code),
				aws.ToString(output.Failed[0].Message),
			)
		}
	}

	p.logger.InfoContext(ctx, "enrichment jobs published",
		"queue_url", p.queueURL,
		"job_count", len(jobs),
		"source", source,
	)

	return nil
}
