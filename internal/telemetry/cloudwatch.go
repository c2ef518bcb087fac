// Package telemetry publishes operational metrics for the enrichment
// pipeline to CloudWatch. Publication is fire-and-forget: a metrics
// failure is logged and never propagated to the caller.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"taproom/internal/budget"
	"taproom/internal/types"
)

// Outcome categorizes a completed enrichment attempt for metrics reporting.
type Outcome string

const (
	OutcomeEnriched Outcome = "enriched"
	OutcomeNotFound Outcome = "not_found"
)

// ReplayResult categorizes a dead-letter replay attempt.
type ReplayResult string

const (
	ReplaySucceeded ReplayResult = "replayed"
	ReplayFailed    ReplayResult = "failed"
)

// EnrichmentMetrics abstracts telemetry for the worker, the sweeper, and
// the DLQ admin service.
type EnrichmentMetrics interface {
	// RecordSkip counts jobs or sweeps suppressed by budget governance,
	// dimensioned by the skip reason.
	RecordSkip(ctx context.Context, reason budget.SkipReason, count int)
	// RecordOutcome counts completed enrichment attempts by terminal outcome.
	RecordOutcome(ctx context.Context, outcome Outcome, count int)
	// RecordBudgetRemaining publishes the remaining daily and monthly budget
	// after a breaker check.
	RecordBudgetRemaining(ctx context.Context, daily, monthly int)
	// RecordSweepEnqueued counts jobs handed to the queue by a sweep.
	RecordSweepEnqueued(ctx context.Context, count int)
	// RecordRetentionDeleted counts rows removed by retention cleanup,
	// dimensioned by table.
	RecordRetentionDeleted(ctx context.Context, table string, count int64)
	// RecordDeadLetterIngested counts entries written by the DLQ ingestor.
	RecordDeadLetterIngested(ctx context.Context, count int)
	// RecordDeadLetterReplayed counts admin replay outcomes.
	RecordDeadLetterReplayed(ctx context.Context, result ReplayResult, count int)
	// RecordAPILatency publishes the duration of one upstream lookup call.
	RecordAPILatency(ctx context.Context, duration time.Duration)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchEnrichmentMetrics implements EnrichmentMetrics by emitting
// metrics to AWS CloudWatch under the shared platform namespace.
type CloudWatchEnrichmentMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time assertion that CloudWatchEnrichmentMetrics implements EnrichmentMetrics.
var _ EnrichmentMetrics = (*CloudWatchEnrichmentMetrics)(nil)

// NewCloudWatchEnrichmentMetrics creates a CloudWatchEnrichmentMetrics
// publishing to the platform metric namespace.
func NewCloudWatchEnrichmentMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchEnrichmentMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchEnrichmentMetrics{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// publish sends one PutMetricData call and logs failures without returning
// them. Metrics must never fail the operation they observe.
func (m *CloudWatchEnrichmentMetrics) publish(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		names := make([]string, 0, len(data))
		for _, d := range data {
			names = append(names, aws.ToString(d.MetricName))
		}
		m.logger.ErrorContext(ctx, "failed to publish metrics",
			"metrics", names,
			"error", err.Error(),
		)
	}
}

func (m *CloudWatchEnrichmentMetrics) RecordSkip(ctx context.Context, reason budget.SkipReason, count int) {
	m.publish(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricEnrichmentSkipped),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimReason), Value: aws.String(string(reason))},
		},
	})
}

func (m *CloudWatchEnrichmentMetrics) RecordOutcome(ctx context.Context, outcome Outcome, count int) {
	m.publish(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricEnrichmentProcessed),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimOutcome), Value: aws.String(string(outcome))},
		},
	})
}

func (m *CloudWatchEnrichmentMetrics) RecordBudgetRemaining(ctx context.Context, daily, monthly int) {
	m.publish(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricBudgetDailyRemaining),
			Value:      aws.Float64(float64(daily)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricBudgetMonthRemaining),
			Value:      aws.Float64(float64(monthly)),
			Unit:       cwtypes.StandardUnitCount,
		},
	)
}

func (m *CloudWatchEnrichmentMetrics) RecordSweepEnqueued(ctx context.Context, count int) {
	m.publish(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricSweepEnqueued),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchEnrichmentMetrics) RecordRetentionDeleted(ctx context.Context, table string, count int64) {
	m.publish(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricRetentionDeleted),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimTable), Value: aws.String(table)},
		},
	})
}

func (m *CloudWatchEnrichmentMetrics) RecordDeadLetterIngested(ctx context.Context, count int) {
	m.publish(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeadLetterIngested),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchEnrichmentMetrics) RecordDeadLetterReplayed(ctx context.Context, result ReplayResult, count int) {
	m.publish(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeadLetterReplayed),
		Value:      aws.Float64(float64(count)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimOutcome), Value: aws.String(string(result))},
		},
	})
}

func (m *CloudWatchEnrichmentMetrics) RecordAPILatency(ctx context.Context, duration time.Duration) {
	m.publish(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

// NopMetrics discards every measurement. It serves as the default collector
// when telemetry is not configured and as an embeddable base for test fakes
// that only care about a subset of the interface.
type NopMetrics struct{}

var _ EnrichmentMetrics = NopMetrics{}

func (NopMetrics) RecordSkip(context.Context, budget.SkipReason, int)          {}
func (NopMetrics) RecordOutcome(context.Context, Outcome, int)                 {}
func (NopMetrics) RecordBudgetRemaining(context.Context, int, int)             {}
func (NopMetrics) RecordSweepEnqueued(context.Context, int)                    {}
func (NopMetrics) RecordRetentionDeleted(context.Context, string, int64)       {}
func (NopMetrics) RecordDeadLetterIngested(context.Context, int)               {}
func (NopMetrics) RecordDeadLetterReplayed(context.Context, ReplayResult, int) {}
func (NopMetrics) RecordAPILatency(context.Context, time.Duration)             {}
