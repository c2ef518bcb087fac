package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"taproom/internal/budget"
	"taproom/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func testMetrics(cw *mockCloudWatchClient) *CloudWatchEnrichmentMetrics {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return NewCloudWatchEnrichmentMetrics(cw, logger)
}

func TestRecordSkip(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := testMetrics(cw)

	metrics.RecordSkip(context.Background(), budget.SkipMonthlyLimit, 10)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}
	if len(input.MetricData) != 1 {
		t.Fatalf("expected 1 metric datum, got %d", len(input.MetricData))
	}

	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricEnrichmentSkipped {
		t.Errorf("expected metric name %q, got %q", types.MetricEnrichmentSkipped, *datum.MetricName)
	}
	if *datum.Value != 10.0 {
		t.Errorf("expected value 10.0, got %f", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, types.DimReason, string(budget.SkipMonthlyLimit))
}

func TestRecordOutcome(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := testMetrics(cw)

	metrics.RecordOutcome(context.Background(), OutcomeEnriched, 1)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(cw.calls))
	}
	datum := cw.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricEnrichmentProcessed {
		t.Errorf("expected metric name %q, got %q", types.MetricEnrichmentProcessed, *datum.MetricName)
	}
	assertDimension(t, datum.Dimensions, types.DimOutcome, string(OutcomeEnriched))
}

func TestRecordBudgetRemaining(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := testMetrics(cw)

	metrics.RecordBudgetRemaining(context.Background(), 458, 1850)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(cw.calls))
	}
	data := cw.calls[0].MetricData
	if len(data) != 2 {
		t.Fatalf("expected 2 metric datums, got %d", len(data))
	}
	if *data[0].MetricName != types.MetricBudgetDailyRemaining || *data[0].Value != 458.0 {
		t.Errorf("unexpected daily datum: %s=%f", *data[0].MetricName, *data[0].Value)
	}
	if *data[1].MetricName != types.MetricBudgetMonthRemaining || *data[1].Value != 1850.0 {
		t.Errorf("unexpected monthly datum: %s=%f", *data[1].MetricName, *data[1].Value)
	}
}

func TestRecordRetentionDeleted(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := testMetrics(cw)

	metrics.RecordRetentionDeleted(context.Background(), "budget_ledger", 31)

	datum := cw.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricRetentionDeleted {
		t.Errorf("expected metric name %q, got %q", types.MetricRetentionDeleted, *datum.MetricName)
	}
	if *datum.Value != 31.0 {
		t.Errorf("expected value 31.0, got %f", *datum.Value)
	}
	assertDimension(t, datum.Dimensions, types.DimTable, "budget_ledger")
}

func TestRecordDeadLetterReplayed(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := testMetrics(cw)

	metrics.RecordDeadLetterReplayed(context.Background(), ReplayFailed, 2)

	datum := cw.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricDeadLetterReplayed {
		t.Errorf("expected metric name %q, got %q", types.MetricDeadLetterReplayed, *datum.MetricName)
	}
	if *datum.Value != 2.0 {
		t.Errorf("expected value 2.0, got %f", *datum.Value)
	}
	assertDimension(t, datum.Dimensions, types.DimOutcome, string(ReplayFailed))
}

func TestRecordAPILatency(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := testMetrics(cw)

	metrics.RecordAPILatency(context.Background(), 250*time.Millisecond)

	datum := cw.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricAPILatency {
		t.Errorf("expected metric name %q, got %q", types.MetricAPILatency, *datum.MetricName)
	}
	if *datum.Value != 250.0 {
		t.Errorf("expected latency value 250.0ms, got %f", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("expected unit Milliseconds, got %s", datum.Unit)
	}
}

func TestPublish_CloudWatchError(t *testing.T) {
	// CloudWatch errors are logged but never returned (fire-and-forget).
	cw := &mockCloudWatchClient{returnErr: fmt.Errorf("cloudwatch unavailable")}
	metrics := testMetrics(cw)

	metrics.RecordSweepEnqueued(context.Background(), 50)

	if len(cw.calls) != 1 {
		t.Errorf("expected 1 call attempt, got %d", len(cw.calls))
	}
}

func TestNopMetrics(t *testing.T) {
	// NopMetrics must satisfy the full interface and do nothing.
	var m EnrichmentMetrics = NopMetrics{}
	m.RecordSkip(context.Background(), budget.SkipKillSwitch, 1)
	m.RecordOutcome(context.Background(), OutcomeNotFound, 1)
	m.RecordBudgetRemaining(context.Background(), 0, 0)
	m.RecordAPILatency(context.Background(), time.Second)
}

// assertDimension verifies a specific dimension exists with the expected value.
func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, expectedValue string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != expectedValue {
				t.Errorf("dimension %q: expected value %q, got %q", name, expectedValue, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %q not found in %v", name, dims)
}
