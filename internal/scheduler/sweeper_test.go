package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"taproom/internal/budget"
	"taproom/internal/telemetry"
	"taproom/internal/types"
)

var testNow = time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type fakeGate struct {
	decision  budget.Decision
	err       error
	requested []int
}

func (f *fakeGate) Check(_ context.Context, requested int) (budget.Decision, error) {
	f.requested = append(f.requested, requested)
	return f.decision, f.err
}

type listCall struct {
	limit   int
	exclude bool
}

type fakeCatalog struct {
	eligible  []*types.Beer
	listErr   error
	listCalls []listCall

	markedIDs []string
	markCount int64
	markErr   error
}

func (f *fakeCatalog) ListEligible(_ context.Context, limit int, excludeOpenDeadLetters bool) ([]*types.Beer, error) {
	f.listCalls = append(f.listCalls, listCall{limit: limit, exclude: excludeOpenDeadLetters})
	return f.eligible, f.listErr
}

func (f *fakeCatalog) MarkSkipped(_ context.Context, ids []string) (int64, error) {
	if f.markErr != nil {
		return 0, f.markErr
	}
	f.markedIDs = append(f.markedIDs, ids...)
	if f.markCount > 0 {
		return f.markCount, nil
	}
	return int64(len(ids)), nil
}

type fakePublisher struct {
	batches [][]types.EnrichmentJob
	sources []string
	err     error
}

func (f *fakePublisher) PublishBatch(_ context.Context, jobs []types.EnrichmentJob, source string) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, jobs)
	f.sources = append(f.sources, source)
	return nil
}

type fakeLedgerJanitor struct {
	cutoffs []string
	deleted int64
	err     error
}

func (f *fakeLedgerJanitor) DeleteOlderThan(_ context.Context, cutoffKey string) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoffKey)
	return f.deleted, f.err
}

type fakeCleaner struct {
	calls   int
	deleted int64
	err     error
}

func (f *fakeCleaner) RunRetentionCleanup(_ context.Context) (int64, error) {
	f.calls++
	return f.deleted, f.err
}

type skipRecord struct {
	reason budget.SkipReason
	count  int
}

type budgetRecord struct {
	daily   int
	monthly int
}

type retentionRecord struct {
	table string
	count int64
}

type fakeMetrics struct {
	telemetry.NopMetrics
	skips      []skipRecord
	budgets    []budgetRecord
	enqueued   []int
	retentions []retentionRecord
}

func (f *fakeMetrics) RecordSkip(_ context.Context, reason budget.SkipReason, count int) {
	f.skips = append(f.skips, skipRecord{reason: reason, count: count})
}

func (f *fakeMetrics) RecordBudgetRemaining(_ context.Context, daily, monthly int) {
	f.budgets = append(f.budgets, budgetRecord{daily: daily, monthly: monthly})
}

func (f *fakeMetrics) RecordSweepEnqueued(_ context.Context, count int) {
	f.enqueued = append(f.enqueued, count)
}

func (f *fakeMetrics) RecordRetentionDeleted(_ context.Context, table string, count int64) {
	f.retentions = append(f.retentions, retentionRecord{table: table, count: count})
}

type sweeperFixture struct {
	gate      *fakeGate
	catalog   *fakeCatalog
	publisher *fakePublisher
	ledger    *fakeLedgerJanitor
	cleaner   *fakeCleaner
	metrics   *fakeMetrics
	sweeper   *Sweeper
}

func newFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	blocklist, err := NewBlocklist(nil)
	if err != nil {
		t.Fatalf("failed to build blocklist: %v", err)
	}
	f := &sweeperFixture{
		gate: &fakeGate{decision: budget.Decision{
			Allowed:          true,
			DailyRemaining:   458,
			MonthlyRemaining: 1850,
		}},
		catalog:   &fakeCatalog{},
		publisher: &fakePublisher{},
		ledger:    &fakeLedgerJanitor{},
		cleaner:   &fakeCleaner{},
		metrics:   &fakeMetrics{},
	}
	f.sweeper = &Sweeper{
		Config: Config{
			SweepBatchSize:         50,
			MaxEnqueueBatch:        100,
			ExcludeOpenDeadLetters: true,
			LedgerRetentionDays:    90,
		},
		Log:         testLogger(),
		Gate:        f.gate,
		Catalog:     f.catalog,
		Publisher:   f.publisher,
		Ledger:      f.ledger,
		DeadLetters: f.cleaner,
		Metrics:     f.metrics,
		Clock:       fixedClock{now: testNow},
		Blocklist:   blocklist,
	}
	return f
}

func beer(id, name string) *types.Beer {
	return &types.Beer{ID: id, Name: name, Style: "IPA", Status: types.EnrichmentPending}
}

// ----------------------------------------------------------------------------
// Run
// ----------------------------------------------------------------------------

func TestSweep_EnqueuesEligibleRecords(t *testing.T) {
	f := newFixture(t)
	f.catalog.eligible = []*types.Beer{
		beer("beer_1", "Fog City IPA"),
		beer("beer_2", "Amber Alert"),
		beer("beer_3", "Stout Shout"),
	}

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Skipped {
		t.Fatalf("expected sweep to run, got skip %s", outcome.SkipReason)
	}
	if outcome.Eligible != 3 || outcome.Enqueued != 3 || outcome.Blocklisted != 0 {
		t.Errorf("unexpected outcome: %+v", *outcome)
	}
	if len(f.catalog.listCalls) != 1 {
		t.Fatalf("expected one list call, got %d", len(f.catalog.listCalls))
	}
	if f.catalog.listCalls[0].limit != 50 || !f.catalog.listCalls[0].exclude {
		t.Errorf("unexpected list call: %+v", f.catalog.listCalls[0])
	}
	if len(f.publisher.batches) != 1 || len(f.publisher.batches[0]) != 3 {
		t.Fatalf("expected one batch of 3 jobs, got %+v", f.publisher.batches)
	}
	job := f.publisher.batches[0][0]
	if job.RecordID != "beer_1" || job.Name != "Fog City IPA" || job.AttributeHint != "IPA" {
		t.Errorf("unexpected job: %+v", job)
	}
	if f.publisher.sources[0] != types.JobSourceSweep {
		t.Errorf("expected source %q, got %q", types.JobSourceSweep, f.publisher.sources[0])
	}
	if len(f.metrics.budgets) != 1 || f.metrics.budgets[0].daily != 458 || f.metrics.budgets[0].monthly != 1850 {
		t.Errorf("unexpected budget metrics: %+v", f.metrics.budgets)
	}
	if len(f.metrics.enqueued) != 1 || f.metrics.enqueued[0] != 3 {
		t.Errorf("unexpected enqueue metrics: %v", f.metrics.enqueued)
	}
}

func TestSweep_GateTrippedStillRunsRetention(t *testing.T) {
	f := newFixture(t)
	f.gate.decision = budget.Decision{Allowed: false, Reason: budget.SkipMonthlyLimit}

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Skipped || outcome.SkipReason != budget.SkipMonthlyLimit {
		t.Errorf("unexpected outcome: %+v", *outcome)
	}
	if len(f.catalog.listCalls) != 0 {
		t.Error("expected no eligibility query when gated")
	}
	if len(f.publisher.batches) != 0 {
		t.Error("expected nothing enqueued when gated")
	}
	if len(f.metrics.skips) != 1 || f.metrics.skips[0].reason != budget.SkipMonthlyLimit {
		t.Errorf("unexpected skip metrics: %+v", f.metrics.skips)
	}
	if len(f.metrics.budgets) != 0 {
		t.Errorf("expected no budget metric when gated, got %+v", f.metrics.budgets)
	}
	if len(f.ledger.cutoffs) != 1 || f.cleaner.calls != 1 {
		t.Error("expected retention to run despite the gate")
	}
}

func TestSweep_GateStoreErrorFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.gate.err = errors.New("connection refused")

	_, err := f.sweeper.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "budget check failed") {
		t.Errorf("unexpected error: %v", err)
	}
	if len(f.catalog.listCalls) != 0 || len(f.publisher.batches) != 0 {
		t.Error("expected no work after a failed budget check")
	}
	if f.cleaner.calls != 0 {
		t.Error("expected no retention attempt after a failed budget check")
	}
}

func TestSweep_DailyBudgetExhausted(t *testing.T) {
	f := newFixture(t)
	f.gate.decision = budget.Decision{Allowed: true, DailyRemaining: 0, MonthlyRemaining: 1850}

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Skipped || outcome.SkipReason != budget.SkipDailyLimit {
		t.Errorf("unexpected outcome: %+v", *outcome)
	}
	if len(f.catalog.listCalls) != 0 {
		t.Error("expected no eligibility query with no budget")
	}
	if f.cleaner.calls != 1 {
		t.Error("expected retention to run despite the exhausted budget")
	}
}

func TestSweep_NoEligibleRecords(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Skipped || outcome.SkipReason != budget.SkipNoEligibleRecords {
		t.Errorf("unexpected outcome: %+v", *outcome)
	}
	if len(f.publisher.batches) != 0 {
		t.Error("expected nothing enqueued")
	}
	if f.cleaner.calls != 1 {
		t.Error("expected retention to run")
	}
}

func TestSweep_ListErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.catalog.listErr = errors.New("relation does not exist")

	_, err := f.sweeper.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to list eligible records") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSweep_BlocklistedRecordsRetired(t *testing.T) {
	f := newFixture(t)
	f.catalog.eligible = []*types.Beer{
		beer("beer_1", "Fog City IPA"),
		beer("beer_2", "IPA Flight"),
		beer("beer_3", "Water"),
	}

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Eligible != 3 || outcome.Blocklisted != 2 || outcome.Enqueued != 1 {
		t.Errorf("unexpected outcome: %+v", *outcome)
	}
	if len(f.catalog.markedIDs) != 2 || f.catalog.markedIDs[0] != "beer_2" || f.catalog.markedIDs[1] != "beer_3" {
		t.Errorf("unexpected marked ids: %v", f.catalog.markedIDs)
	}
	if len(f.publisher.batches) != 1 || len(f.publisher.batches[0]) != 1 {
		t.Fatalf("expected one job enqueued, got %+v", f.publisher.batches)
	}
	if f.publisher.batches[0][0].RecordID != "beer_1" {
		t.Errorf("unexpected enqueued job: %+v", f.publisher.batches[0][0])
	}
	found := false
	for _, skip := range f.metrics.skips {
		if skip.reason == budget.SkipBlocklisted && skip.count == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a blocklisted skip metric, got %+v", f.metrics.skips)
	}
}

func TestSweep_AllBlocklisted(t *testing.T) {
	f := newFixture(t)
	f.catalog.eligible = []*types.Beer{
		beer("beer_1", "Beer Flights"),
		beer("beer_2", "Sampler Tray"),
	}

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Blocklisted != 2 || outcome.Enqueued != 0 {
		t.Errorf("unexpected outcome: %+v", *outcome)
	}
	if len(f.publisher.batches) != 0 {
		t.Error("expected no publish call for an all-blocked batch")
	}
	if len(f.metrics.enqueued) != 0 {
		t.Errorf("expected no enqueue metric, got %v", f.metrics.enqueued)
	}
}

func TestSweep_MarkSkippedFailureStillEnqueues(t *testing.T) {
	f := newFixture(t)
	f.catalog.eligible = []*types.Beer{
		beer("beer_1", "Fog City IPA"),
		beer("beer_2", "IPA Flight"),
	}
	f.catalog.markErr = errors.New("deadlock detected")

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Enqueued != 1 {
		t.Errorf("expected the clean record enqueued, got %+v", *outcome)
	}
	if len(f.publisher.batches) != 1 {
		t.Error("expected the publish to proceed")
	}
}

func TestSweep_PublishFailure(t *testing.T) {
	f := newFixture(t)
	f.catalog.eligible = []*types.Beer{beer("beer_1", "Fog City IPA")}
	f.publisher.err = errors.New("sqs unavailable")

	_, err := f.sweeper.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to enqueue jobs") {
		t.Errorf("unexpected error: %v", err)
	}
}

// ----------------------------------------------------------------------------
// Retention
// ----------------------------------------------------------------------------

func TestSweep_RetentionDeletesExpired(t *testing.T) {
	f := newFixture(t)
	f.catalog.eligible = []*types.Beer{beer("beer_1", "Fog City IPA")}
	f.ledger.deleted = 31
	f.cleaner.deleted = 12

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.LedgerDeleted != 31 || outcome.DeadLettersDeleted != 12 {
		t.Errorf("unexpected retention counts: %+v", *outcome)
	}
	wantCutoff := budget.RetentionCutoffKey(testNow, 90)
	if len(f.ledger.cutoffs) != 1 || f.ledger.cutoffs[0] != wantCutoff {
		t.Errorf("expected cutoff %q, got %v", wantCutoff, f.ledger.cutoffs)
	}
	if len(f.metrics.retentions) != 1 || f.metrics.retentions[0].table != "budget_ledger" || f.metrics.retentions[0].count != 31 {
		t.Errorf("unexpected retention metrics: %+v", f.metrics.retentions)
	}
}

func TestSweep_LedgerRetentionFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.catalog.eligible = []*types.Beer{beer("beer_1", "Fog City IPA")}
	f.ledger.err = errors.New("connection reset")
	f.cleaner.deleted = 5

	outcome, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.LedgerDeleted != 0 {
		t.Errorf("expected no ledger count on failure, got %d", outcome.LedgerDeleted)
	}
	if f.cleaner.calls != 1 || outcome.DeadLettersDeleted != 5 {
		t.Error("expected dead letter cleanup to run after a ledger failure")
	}
}

func TestSweep_ZeroRetentionDaysFallsBack(t *testing.T) {
	f := newFixture(t)
	f.sweeper.Config.LedgerRetentionDays = 0
	f.catalog.eligible = []*types.Beer{beer("beer_1", "Fog City IPA")}

	_, err := f.sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantCutoff := budget.RetentionCutoffKey(testNow, defaultLedgerRetentionDays)
	if len(f.ledger.cutoffs) != 1 || f.ledger.cutoffs[0] != wantCutoff {
		t.Errorf("expected fallback cutoff %q, got %v", wantCutoff, f.ledger.cutoffs)
	}
}

// ----------------------------------------------------------------------------
// Batch sizing
// ----------------------------------------------------------------------------

func TestEffectiveBatch(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		daily   int
		monthly int
		want    int
	}{
		{"requested fits", Config{SweepBatchSize: 50, MaxEnqueueBatch: 100}, 458, 1850, 50},
		{"daily bounds", Config{SweepBatchSize: 50, MaxEnqueueBatch: 100}, 7, 1850, 7},
		{"monthly bounds", Config{SweepBatchSize: 50, MaxEnqueueBatch: 100}, 400, 3, 3},
		{"ceiling bounds", Config{SweepBatchSize: 500, MaxEnqueueBatch: 100}, 458, 1850, 100},
		{"zero ceiling falls back", Config{SweepBatchSize: 500, MaxEnqueueBatch: 0}, 458, 1850, 100},
		{"oversized ceiling clamped", Config{SweepBatchSize: 500, MaxEnqueueBatch: 200}, 458, 1850, 100},
		{"no daily budget", Config{SweepBatchSize: 50, MaxEnqueueBatch: 100}, 0, 1850, 0},
		{"small ceiling wins", Config{SweepBatchSize: 50, MaxEnqueueBatch: 30}, 430, 20, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := budget.Decision{Allowed: true, DailyRemaining: tt.daily, MonthlyRemaining: tt.monthly}
			if got := effectiveBatch(tt.cfg, d); got != tt.want {
				t.Errorf("effectiveBatch = %d, want %d", got, tt.want)
			}
		})
	}
}
