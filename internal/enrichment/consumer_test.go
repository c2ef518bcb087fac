package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"taproom/internal/budget"
	"taproom/internal/telemetry"
	"taproom/internal/types"
)

// --- Fakes ---

type fakeGate struct {
	decision budget.Decision
	err      error
	calls    []int
}

func (g *fakeGate) Check(_ context.Context, requested int) (budget.Decision, error) {
	g.calls = append(g.calls, requested)
	if g.err != nil {
		return budget.Decision{}, g.err
	}
	return g.decision, nil
}

type reserveResult struct {
	count    int
	reserved bool
	err      error
}

// fakeReserver pops scripted results per call, repeating the last one when
// the script runs out.
type fakeReserver struct {
	results []reserveResult
	keys    []string
	limits  []int
}

func (r *fakeReserver) Reserve(_ context.Context, periodKey string, dailyLimit int) (int, bool, error) {
	r.keys = append(r.keys, periodKey)
	r.limits = append(r.limits, dailyLimit)
	res := reserveResult{count: 1, reserved: true}
	if len(r.results) > 0 {
		res = r.results[0]
		if len(r.results) > 1 {
			r.results = r.results[1:]
		}
	}
	return res.count, res.reserved, res.err
}

type fakeLookup struct {
	results map[string]*ABVResult
	errs    map[string]error
	names   []string
}

func (l *fakeLookup) Lookup(_ context.Context, name, _ string) (*ABVResult, error) {
	l.names = append(l.names, name)
	if err, ok := l.errs[name]; ok {
		return nil, err
	}
	return l.results[name], nil
}

type enrichmentUpdate struct {
	id         string
	abv        float64
	confidence float64
	source     string
}

type fakeCatalog struct {
	updates   []enrichmentUpdate
	notFound  []string
	updateErr error
	markErr   error
}

func (c *fakeCatalog) UpdateEnrichment(_ context.Context, id string, abv, confidence float64, source string) error {
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updates = append(c.updates, enrichmentUpdate{id: id, abv: abv, confidence: confidence, source: source})
	return nil
}

func (c *fakeCatalog) MarkNotFound(_ context.Context, id string) error {
	if c.markErr != nil {
		return c.markErr
	}
	c.notFound = append(c.notFound, id)
	return nil
}

type fakeVisibility struct {
	calls []*sqs.ChangeMessageVisibilityInput
	err   error
}

func (v *fakeVisibility) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	v.calls = append(v.calls, params)
	if v.err != nil {
		return nil, v.err
	}
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

type skipRecord struct {
	reason budget.SkipReason
	count  int
}

type outcomeRecord struct {
	outcome telemetry.Outcome
	count   int
}

type fakeMetrics struct {
	telemetry.NopMetrics
	skips    []skipRecord
	outcomes []outcomeRecord
}

func (m *fakeMetrics) RecordSkip(_ context.Context, reason budget.SkipReason, count int) {
	m.skips = append(m.skips, skipRecord{reason: reason, count: count})
}

func (m *fakeMetrics) RecordOutcome(_ context.Context, outcome telemetry.Outcome, count int) {
	m.outcomes = append(m.outcomes, outcomeRecord{outcome: outcome, count: count})
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- Helpers ---

type consumerFixture struct {
	consumer *Consumer
	gate     *fakeGate
	reserver *fakeReserver
	lookup   *fakeLookup
	catalog  *fakeCatalog
	queue    *fakeVisibility
	metrics  *fakeMetrics
	sleeps   *[]time.Duration
}

func newFixture() *consumerFixture {
	gate := &fakeGate{decision: budget.Decision{Allowed: true, DailyRemaining: 400, MonthlyRemaining: 1500}}
	reserver := &fakeReserver{}
	lookup := &fakeLookup{results: map[string]*ABVResult{}, errs: map[string]error{}}
	catalog := &fakeCatalog{}
	queue := &fakeVisibility{}
	metrics := &fakeMetrics{}
	sleeps := &[]time.Duration{}

	consumer := &Consumer{
		Config: Config{
			DailyLimit:     500,
			CallDelay:      2 * time.Second,
			RateLimitDelay: 120 * time.Second,
			QueueURL:       "https://sqs.us-east-1.amazonaws.com/123456789/taproom-enrichment",
		},
		Log:     testLogger(),
		Gate:    gate,
		Ledger:  reserver,
		Catalog: catalog,
		ABV:     lookup,
		Queue:   queue,
		Metrics: metrics,
		Clock:   fixedClock{now: time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)},
		SleepFn: func(d time.Duration) { *sleeps = append(*sleeps, d) },
	}

	return &consumerFixture{
		consumer: consumer,
		gate:     gate,
		reserver: reserver,
		lookup:   lookup,
		catalog:  catalog,
		queue:    queue,
		metrics:  metrics,
		sleeps:   sleeps,
	}
}

func buildSQSEvent(jobs ...types.EnrichmentJob) events.SQSEvent {
	records := make([]events.SQSMessage, len(jobs))
	for i, job := range jobs {
		body, _ := json.Marshal(job)
		records[i] = events.SQSMessage{
			MessageId:     "msg-" + job.RecordID,
			ReceiptHandle: "rh-" + job.RecordID,
			Body:          string(body),
		}
	}
	return events.SQSEvent{Records: records}
}

func job(id, name string) types.EnrichmentJob {
	return types.EnrichmentJob{RecordID: id, Name: name, AttributeHint: "abv"}
}

func failureIDs(resp events.SQSEventResponse) []string {
	ids := make([]string, 0, len(resp.BatchItemFailures))
	for _, f := range resp.BatchItemFailures {
		ids = append(ids, f.ItemIdentifier)
	}
	return ids
}

// --- Batch Gate Tests ---

func TestHandle_EmptyEvent(t *testing.T) {
	f := newFixture()

	resp, err := f.consumer.Handle(context.Background(), events.SQSEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %d", len(resp.BatchItemFailures))
	}
	if len(f.gate.calls) != 0 {
		t.Errorf("expected no gate check for empty event, got %d", len(f.gate.calls))
	}
}

func TestHandle_GateTripped_AcknowledgesAll(t *testing.T) {
	f := newFixture()
	f.gate.decision = budget.Decision{Allowed: false, Reason: budget.SkipKillSwitch}

	event := buildSQSEvent(job("beer_1", "First"), job("beer_2", "Second"), job("beer_3", "Third"))
	resp, err := f.consumer.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Retrying would hit the same gate on redelivery; everything is acked.
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %d", len(resp.BatchItemFailures))
	}
	if len(f.reserver.keys) != 0 {
		t.Errorf("expected no reservations, got %d", len(f.reserver.keys))
	}
	if len(f.lookup.names) != 0 {
		t.Errorf("expected no upstream calls, got %d", len(f.lookup.names))
	}
	if len(f.metrics.skips) != 1 || f.metrics.skips[0].reason != budget.SkipKillSwitch || f.metrics.skips[0].count != 3 {
		t.Errorf("expected one kill_switch skip of 3, got %+v", f.metrics.skips)
	}
	if len(f.gate.calls) != 1 || f.gate.calls[0] != 3 {
		t.Errorf("expected single gate check for 3 messages, got %v", f.gate.calls)
	}
}

func TestHandle_GateStoreError_RetriesAll(t *testing.T) {
	f := newFixture()
	f.gate.err = errors.New("connection refused")

	event := buildSQSEvent(job("beer_1", "First"), job("beer_2", "Second"))
	resp, err := f.consumer.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An unreachable store is not completed work: everything retries.
	ids := failureIDs(resp)
	if len(ids) != 2 || ids[0] != "msg-beer_1" || ids[1] != "msg-beer_2" {
		t.Errorf("expected both messages retried, got %v", ids)
	}
	if len(f.reserver.keys) != 0 {
		t.Errorf("expected no reservations, got %d", len(f.reserver.keys))
	}
}

// --- Per-Message Tests ---

func TestHandle_SuccessfulEnrichment(t *testing.T) {
	f := newFixture()
	f.lookup.results["Hazy Wonder IPA"] = &ABVResult{ABV: 6.7, Confidence: 0.92, Source: "brewerydb"}

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Hazy Wonder IPA")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %v", failureIDs(resp))
	}
	if len(f.catalog.updates) != 1 {
		t.Fatalf("expected 1 catalog update, got %d", len(f.catalog.updates))
	}
	update := f.catalog.updates[0]
	if update.id != "beer_1" || update.abv != 6.7 || update.confidence != 0.92 || update.source != "brewerydb" {
		t.Errorf("unexpected update: %+v", update)
	}
	if len(f.reserver.keys) != 1 || f.reserver.keys[0] != "2026-08-24" {
		t.Errorf("expected one reservation for 2026-08-24, got %v", f.reserver.keys)
	}
	if f.reserver.limits[0] != 500 {
		t.Errorf("expected daily limit 500, got %d", f.reserver.limits[0])
	}
	if len(*f.sleeps) != 0 {
		t.Errorf("expected no pacing before the first call, got %v", *f.sleeps)
	}
	if len(f.metrics.outcomes) != 1 || f.metrics.outcomes[0].outcome != telemetry.OutcomeEnriched {
		t.Errorf("expected enriched outcome, got %+v", f.metrics.outcomes)
	}
}

func TestHandle_SequentialPacing(t *testing.T) {
	f := newFixture()
	f.lookup.results["First"] = &ABVResult{ABV: 5.0, Confidence: 0.8, Source: "brewerydb"}
	f.lookup.results["Second"] = &ABVResult{ABV: 6.0, Confidence: 0.8, Source: "brewerydb"}
	f.lookup.results["Third"] = &ABVResult{ABV: 7.0, Confidence: 0.8, Source: "brewerydb"}

	event := buildSQSEvent(job("beer_1", "First"), job("beer_2", "Second"), job("beer_3", "Third"))
	resp, err := f.consumer.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %v", failureIDs(resp))
	}
	if len(f.lookup.names) != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", len(f.lookup.names))
	}
	// Two sleeps: before the second and third calls, never before the first.
	if len(*f.sleeps) != 2 {
		t.Fatalf("expected 2 pacing sleeps, got %v", *f.sleeps)
	}
	for _, d := range *f.sleeps {
		if d != 2*time.Second {
			t.Errorf("expected 2s pacing, got %v", d)
		}
	}
}

func TestHandle_PacingOnlyCountsUpstreamCalls(t *testing.T) {
	f := newFixture()
	// First reservation denied (no upstream call), next two granted.
	f.reserver.results = []reserveResult{
		{count: 500, reserved: false},
		{count: 12, reserved: true},
		{count: 13, reserved: true},
	}
	f.lookup.results["Second"] = &ABVResult{ABV: 6.0, Confidence: 0.8, Source: "brewerydb"}
	f.lookup.results["Third"] = &ABVResult{ABV: 7.0, Confidence: 0.8, Source: "brewerydb"}

	event := buildSQSEvent(job("beer_1", "First"), job("beer_2", "Second"), job("beer_3", "Third"))
	resp, err := f.consumer.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %v", failureIDs(resp))
	}
	if len(f.lookup.names) != 2 {
		t.Fatalf("expected 2 upstream calls, got %v", f.lookup.names)
	}
	// The denied message made no upstream call, so only the third message
	// pays the pacing delay.
	if len(*f.sleeps) != 1 {
		t.Errorf("expected 1 pacing sleep, got %v", *f.sleeps)
	}
}

func TestHandle_MalformedBody_Acked(t *testing.T) {
	f := newFixture()

	event := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "msg-bad", Body: "{{not valid json}}"},
	}}
	resp, err := f.consumer.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Malformed messages are acked to prevent poison pill loops.
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %d", len(resp.BatchItemFailures))
	}
	if len(f.reserver.keys) != 0 {
		t.Errorf("expected no reservation for malformed message, got %d", len(f.reserver.keys))
	}
}

func TestHandle_InvalidJob_Acked(t *testing.T) {
	f := newFixture()

	// Valid JSON but missing the record id: can never succeed.
	event := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "msg-invalid", Body: `{"name": "Orphan IPA"}`},
	}}
	resp, err := f.consumer.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %d", len(resp.BatchItemFailures))
	}
	if len(f.reserver.keys) != 0 {
		t.Errorf("expected no reservation for invalid job, got %d", len(f.reserver.keys))
	}
}

func TestHandle_ReservationDenied_Acked(t *testing.T) {
	f := newFixture()
	f.reserver.results = []reserveResult{{count: 500, reserved: false}}

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Hazy Wonder IPA")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Over budget for today is deferral, not failure.
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %d", len(resp.BatchItemFailures))
	}
	if len(f.lookup.names) != 0 {
		t.Errorf("expected no upstream call, got %v", f.lookup.names)
	}
	if len(f.metrics.skips) != 1 || f.metrics.skips[0].reason != budget.SkipDailyLimit || f.metrics.skips[0].count != 1 {
		t.Errorf("expected one daily_limit skip, got %+v", f.metrics.skips)
	}
}

func TestHandle_ReservationError_Retries(t *testing.T) {
	f := newFixture()
	f.reserver.results = []reserveResult{{err: errors.New("connection refused")}}

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Hazy Wonder IPA")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := failureIDs(resp)
	if len(ids) != 1 || ids[0] != "msg-beer_1" {
		t.Errorf("expected beer_1 retried, got %v", ids)
	}
	if len(f.lookup.names) != 0 {
		t.Errorf("expected no upstream call, got %v", f.lookup.names)
	}
}

func TestHandle_NotFoundUpstream_MarksAndAcks(t *testing.T) {
	f := newFixture()
	// No entry in lookup.results: the fake returns nil, nil.

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Mystery Brew")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected 0 failures, got %v", failureIDs(resp))
	}
	if len(f.catalog.notFound) != 1 || f.catalog.notFound[0] != "beer_1" {
		t.Errorf("expected beer_1 marked not found, got %v", f.catalog.notFound)
	}
	if len(f.metrics.outcomes) != 1 || f.metrics.outcomes[0].outcome != telemetry.OutcomeNotFound {
		t.Errorf("expected not_found outcome, got %+v", f.metrics.outcomes)
	}
}

func TestHandle_RateLimited_ExtendsVisibilityAndRetries(t *testing.T) {
	f := newFixture()
	f.lookup.errs["Hazy Wonder IPA"] = types.NewAppError(
		types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", nil)

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Hazy Wonder IPA")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := failureIDs(resp)
	if len(ids) != 1 || ids[0] != "msg-beer_1" {
		t.Errorf("expected beer_1 retried, got %v", ids)
	}

	if len(f.queue.calls) != 1 {
		t.Fatalf("expected 1 visibility change, got %d", len(f.queue.calls))
	}
	call := f.queue.calls[0]
	if *call.QueueUrl != f.consumer.Config.QueueURL {
		t.Errorf("unexpected queue URL: %q", *call.QueueUrl)
	}
	if *call.ReceiptHandle != "rh-beer_1" {
		t.Errorf("unexpected receipt handle: %q", *call.ReceiptHandle)
	}
	if call.VisibilityTimeout != 120 {
		t.Errorf("expected visibility timeout 120s, got %d", call.VisibilityTimeout)
	}
}

func TestHandle_UpstreamError_RetriesWithoutExtension(t *testing.T) {
	f := newFixture()
	f.lookup.errs["Hazy Wonder IPA"] = types.NewAppError(
		types.ErrCodeUpstreamUnavailable, "upstream returned 500 after retries", nil)

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Hazy Wonder IPA")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(failureIDs(resp)) != 1 {
		t.Errorf("expected 1 failure, got %v", failureIDs(resp))
	}
	// Only the rate-limit classification extends visibility.
	if len(f.queue.calls) != 0 {
		t.Errorf("expected no visibility changes, got %d", len(f.queue.calls))
	}
}

func TestHandle_CatalogWriteFailure_Retries(t *testing.T) {
	f := newFixture()
	f.lookup.results["Hazy Wonder IPA"] = &ABVResult{ABV: 6.7, Confidence: 0.92, Source: "brewerydb"}
	f.catalog.updateErr = errors.New("connection refused")

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Hazy Wonder IPA")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(failureIDs(resp)) != 1 {
		t.Errorf("expected 1 failure, got %v", failureIDs(resp))
	}
	// The reservation was spent even though the write failed.
	if len(f.reserver.keys) != 1 {
		t.Errorf("expected the reservation to have been made, got %d", len(f.reserver.keys))
	}
}

func TestHandle_VisibilityExtensionFailure_StillRetries(t *testing.T) {
	f := newFixture()
	f.lookup.errs["Hazy Wonder IPA"] = types.NewAppError(
		types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", nil)
	f.queue.err = errors.New("access denied")

	resp, err := f.consumer.Handle(context.Background(), buildSQSEvent(job("beer_1", "Hazy Wonder IPA")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Extension is best effort; the retry must happen regardless.
	if len(failureIDs(resp)) != 1 {
		t.Errorf("expected 1 failure, got %v", failureIDs(resp))
	}
}

func TestHandle_MixedBatch(t *testing.T) {
	f := newFixture()
	f.lookup.results["Good Beer"] = &ABVResult{ABV: 5.2, Confidence: 0.88, Source: "brewerydb"}
	f.lookup.errs["Limited Beer"] = types.NewAppError(
		types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", nil)

	event := events.SQSEvent{Records: []events.SQSMessage{
		buildSQSEvent(job("beer_1", "Good Beer")).Records[0],
		{MessageId: "msg-bad", Body: "not json"},
		buildSQSEvent(job("beer_3", "Limited Beer")).Records[0],
	}}

	resp, err := f.consumer.Handle(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ids := failureIDs(resp)
	if len(ids) != 1 || ids[0] != "msg-beer_3" {
		t.Errorf("expected only the rate-limited message retried, got %v", ids)
	}
	if len(f.catalog.updates) != 1 || f.catalog.updates[0].id != "beer_1" {
		t.Errorf("expected beer_1 enriched, got %+v", f.catalog.updates)
	}
}

func TestIsRateLimited(t *testing.T) {
	rateLimited := types.NewAppError(types.ErrCodeUpstreamRateLimited, "rate limited", nil)
	if !isRateLimited(rateLimited) {
		t.Error("expected rate-limited AppError to be detected")
	}
	if !isRateLimited(fmt.Errorf("lookup failed: %w", rateLimited)) {
		t.Error("expected wrapped rate-limited AppError to be detected")
	}
	if isRateLimited(types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)) {
		t.Error("did not expect unavailable AppError to be rate limited")
	}
	if isRateLimited(errors.New("plain")) {
		t.Error("did not expect plain error to be rate limited")
	}
}
