// Package scheduler drives the periodic sweep that feeds the enrichment
// queue, plus the retention housekeeping that trails every sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"taproom/internal/budget"
	"taproom/internal/telemetry"
	"taproom/internal/types"
)

const (
	// maxEnqueueCeiling is the hard upper bound on jobs per sweep,
	// regardless of configuration.
	maxEnqueueCeiling = 100

	defaultLedgerRetentionDays = 90
)

// BudgetGate is the read-only breaker check. *budget.CircuitBreaker
// satisfies it.
type BudgetGate interface {
	Check(ctx context.Context, requested int) (budget.Decision, error)
}

// CatalogSource lists enrichment candidates and retires blocklisted ones.
// *db.CatalogRepository satisfies it.
type CatalogSource interface {
	ListEligible(ctx context.Context, limit int, excludeOpenDeadLetters bool) ([]*types.Beer, error)
	MarkSkipped(ctx context.Context, ids []string) (int64, error)
}

// BatchPublisher enqueues jobs. *queue.JobPublisher satisfies it.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, jobs []types.EnrichmentJob, source string) error
}

// LedgerJanitor deletes ledger rows past the retention horizon.
// *db.BudgetLedgerRepository satisfies it.
type LedgerJanitor interface {
	DeleteOlderThan(ctx context.Context, cutoffKey string) (int64, error)
}

// RetentionCleaner expires terminal dead letters. The dlq admin service
// satisfies it.
type RetentionCleaner interface {
	RunRetentionCleanup(ctx context.Context) (int64, error)
}

// Config sizes the sweep. The entrypoints fill it from EnrichmentConfig
// and LedgerConfig.
type Config struct {
	SweepBatchSize         int
	MaxEnqueueBatch        int
	ExcludeOpenDeadLetters bool
	LedgerRetentionDays    int
}

// SweepOutcome reports what a single sweep did. Retention runs even when
// enqueueing is gated off, so the deletion counts are populated either way.
type SweepOutcome struct {
	Skipped            bool              `json:"skipped"`
	SkipReason         budget.SkipReason `json:"skip_reason,omitempty"`
	Eligible           int               `json:"eligible"`
	Blocklisted        int               `json:"blocklisted"`
	Enqueued           int               `json:"enqueued"`
	LedgerDeleted      int64             `json:"ledger_deleted"`
	DeadLettersDeleted int64             `json:"dead_letters_deleted"`
}

// Sweeper selects pending catalog records and enqueues them as enrichment
// jobs, bounded by the remaining budget so queued work can never overrun
// the ledger even if every job lands the same day.
type Sweeper struct {
	Config      Config
	Log         *slog.Logger
	Gate        BudgetGate
	Catalog     CatalogSource
	Publisher   BatchPublisher
	Ledger      LedgerJanitor
	DeadLetters RetentionCleaner
	Metrics     telemetry.EnrichmentMetrics
	Clock       types.Clock
	Blocklist   *Blocklist
}

// Run executes one sweep.
func (s *Sweeper) Run(ctx context.Context) (*SweepOutcome, error) {
	outcome := &SweepOutcome{}

	decision, err := s.Gate.Check(ctx, s.Config.SweepBatchSize)
	if err != nil {
		// Fail closed: an unreadable ledger enqueues nothing.
		return nil, fmt.Errorf("scheduler: budget check failed: %w", err)
	}
	if !decision.Allowed {
		s.skip(ctx, outcome, decision.Reason)
		s.runRetention(ctx, outcome)
		return outcome, nil
	}
	s.Metrics.RecordBudgetRemaining(ctx, decision.DailyRemaining, decision.MonthlyRemaining)

	batch := effectiveBatch(s.Config, decision)
	if batch <= 0 {
		s.skip(ctx, outcome, budget.SkipDailyLimit)
		s.runRetention(ctx, outcome)
		return outcome, nil
	}

	candidates, err := s.Catalog.ListEligible(ctx, batch, s.Config.ExcludeOpenDeadLetters)
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to list eligible records: %w", err)
	}
	outcome.Eligible = len(candidates)
	if len(candidates) == 0 {
		s.skip(ctx, outcome, budget.SkipNoEligibleRecords)
		s.runRetention(ctx, outcome)
		return outcome, nil
	}

	jobs, blockedIDs := s.split(candidates)
	outcome.Blocklisted = len(blockedIDs)

	if len(blockedIDs) > 0 {
		// Blocklisted rows that fail to mark stay pending and are filtered
		// again next sweep; the rest of the batch still goes out.
		marked, err := s.Catalog.MarkSkipped(ctx, blockedIDs)
		if err != nil {
			s.Log.ErrorContext(ctx, "failed to mark blocklisted records", "error", err)
		} else {
			s.Log.InfoContext(ctx, "blocklisted records retired",
				"matched", len(blockedIDs), "marked", marked)
		}
		s.Metrics.RecordSkip(ctx, budget.SkipBlocklisted, len(blockedIDs))
	}

	if len(jobs) > 0 {
		if err := s.Publisher.PublishBatch(ctx, jobs, types.JobSourceSweep); err != nil {
			return nil, fmt.Errorf("scheduler: failed to enqueue jobs: %w", err)
		}
		outcome.Enqueued = len(jobs)
		s.Metrics.RecordSweepEnqueued(ctx, len(jobs))
	}

	s.Log.InfoContext(ctx, "sweep finished",
		"eligible", outcome.Eligible,
		"blocklisted", outcome.Blocklisted,
		"enqueued", outcome.Enqueued,
		"daily_remaining", decision.DailyRemaining,
		"monthly_remaining", decision.MonthlyRemaining)

	s.runRetention(ctx, outcome)
	return outcome, nil
}

func (s *Sweeper) skip(ctx context.Context, outcome *SweepOutcome, reason budget.SkipReason) {
	s.Log.WarnContext(ctx, "sweep skipped", "reason", string(reason))
	s.Metrics.RecordSkip(ctx, reason, 1)
	outcome.Skipped = true
	outcome.SkipReason = reason
}

// split partitions candidates into enqueueable jobs and blocklisted ids.
func (s *Sweeper) split(candidates []*types.Beer) ([]types.EnrichmentJob, []string) {
	jobs := make([]types.EnrichmentJob, 0, len(candidates))
	var blocked []string
	for _, beer := range candidates {
		if s.Blocklist.Blocked(beer.Name) {
			blocked = append(blocked, beer.ID)
			continue
		}
		jobs = append(jobs, types.EnrichmentJob{
			RecordID:      beer.ID,
			Name:          beer.Name,
			AttributeHint: beer.Style,
		})
	}
	return jobs, blocked
}

// runRetention ages out expired ledger rows and terminal dead letters. It
// runs even when the sweep is gated off and never fails the sweep; a
// failed pass is picked up by the next run.
func (s *Sweeper) runRetention(ctx context.Context, outcome *SweepOutcome) {
	days := s.Config.LedgerRetentionDays
	if days <= 0 {
		// A zero horizon would delete everything before today.
		days = defaultLedgerRetentionDays
	}
	cutoffKey := budget.RetentionCutoffKey(s.Clock.Now(), days)
	deleted, err := s.Ledger.DeleteOlderThan(ctx, cutoffKey)
	if err != nil {
		s.Log.ErrorContext(ctx, "ledger retention cleanup failed", "error", err)
	} else {
		outcome.LedgerDeleted = deleted
		if deleted > 0 {
			s.Metrics.RecordRetentionDeleted(ctx, "budget_ledger", deleted)
			s.Log.InfoContext(ctx, "expired ledger rows deleted",
				"deleted", deleted, "cutoff", cutoffKey)
		}
	}

	dlDeleted, err := s.DeadLetters.RunRetentionCleanup(ctx)
	outcome.DeadLettersDeleted = dlDeleted
	if err != nil {
		s.Log.ErrorContext(ctx, "dead letter retention cleanup failed", "error", err)
	}
}

// effectiveBatch bounds the sweep so the queue never holds more work than
// the budget could absorb if every queued job ran today.
func effectiveBatch(cfg Config, d budget.Decision) int {
	batch := cfg.SweepBatchSize
	if d.DailyRemaining < batch {
		batch = d.DailyRemaining
	}
	if d.MonthlyRemaining < batch {
		batch = d.MonthlyRemaining
	}
	ceiling := cfg.MaxEnqueueBatch
	if ceiling <= 0 || ceiling > maxEnqueueCeiling {
		ceiling = maxEnqueueCeiling
	}
	if batch > ceiling {
		batch = ceiling
	}
	return batch
}
