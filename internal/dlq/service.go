// Package dlq implements the dead letter governance surface: capturing
// exhausted enrichment jobs off the redrive queue and the admin operations
// that inspect, replay, acknowledge, and expire them.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"taproom/internal/telemetry"
	"taproom/internal/types"
)

const (
	// DefaultReplayMaxBatch caps the ids accepted by a single replay call.
	DefaultReplayMaxBatch = 50
	// DefaultAckMaxBatch caps the ids accepted by a single acknowledge call.
	DefaultAckMaxBatch = 100
	// DefaultRetentionDays is how long terminal rows are kept before cleanup.
	DefaultRetentionDays = 30

	cleanupBatchSize = 1000
	statsTopSources  = 5
	statsTopRepeats  = 10
)

// terminalStatuses are the dead letter states eligible for retention
// deletion. Pending and replaying rows are never aged out.
var terminalStatuses = []types.DeadLetterStatus{
	types.DeadLetterReplayed,
	types.DeadLetterAcknowledged,
}

// AdminDB is the persistence surface for dead letter administration.
// *db.DeadLetterRepository satisfies it.
type AdminDB interface {
	List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterEntry, types.PageInfo, error)
	StatusCounts(ctx context.Context) (map[types.DeadLetterStatus]int, error)
	OldestPendingAge(ctx context.Context) (*float64, error)
	TopFailingSources(ctx context.Context, limit int) ([]types.FailingSource, error)
	RepeatFailures(ctx context.Context, limit int) ([]types.RepeatFailure, error)
	CountSince(ctx context.Context, since time.Time) (int, error)

	// ClaimForReplay atomically moves pending rows to replaying and returns
	// the claimed rows with their raw payloads hydrated.
	ClaimForReplay(ctx context.Context, ids []int64) ([]*types.DeadLetterEntry, error)
	MarkReplayed(ctx context.Context, id int64) error
	ReleaseToPending(ctx context.Context, id int64) error
	Acknowledge(ctx context.Context, ids []int64) (int64, error)
	DeleteTerminalBatch(ctx context.Context, status types.DeadLetterStatus, cutoff time.Time, limit int) (int64, error)
}

// ReplayPublisher re-enqueues a stored job onto the enrichment queue.
// *queue.JobPublisher satisfies it.
type ReplayPublisher interface {
	Publish(ctx context.Context, job types.EnrichmentJob, delay time.Duration, source string) error
}

// Config bounds the admin operations. Zero values fall back to the
// package defaults.
type Config struct {
	ReplayMaxBatch int
	AckMaxBatch    int
	RetentionDays  int
}

// ReplayResult reports the outcome of one replay call. Requested minus
// Claimed rows were not in pending state when the claim ran and were left
// untouched.
type ReplayResult struct {
	Requested int `json:"requested"`
	Claimed   int `json:"claimed"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
}

type adminService struct {
	db        AdminDB
	publisher ReplayPublisher
	metrics   telemetry.EnrichmentMetrics
	clock     types.Clock
	logger    *slog.Logger
	cfg       Config
}

// NewAdminService creates the dead letter admin service. A nil logger falls
// back to slog.Default and nil metrics to a no-op recorder.
func NewAdminService(db AdminDB, publisher ReplayPublisher, metrics telemetry.EnrichmentMetrics, logger *slog.Logger, cfg Config) *adminService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	if cfg.ReplayMaxBatch <= 0 {
		cfg.ReplayMaxBatch = DefaultReplayMaxBatch
	}
	if cfg.AckMaxBatch <= 0 {
		cfg.AckMaxBatch = DefaultAckMaxBatch
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	return &adminService{
		db:        db,
		publisher: publisher,
		metrics:   metrics,
		clock:     types.RealClock{},
		logger:    logger,
		cfg:       cfg,
	}
}

// ----------------------------------------------------------------------------
// Read operations
// ----------------------------------------------------------------------------

// List returns a page of dead letters. An empty status filter defaults to
// pending, the queue an operator is usually triaging.
func (s *adminService) List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterEntry, types.PageInfo, error) {
	if filter.Status == "" {
		filter.Status = types.DeadLetterPending
	} else if !validStatus(filter.Status) {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeValidationInvalidStatus,
			fmt.Sprintf("unknown dead letter status %q", filter.Status), nil)
	}
	return s.db.List(ctx, filter)
}

// Stats assembles the aggregate dead letter view. The five underlying
// queries are independent and run concurrently; the first failure cancels
// the rest.
func (s *adminService) Stats(ctx context.Context) (*types.DeadLetterStats, error) {
	stats := &types.DeadLetterStats{}
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		counts, err := s.db.StatusCounts(gCtx)
		if err != nil {
			return err
		}
		stats.ByStatus = counts
		return nil
	})
	g.Go(func() error {
		age, err := s.db.OldestPendingAge(gCtx)
		if err != nil {
			return err
		}
		stats.OldestPendingAgeHours = age
		return nil
	})
	g.Go(func() error {
		sources, err := s.db.TopFailingSources(gCtx, statsTopSources)
		if err != nil {
			return err
		}
		stats.TopFailingSources = sources
		return nil
	})
	g.Go(func() error {
		repeats, err := s.db.RepeatFailures(gCtx, statsTopRepeats)
		if err != nil {
			return err
		}
		stats.RepeatFailures = repeats
		return nil
	})
	g.Go(func() error {
		count, err := s.db.CountSince(gCtx, s.clock.Now().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		stats.Last24h = count
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// ----------------------------------------------------------------------------
// Replay
// ----------------------------------------------------------------------------

// Replay re-enqueues the requested pending rows. Rows are claimed into
// replaying first so a concurrent replay of the same ids cannot double
// enqueue; each claim then either lands back in pending (payload unusable
// or enqueue failed) or moves to replayed. The per-row failures are
// reported in the result, not as an error.
func (s *adminService) Replay(ctx context.Context, ids []int64, delay time.Duration) (*ReplayResult, error) {
	if err := validateIDs(ids, s.cfg.ReplayMaxBatch, "replay"); err != nil {
		return nil, err
	}

	claims, err := s.db.ClaimForReplay(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := &ReplayResult{Requested: len(ids), Claimed: len(claims)}
	for _, claim := range claims {
		if s.replayOne(ctx, claim, delay) {
			result.Replayed++
		} else {
			result.Failed++
		}
	}

	if result.Replayed > 0 {
		s.metrics.RecordDeadLetterReplayed(ctx, telemetry.ReplaySucceeded, result.Replayed)
	}
	if result.Failed > 0 {
		s.metrics.RecordDeadLetterReplayed(ctx, telemetry.ReplayFailed, result.Failed)
	}
	s.logger.InfoContext(ctx, "dead letter replay finished",
		"requested", result.Requested,
		"claimed", result.Claimed,
		"replayed", result.Replayed,
		"failed", result.Failed)
	return result, nil
}

func (s *adminService) replayOne(ctx context.Context, claim *types.DeadLetterEntry, delay time.Duration) bool {
	var job types.EnrichmentJob
	if err := json.Unmarshal([]byte(claim.RawMessage), &job); err != nil {
		s.logger.WarnContext(ctx, "dead letter payload is not a valid job, releasing",
			"id", claim.ID, "error", err)
		s.release(ctx, claim.ID)
		return false
	}
	if err := job.Validate(); err != nil {
		s.logger.WarnContext(ctx, "dead letter payload fails job validation, releasing",
			"id", claim.ID, "error", err)
		s.release(ctx, claim.ID)
		return false
	}

	if err := s.publisher.Publish(ctx, job, delay, types.JobSourceReplay); err != nil {
		s.logger.ErrorContext(ctx, "failed to re-enqueue dead letter, releasing",
			"id", claim.ID, "record_id", job.RecordID, "error", err)
		s.release(ctx, claim.ID)
		return false
	}

	if err := s.db.MarkReplayed(ctx, claim.ID); err != nil {
		// The job is already on the queue, so releasing to pending would
		// invite a second enqueue. The row stays replaying until an operator
		// resets it.
		s.logger.ErrorContext(ctx, "failed to mark dead letter replayed, row needs manual reset",
			"id", claim.ID, "error", err)
		return false
	}
	return true
}

func (s *adminService) release(ctx context.Context, id int64) {
	if err := s.db.ReleaseToPending(ctx, id); err != nil {
		s.logger.ErrorContext(ctx, "failed to release dead letter back to pending, row needs manual reset",
			"id", id, "error", err)
	}
}

// ----------------------------------------------------------------------------
// Acknowledge and retention
// ----------------------------------------------------------------------------

// Acknowledge marks the given pending rows as resolved without replaying
// them. Rows in any other state are skipped; the returned count is how many
// rows actually transitioned.
func (s *adminService) Acknowledge(ctx context.Context, ids []int64) (int64, error) {
	if err := validateIDs(ids, s.cfg.AckMaxBatch, "acknowledge"); err != nil {
		return 0, err
	}
	count, err := s.db.Acknowledge(ctx, ids)
	if err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "dead letters acknowledged", "requested", len(ids), "acknowledged", count)
	return count, nil
}

// RunRetentionCleanup deletes terminal rows older than the retention
// horizon, in fixed-size batches to bound lock time. It returns the total
// deleted, including partial progress when a batch fails.
func (s *adminService) RunRetentionCleanup(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	var total int64
	for _, status := range terminalStatuses {
		for {
			deleted, err := s.db.DeleteTerminalBatch(ctx, status, cutoff, cleanupBatchSize)
			total += deleted
			if err != nil {
				return total, err
			}
			if deleted < cleanupBatchSize {
				break
			}
		}
	}
	if total > 0 {
		s.metrics.RecordRetentionDeleted(ctx, "dead_letters", total)
		s.logger.InfoContext(ctx, "dead letter retention cleanup finished",
			"deleted", total, "cutoff", cutoff.Format(time.RFC3339))
	}
	return total, nil
}

func validateIDs(ids []int64, max int, op string) error {
	if len(ids) == 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField, "ids is required", nil)
	}
	if len(ids) > max {
		return types.NewAppError(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("%s accepts at most %d ids per call, got %d", op, max, len(ids)), nil)
	}
	for _, id := range ids {
		if id <= 0 {
			return types.NewAppError(types.ErrCodeValidationInvalidField, "ids must be positive", nil)
		}
	}
	return nil
}

func validStatus(status types.DeadLetterStatus) bool {
	switch status {
	case types.DeadLetterPending, types.DeadLetterReplaying, types.DeadLetterReplayed, types.DeadLetterAcknowledged:
		return true
	}
	return false
}
