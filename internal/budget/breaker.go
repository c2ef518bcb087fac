// Package budget implements quota governance for the ABV enrichment
// pipeline. Spend against the upstream API is tracked in a per-day ledger;
// this package layers the control logic on top: an operator kill switch, a
// monthly ceiling checked read-only, and daily-budget arithmetic used to
// size sweep batches. The hard daily guarantee lives in the ledger's atomic
// reservation, not here: a passing Check never entitles a caller to spend
// without reserving first.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"taproom/internal/types"
)

// SkipReason explains why enrichment work was skipped. Skips are normal
// control flow, reported to telemetry, never errors.
type SkipReason string

const (
	SkipKillSwitch        SkipReason = "kill_switch"
	SkipDailyLimit        SkipReason = "daily_limit"
	SkipMonthlyLimit      SkipReason = "monthly_limit"
	SkipNoEligibleRecords SkipReason = "no_eligible_records"
	SkipBlocklisted       SkipReason = "blocklisted"
)

// LedgerReader is the read-only view of the budget ledger the breaker needs.
// Implemented by db.BudgetLedgerRepository.
type LedgerReader interface {
	DayCount(ctx context.Context, periodKey string) (int, error)
	MonthlyUsed(ctx context.Context, monthStartKey, nextMonthStartKey string) (int, error)
}

// Config holds the governance limits, mapped from EnrichmentConfig by the
// entrypoints.
type Config struct {
	// Disabled is the operator kill switch. When set, nothing is enqueued
	// or processed, regardless of remaining budget.
	Disabled bool

	// DailyLimit is the maximum upstream calls per UTC day.
	DailyLimit int

	// MonthlyLimit is the maximum upstream calls per calendar month.
	MonthlyLimit int
}

// Decision is the outcome of a breaker check. When Allowed is false, Reason
// says which layer tripped. The remaining counts are a read-time snapshot:
// they size batches but do not reserve anything.
type Decision struct {
	Allowed          bool
	Reason           SkipReason
	DailyUsed        int
	DailyRemaining   int
	MonthlyUsed      int
	MonthlyRemaining int
}

// CircuitBreaker evaluates the governance layers in order: kill switch,
// monthly ceiling, then daily arithmetic. A ledger read failure is returned
// as an error and callers must fail closed: no error path ever concludes
// "allowed".
type CircuitBreaker struct {
	Config Config
	Log    *slog.Logger
	Ledger LedgerReader
	Clock  types.Clock
}

// Check evaluates the layers for a prospective batch of size requested.
// requested only annotates logs; the caller derives its effective batch from
// the Decision's remaining counts.
func (cb *CircuitBreaker) Check(ctx context.Context, requested int) (Decision, error) {
	if cb.Config.Disabled {
		cb.Log.InfoContext(ctx, "Enrichment kill switch is on, skipping",
			"requested", requested,
		)
		return Decision{Allowed: false, Reason: SkipKillSwitch}, nil
	}

	now := cb.Clock.Now()
	monthStart, nextMonthStart := MonthRange(now)

	monthlyUsed, err := cb.Ledger.MonthlyUsed(ctx, monthStart, nextMonthStart)
	if err != nil {
		// Fail closed: an unreadable ledger means no spending.
		return Decision{}, fmt.Errorf("budget: failed to read monthly usage: %w", err)
	}
	if monthlyUsed >= cb.Config.MonthlyLimit {
		cb.Log.WarnContext(ctx, "Monthly enrichment budget exhausted",
			"monthly_used", monthlyUsed,
			"monthly_limit", cb.Config.MonthlyLimit,
			"requested", requested,
		)
		return Decision{
			Allowed:     false,
			Reason:      SkipMonthlyLimit,
			MonthlyUsed: monthlyUsed,
		}, nil
	}

	dailyUsed, err := cb.Ledger.DayCount(ctx, DayKey(now))
	if err != nil {
		return Decision{}, fmt.Errorf("budget: failed to read daily usage: %w", err)
	}

	d := Decision{
		Allowed:          true,
		DailyUsed:        dailyUsed,
		DailyRemaining:   cb.Config.DailyLimit - dailyUsed,
		MonthlyUsed:      monthlyUsed,
		MonthlyRemaining: cb.Config.MonthlyLimit - monthlyUsed,
	}
	if d.DailyRemaining < 0 {
		d.DailyRemaining = 0
	}

	cb.Log.InfoContext(ctx, "Budget check passed",
		"requested", requested,
		"daily_used", dailyUsed,
		"daily_remaining", d.DailyRemaining,
		"monthly_used", monthlyUsed,
		"monthly_remaining", d.MonthlyRemaining,
	)
	return d, nil
}
