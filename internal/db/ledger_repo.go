package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"taproom/internal/types"
)

// BudgetLedgerRepository provides data access for the budget_ledger table,
// which holds one row per UTC day counting upstream ABV API calls. The table
// is the authoritative record of enrichment spend: the daily cap is enforced
// by the atomic Reserve statement, and the monthly cap is derived by summing
// the calendar month's rows.
type BudgetLedgerRepository struct {
	db DBTX
}

// NewBudgetLedgerRepository creates a new BudgetLedgerRepository backed by
// the given database connection (pool or transaction).
func NewBudgetLedgerRepository(db DBTX) *BudgetLedgerRepository {
	return &BudgetLedgerRepository{db: db}
}

// Reserve attempts to claim one unit of the daily budget for periodKey
// (format "2006-01-02"). It returns the day's request count as observed by
// the statement and whether the unit was granted.
//
// The whole protocol is a single statement so it is safe under arbitrary
// concurrency without advisory locks or SELECT ... FOR UPDATE:
//
//	WITH attempt AS (
//	    INSERT INTO budget_ledger (period_key, request_count, last_updated)
//	    VALUES ($1, 1, $2)
//	    ON CONFLICT (period_key) DO UPDATE
//	      SET request_count = budget_ledger.request_count + 1,
//	          last_updated = EXCLUDED.last_updated
//	      WHERE budget_ledger.request_count < $3
//	    RETURNING request_count
//	)
//	SELECT COALESCE(...), EXISTS (SELECT 1 FROM attempt)
//
// The INSERT covers the first call of the day; the conditional UPDATE covers
// every subsequent call and refuses the increment once the limit is reached
// (the WHERE clause makes the upsert a no-op, so RETURNING yields no row).
// The outer SELECT folds both cases into (count, reserved) computed entirely
// server-side. On denial the count comes from the statement's snapshot of the
// existing row.
//
// A granted reservation is never refunded: if the subsequent upstream call
// fails, the unit stays spent. Permanent loss of a few units per day is an
// accepted cost of keeping the counter monotonic and race-free.
func (r *BudgetLedgerRepository) Reserve(ctx context.Context, periodKey string, dailyLimit int) (int, bool, error) {
	// last_updated is computed in Go rather than with NOW() so tests and
	// backfills can pin the timestamp deterministically.
	now := time.Now().UTC()

	var (
		count    int
		reserved bool
	)
	err := r.db.QueryRow(ctx,
		`WITH attempt AS (
		     INSERT INTO budget_ledger (period_key, request_count, last_updated)
		     VALUES ($1, 1, $2)
		     ON CONFLICT (period_key) DO UPDATE
		       SET request_count = budget_ledger.request_count + 1,
		           last_updated = EXCLUDED.last_updated
		       WHERE budget_ledger.request_count < $3
		     RETURNING request_count
		 )
		 SELECT COALESCE(
		          (SELECT request_count FROM attempt),
		          (SELECT request_count FROM budget_ledger WHERE period_key = $1),
		          0
		        ),
		        EXISTS (SELECT 1 FROM attempt)`,
		periodKey,
		now,
		dailyLimit,
	).Scan(&count, &reserved)
	if err != nil {
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to reserve budget unit", err)
	}
	return count, reserved, nil
}

// DayCount returns the request count recorded for periodKey, or 0 if no row
// exists for that day. Read-only; never creates the row.
func (r *BudgetLedgerRepository) DayCount(ctx context.Context, periodKey string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT request_count FROM budget_ledger WHERE period_key = $1`,
		periodKey,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read daily budget count", err)
	}
	return count, nil
}

// MonthlyUsed sums the request counts for every day key in the half-open
// range [monthStartKey, nextMonthStartKey). Period keys are zero-padded ISO
// dates, so lexicographic comparison in SQL matches chronological order.
func (r *BudgetLedgerRepository) MonthlyUsed(ctx context.Context, monthStartKey, nextMonthStartKey string) (int, error) {
	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(request_count), 0)
		 FROM budget_ledger
		 WHERE period_key >= $1 AND period_key < $2`,
		monthStartKey,
		nextMonthStartKey,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum monthly budget usage", err)
	}
	return total, nil
}

// DeleteOlderThan removes ledger rows whose period_key is strictly before
// cutoffKey. Used by retention cleanup; returns the number of deleted rows.
// Old rows are pure history, so a plain DELETE (no batching) is fine at the
// one-row-per-day write rate.
func (r *BudgetLedgerRepository) DeleteOlderThan(ctx context.Context, cutoffKey string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM budget_ledger WHERE period_key < $1`,
		cutoffKey,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired ledger rows", err)
	}
	return tag.RowsAffected(), nil
}
