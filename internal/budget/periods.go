package budget

import (
	"time"

	"taproom/internal/types"
)

// DayKey returns the ledger period key for t's UTC day, e.g. "2026-08-24".
// Zero-padded ISO dates sort lexicographically in date order, which the
// monthly range query relies on.
func DayKey(t time.Time) string {
	return t.UTC().Format(types.PeriodKeyFormat)
}

// MonthRange returns the day keys bounding t's UTC calendar month as a
// half-open interval: the first day of the month and the first day of the
// following month.
func MonthRange(t time.Time) (monthStartKey, nextMonthStartKey string) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start.Format(types.PeriodKeyFormat),
		start.AddDate(0, 1, 0).Format(types.PeriodKeyFormat)
}

// RetentionCutoffKey returns the day key before which ledger rows are old
// enough to delete, for a retention window of days.
func RetentionCutoffKey(now time.Time, days int) string {
	return DayKey(now.UTC().AddDate(0, 0, -days))
}
