// Package types defines the shared domain model for the TapRoom platform:
// catalog entities, the enrichment budget ledger, dead-letter entries, queue
// message envelopes, and the error/pagination primitives used across layers.
package types

import "time"

// EnrichmentStatus tracks where a beer sits in the ABV enrichment lifecycle.
// It is the single source of truth for sweep eligibility: only 'pending'
// records are ever enqueued. Terminal statuses ('enriched', 'not_found',
// 'skipped') are never re-queried, which is the point of persisting an
// explicit status instead of inferring it from a NULL abv column.
type EnrichmentStatus string

const (
	EnrichmentPending  EnrichmentStatus = "pending"
	EnrichmentEnriched EnrichmentStatus = "enriched"
	EnrichmentNotFound EnrichmentStatus = "not_found"
	EnrichmentSkipped  EnrichmentStatus = "skipped"
)

// Beer is a catalog record. ABV fields are populated by the enrichment
// worker; everything else comes from taplist polling.
type Beer struct {
	ID            string           `json:"id"`
	VenueID       string           `json:"venue_id"`
	Name          string           `json:"name"`
	Style         string           `json:"style,omitempty"`
	ABV           *float64         `json:"abv,omitempty"`
	ABVConfidence float64          `json:"abv_confidence,omitempty"`
	ABVSource     *string          `json:"abv_source,omitempty"`
	Status        EnrichmentStatus `json:"enrichment_status"`
	FirstSeenAt   time.Time        `json:"first_seen_at"`
	LastSeenAt    time.Time        `json:"last_seen_at"`
}

// BudgetLedgerEntry is one day's worth of enrichment spend. One row per UTC
// day; monthly usage is derived by summing the month's rows. RequestCount is
// only ever incremented, and only through the atomic reservation statement.
type BudgetLedgerEntry struct {
	PeriodKey    string    `json:"period_key"` // "2006-01-02", UTC
	RequestCount int       `json:"request_count"`
	LastUpdated  time.Time `json:"last_updated"`
}

// PeriodKeyFormat is the layout for budget ledger day keys. Zero-padded ISO
// dates compare correctly as strings, which the month-range and retention
// queries rely on.
const PeriodKeyFormat = "2006-01-02"

// DeadLetterStatus is the state of a dead-letter entry.
//
// Transitions: pending -> replaying -> {replayed | pending};
// pending -> acknowledged. 'replaying' is transient and must resolve within
// the same admin call; a row stuck in 'replaying' across requests is an
// operational anomaly requiring manual reset.
type DeadLetterStatus string

const (
	DeadLetterPending      DeadLetterStatus = "pending"
	DeadLetterReplaying    DeadLetterStatus = "replaying"
	DeadLetterReplayed     DeadLetterStatus = "replayed"
	DeadLetterAcknowledged DeadLetterStatus = "acknowledged"
)

// ValidDeadLetterStatus reports whether s is a known status value. Used to
// reject bad filter input before it reaches SQL.
func ValidDeadLetterStatus(s DeadLetterStatus) bool {
	switch s {
	case DeadLetterPending, DeadLetterReplaying, DeadLetterReplayed, DeadLetterAcknowledged:
		return true
	}
	return false
}

// DeadLetterEntry is a durably stored record of an enrichment job that
// exhausted the queue's retry budget. RawMessage is the original queue body,
// stored as text so that corrupted payloads remain inspectable.
type DeadLetterEntry struct {
	ID             int64            `json:"id"`
	MessageID      string           `json:"message_id"`
	RecordID       string           `json:"record_id"`
	Name           string           `json:"name"`
	FailureReason  string           `json:"failure_reason"`
	FailedAt       time.Time        `json:"failed_at"`
	FailureCount   int              `json:"failure_count"`
	SourceQueue    string           `json:"source_queue"`
	Status         DeadLetterStatus `json:"status"`
	ReplayCount    int              `json:"replay_count"`
	ReplayedAt     *time.Time       `json:"replayed_at,omitempty"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	RawMessage     string           `json:"raw_message,omitempty"`
}

// DeadLetterFilter narrows dead-letter list queries. The zero value lists
// every entry, newest first, with the default page size.
type DeadLetterFilter struct {
	Status     DeadLetterStatus // empty matches all statuses
	RecordID   string
	Limit      int    // clamped to [1, 100]; 0 requests the default of 50
	Cursor     string // opaque keyset cursor from a previous page
	IncludeRaw bool   // hydrate RawMessage (omitted by default; payloads can be large)
}

// FailingSource is one row of the stats "top failing sources" aggregation.
type FailingSource struct {
	SourceQueue string `json:"source_queue"`
	Count       int    `json:"count"`
}

// RepeatFailure identifies a record that has already been replayed at least
// once and failed again, a signal of a persistently broken record.
type RepeatFailure struct {
	RecordID     string `json:"record_id"`
	Name         string `json:"name"`
	ReplayCount  int    `json:"replay_count"`
	FailureCount int    `json:"failure_count"`
}

// DeadLetterStats is the aggregate view returned by the stats admin operation.
type DeadLetterStats struct {
	ByStatus              map[DeadLetterStatus]int `json:"by_status"`
	OldestPendingAgeHours *float64                 `json:"oldest_pending_age_hours,omitempty"`
	TopFailingSources     []FailingSource          `json:"top_failing_sources"`
	RepeatFailures        []RepeatFailure          `json:"repeat_failures"`
	Last24h               int                      `json:"last_24h"`
}

// TaplistSnapshot is a cached upstream taplist payload for one venue. The
// payload is stored zstd-compressed; FetchedAt drives the TTL and
// stale-fallback windows.
type TaplistSnapshot struct {
	VenueID   string    `json:"venue_id"`
	Payload   []byte    `json:"-"`
	FetchedAt time.Time `json:"fetched_at"`
}
