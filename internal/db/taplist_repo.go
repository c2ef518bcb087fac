package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"taproom/internal/types"
)

// TaplistRepository provides data access for the taplist_snapshots table,
// one row per venue holding the latest zstd-compressed upstream payload.
// The poller overwrites the row on every successful fetch; readers fall
// back to a stale row when the upstream is down.
type TaplistRepository struct {
	db DBTX
}

// NewTaplistRepository creates a new TaplistRepository backed by the given
// database connection (pool or transaction).
func NewTaplistRepository(db DBTX) *TaplistRepository {
	return &TaplistRepository{db: db}
}

// Get retrieves the cached snapshot for a venue. Returns a not-found error
// if the venue has never been polled.
func (r *TaplistRepository) Get(ctx context.Context, venueID string) (*types.TaplistSnapshot, error) {
	var s types.TaplistSnapshot
	err := r.db.QueryRow(ctx,
		`SELECT venue_id, payload, fetched_at
		 FROM taplist_snapshots
		 WHERE venue_id = $1`,
		venueID,
	).Scan(&s.VenueID, &s.Payload, &s.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTaplist, "no taplist snapshot for venue", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get taplist snapshot", err)
	}
	return &s, nil
}

// Put stores or replaces the snapshot for a venue.
func (r *TaplistRepository) Put(ctx context.Context, s *types.TaplistSnapshot) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO taplist_snapshots (venue_id, payload, fetched_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (venue_id) DO UPDATE
		   SET payload = EXCLUDED.payload,
		       fetched_at = EXCLUDED.fetched_at`,
		s.VenueID,
		s.Payload,
		s.FetchedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store taplist snapshot", err)
	}
	return nil
}
