package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"taproom/internal/types"
)

// CatalogRepository provides data access for the beers table. Taplist
// polling writes the descriptive columns; the enrichment pipeline owns the
// abv columns and the enrichment_status lifecycle.
type CatalogRepository struct {
	db DBTX
}

// NewCatalogRepository creates a new CatalogRepository backed by the given
// database connection (pool or transaction).
func NewCatalogRepository(db DBTX) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// ListEligible returns up to limit pending-enrichment beers, oldest first,
// so long-waiting records are swept before fresh arrivals. When
// excludeOpenDeadLetters is set, records with an open dead-letter entry
// (pending or replaying) are held back to avoid double-processing a record
// an operator may be about to replay.
func (r *CatalogRepository) ListEligible(ctx context.Context, limit int, excludeOpenDeadLetters bool) ([]*types.Beer, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `SELECT id, venue_id, name, style, abv, COALESCE(abv_confidence, 0), abv_source,
	                 enrichment_status, first_seen_at, last_seen_at
	          FROM beers
	          WHERE enrichment_status = 'pending'`
	if excludeOpenDeadLetters {
		query += `
	            AND NOT EXISTS (
	                SELECT 1 FROM dead_letters dl
	                WHERE dl.record_id = beers.id
	                  AND dl.status IN ('pending', 'replaying')
	            )`
	}
	query += `
	          ORDER BY first_seen_at ASC, id ASC
	          LIMIT $1`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list eligible beers", err)
	}
	defer rows.Close()

	var beers []*types.Beer
	for rows.Next() {
		b, scanErr := scanBeerFromRows(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan beer row", scanErr)
		}
		beers = append(beers, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating beer rows", err)
	}

	return beers, nil
}

// GetByID retrieves a single beer by ID. Returns a not-found error if no
// such record exists.
func (r *CatalogRepository) GetByID(ctx context.Context, id string) (*types.Beer, error) {
	var (
		b     types.Beer
		style *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, venue_id, name, style, abv, COALESCE(abv_confidence, 0), abv_source,
		        enrichment_status, first_seen_at, last_seen_at
		 FROM beers
		 WHERE id = $1`,
		id,
	).Scan(
		&b.ID,
		&b.VenueID,
		&b.Name,
		&style,
		&b.ABV,
		&b.ABVConfidence,
		&b.ABVSource,
		&b.Status,
		&b.FirstSeenAt,
		&b.LastSeenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBeer, "beer not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get beer", err)
	}
	if style != nil {
		b.Style = *style
	}
	return &b, nil
}

// UpdateEnrichment records a successful enrichment result and moves the
// record to 'enriched'. The abv columns are only ever written here, on the
// post-call success path.
func (r *CatalogRepository) UpdateEnrichment(ctx context.Context, id string, abv, confidence float64, source string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE beers
		 SET abv = $2,
		     abv_confidence = $3,
		     abv_source = $4,
		     enrichment_status = 'enriched'
		 WHERE id = $1`,
		id,
		abv,
		confidence,
		nilIfEmpty(source),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update beer enrichment", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundBeer, "beer not found", nil)
	}
	return nil
}

// MarkNotFound records that the upstream API has no data for this record.
// Terminal: the record will not be swept again.
func (r *CatalogRepository) MarkNotFound(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE beers SET enrichment_status = 'not_found' WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark beer not found", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundBeer, "beer not found", nil)
	}
	return nil
}

// MarkSkipped moves the given pending records to 'skipped' in one statement
// and returns how many actually transitioned. Used by the sweep blocklist;
// records that already left 'pending' are silently excluded.
func (r *CatalogRepository) MarkSkipped(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE beers
		 SET enrichment_status = 'skipped'
		 WHERE id = ANY($1) AND enrichment_status = 'pending'`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to mark beers skipped", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertFromTaplist reconciles polled taplist records into the catalog. New
// records start in 'pending' with first_seen_at set; existing records only
// refresh the descriptive columns and last_seen_at, never the enrichment
// columns or status. Row-at-a-time keeps the statement simple at taplist
// scale (tens of rows per venue).
func (r *CatalogRepository) UpsertFromTaplist(ctx context.Context, beers []*types.Beer) error {
	for _, b := range beers {
		_, err := r.db.Exec(ctx,
			`INSERT INTO beers
			 (id, venue_id, name, style, enrichment_status, first_seen_at, last_seen_at)
			 VALUES ($1, $2, $3, $4, 'pending', NOW(), NOW())
			 ON CONFLICT (id) DO UPDATE
			   SET venue_id = EXCLUDED.venue_id,
			       name = EXCLUDED.name,
			       style = EXCLUDED.style,
			       last_seen_at = NOW()`,
			b.ID,
			b.VenueID,
			b.Name,
			nilIfEmpty(b.Style),
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert beer from taplist", err)
		}
	}
	return nil
}

// CountByStatus returns the number of beers in each enrichment status.
func (r *CatalogRepository) CountByStatus(ctx context.Context) (map[types.EnrichmentStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT enrichment_status, COUNT(*) FROM beers GROUP BY enrichment_status`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count beers by status", err)
	}
	defer rows.Close()

	counts := make(map[types.EnrichmentStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan beer status count row", err)
		}
		counts[types.EnrichmentStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating beer status count rows", err)
	}

	return counts, nil
}

// scanBeerFromRows scans a single beers row from a pgx.Rows result set.
// Handles nullable columns using pointer types.
func scanBeerFromRows(rows pgx.Rows) (*types.Beer, error) {
	var (
		b     types.Beer
		style *string
	)

	err := rows.Scan(
		&b.ID,
		&b.VenueID,
		&b.Name,
		&style,
		&b.ABV,
		&b.ABVConfidence,
		&b.ABVSource,
		&b.Status,
		&b.FirstSeenAt,
		&b.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	if style != nil {
		b.Style = *style
	}

	return &b, nil
}
