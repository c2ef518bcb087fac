// Package taplist polls venue taplists from the upstream provider and
// serves them from a zstd-compressed snapshot cache, so catalog
// reconciliation and API reads survive provider outages.
package taplist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"taproom/internal/types"
)

// Cache window defaults, applied when the configuration leaves them unset.
const (
	DefaultTTL      = 15 * time.Minute
	DefaultStaleMax = 6 * time.Hour

	defaultRefreshConcurrency = 4
)

// Fetcher pulls a venue's live taplist. *HTTPFetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, venueID string) (*VenueTaplist, error)
}

// SnapshotStore persists compressed snapshots. *db.TaplistRepository
// satisfies it.
type SnapshotStore interface {
	Get(ctx context.Context, venueID string) (*types.TaplistSnapshot, error)
	Put(ctx context.Context, s *types.TaplistSnapshot) error
}

// CatalogUpserter reconciles fetched taps into the beer catalog.
// *db.CatalogRepository satisfies it.
type CatalogUpserter interface {
	UpsertFromTaplist(ctx context.Context, beers []*types.Beer) error
}

// Config carries the cache windows and refresh fan-out, mapped from
// TaplistConfig by the entrypoints.
type Config struct {
	Venues             []string
	TTL                time.Duration
	StaleMax           time.Duration
	RefreshConcurrency int
}

// CachedTaplist is a decoded snapshot plus its freshness. Stale is set when
// the snapshot is past its TTL but the upstream could not be reached.
type CachedTaplist struct {
	VenueTaplist
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

// RefreshOutcome reports one refresh run across the configured venues.
type RefreshOutcome struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

type cacheService struct {
	store   SnapshotStore
	catalog CatalogUpserter
	fetcher Fetcher
	logger  *slog.Logger
	clock   types.Clock
	cfg     Config

	encoder     *zstd.Encoder
	decoderPool sync.Pool
}

// NewCacheService creates the snapshot cache. A nil logger falls back to
// slog.Default; zero cache windows fall back to the package defaults.
func NewCacheService(store SnapshotStore, catalog CatalogUpserter, fetcher Fetcher, logger *slog.Logger, cfg Config) *cacheService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.StaleMax <= 0 {
		cfg.StaleMax = DefaultStaleMax
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = defaultRefreshConcurrency
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		// This should never fail with nil output and default options.
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}

	return &cacheService{
		store:   store,
		catalog: catalog,
		fetcher: fetcher,
		logger:  logger,
		clock:   types.RealClock{},
		cfg:     cfg,
		encoder: encoder,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					// This should never fail with nil input and default options.
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// Get serves the venue's taplist from cache. A fresh snapshot is returned
// as-is; an expired one triggers a refetch, falling back to the stale copy
// within the StaleMax window when the upstream is down.
func (s *cacheService) Get(ctx context.Context, venueID string) (*CachedTaplist, error) {
	snap, err := s.store.Get(ctx, venueID)
	if err != nil {
		if !isSnapshotMiss(err) {
			return nil, err
		}
		// First sight of this venue.
		return s.refreshAndWrap(ctx, venueID)
	}

	age := s.clock.Now().Sub(snap.FetchedAt)
	if age <= s.cfg.TTL {
		cached, decodeErr := s.decode(snap)
		if decodeErr == nil {
			return cached, nil
		}
		s.logger.ErrorContext(ctx, "corrupt taplist snapshot, refetching",
			"venue_id", venueID, "error", decodeErr)
		return s.refreshAndWrap(ctx, venueID)
	}

	fresh, refreshErr := s.refreshAndWrap(ctx, venueID)
	if refreshErr == nil {
		return fresh, nil
	}

	if age <= s.cfg.StaleMax {
		if cached, decodeErr := s.decode(snap); decodeErr == nil {
			cached.Stale = true
			s.logger.WarnContext(ctx, "serving stale taplist, refresh failed",
				"venue_id", venueID,
				"age", age.Round(time.Second).String(),
				"error", refreshErr)
			return cached, nil
		}
	}
	return nil, refreshErr
}

// RefreshAll refetches every configured venue with bounded concurrency.
// Venue failures are isolated: one bad venue does not stop the others, and
// failures are reported in the outcome rather than as an error.
func (s *cacheService) RefreshAll(ctx context.Context) (*RefreshOutcome, error) {
	outcome := &RefreshOutcome{}
	if len(s.cfg.Venues) == 0 {
		s.logger.WarnContext(ctx, "no venues configured, nothing to refresh")
		return outcome, nil
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RefreshConcurrency)

	for _, venueID := range s.cfg.Venues {
		g.Go(func() error {
			if _, err := s.refresh(gCtx, venueID); err != nil {
				s.logger.ErrorContext(gCtx, "venue refresh failed",
					"venue_id", venueID, "error", err)
				mu.Lock()
				outcome.Failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			outcome.Refreshed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcome, err
	}

	s.logger.InfoContext(ctx, "taplist refresh run finished",
		"refreshed", outcome.Refreshed,
		"failed", outcome.Failed)
	return outcome, nil
}

// refresh fetches the live taplist, reconciles the catalog, and stores a
// fresh snapshot.
func (s *cacheService) refresh(ctx context.Context, venueID string) (*VenueTaplist, error) {
	fetched, err := s.fetcher.Fetch(ctx, venueID)
	if err != nil {
		return nil, err
	}

	if err := s.catalog.UpsertFromTaplist(ctx, beersFromTaplist(fetched)); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(fetched)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to serialize taplist snapshot",
			err,
		)
	}
	snap := &types.TaplistSnapshot{
		VenueID:   venueID,
		Payload:   s.encoder.EncodeAll(payload, nil),
		FetchedAt: s.clock.Now(),
	}
	if err := s.store.Put(ctx, snap); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "taplist refreshed",
		"venue_id", venueID,
		"taps", len(fetched.Taps))
	return fetched, nil
}

func (s *cacheService) refreshAndWrap(ctx context.Context, venueID string) (*CachedTaplist, error) {
	fresh, err := s.refresh(ctx, venueID)
	if err != nil {
		return nil, err
	}
	return &CachedTaplist{VenueTaplist: *fresh, FetchedAt: s.clock.Now()}, nil
}

// decode decompresses and parses a stored snapshot using pooled decoders.
func (s *cacheService) decode(snap *types.TaplistSnapshot) (*CachedTaplist, error) {
	decoder := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(decoder)

	raw, err := decoder.DecodeAll(snap.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("taplist: snapshot decompression failed: %w", err)
	}
	var t VenueTaplist
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("taplist: snapshot decode failed: %w", err)
	}
	return &CachedTaplist{VenueTaplist: t, FetchedAt: snap.FetchedAt}, nil
}

// beersFromTaplist maps tap entries to catalog rows. Entries without an
// upstream id get a deterministic uuid from venue and name, so re-polls
// land on the same row.
func beersFromTaplist(t *VenueTaplist) []*types.Beer {
	beers := make([]*types.Beer, 0, len(t.Taps))
	for _, tap := range t.Taps {
		id := tap.ID
		if id == "" {
			id = stableBeerID(t.VenueID, tap.Name)
		}
		beers = append(beers, &types.Beer{
			ID:      id,
			VenueID: t.VenueID,
			Name:    tap.Name,
			Style:   tap.Style,
		})
	}
	return beers
}

func stableBeerID(venueID, name string) string {
	key := fmt.Sprintf("taproom:beer:%s:%s", venueID, strings.ToLower(strings.TrimSpace(name)))
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

func isSnapshotMiss(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundTaplist
}
