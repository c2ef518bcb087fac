package taplist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"taproom/internal/external"
	"taproom/internal/types"
)

// TapEntry is one line on a venue's menu. ABV is whatever the venue
// published, which is usually nothing; the enrichment pipeline fills the
// catalog's own ABV columns independently.
type TapEntry struct {
	ID    string   `json:"id"`
	Name  string   `json:"name" validate:"required"`
	Style string   `json:"style,omitempty"`
	ABV   *float64 `json:"abv,omitempty" validate:"omitempty,min=0,max=100"`
}

// VenueTaplist is the upstream taplist payload for one venue. The same
// shape is stored compressed in the snapshot cache and served by the API.
type VenueTaplist struct {
	VenueID   string     `json:"venue_id" validate:"required"`
	VenueName string     `json:"venue_name,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	Taps      []TapEntry `json:"taps" validate:"dive"`
}

// FetcherConfig holds the settings for the taplist provider client.
type FetcherConfig struct {
	// BaseURL is the provider endpoint, from TaplistConfig.URL.
	BaseURL string

	// Logger for fetch operations. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// HTTPFetcher pulls live taplists from the provider. Unlike the ABV client
// it keeps the default retry policy: taplist reads spend no budget, so
// retrying them is free.
type HTTPFetcher struct {
	base     *external.BaseClient
	baseURL  string
	validate *validator.Validate
	logger   *slog.Logger
}

// NewFetcher creates an HTTPFetcher. The httpClient timeout should be set
// appropriately for the provider (e.g., 10 seconds).
func NewFetcher(httpClient *http.Client, cfg FetcherConfig) *HTTPFetcher {
	base := external.NewBaseClient(
		httpClient,
		"taplist",
		external.DefaultRetryPolicy(),
		"TapRoom/1.0",
	)
	return newFetcher(base, cfg)
}

// NewFetcherWithBase creates an HTTPFetcher with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewFetcherWithBase(base *external.BaseClient, cfg FetcherConfig) *HTTPFetcher {
	return newFetcher(base, cfg)
}

func newFetcher(base *external.BaseClient, cfg FetcherConfig) *HTTPFetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		validate: validator.New(),
		logger:   logger,
	}
}

// Fetch retrieves the venue's current taplist via GET
// /v1/venues/{venueID}/taplist and validates the shape before accepting it.
func (f *HTTPFetcher) Fetch(ctx context.Context, venueID string) (*VenueTaplist, error) {
	if venueID == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"venue id is required for taplist fetch",
			nil,
		)
	}

	endpoint := fmt.Sprintf("%s/v1/venues/%s/taplist", f.baseURL, url.PathEscape(venueID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create taplist request",
			err,
		)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.base.Do(req)
	if err != nil {
		return nil, f.wrapError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, f.handleErrorResponse(resp, venueID)
	}

	var taplist VenueTaplist
	if err := json.NewDecoder(resp.Body).Decode(&taplist); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamInvalidResponse,
			"failed to decode taplist response",
			err,
		)
	}

	if err := f.validate.Struct(&taplist); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamInvalidResponse,
			"taplist response failed validation",
			err,
		)
	}
	if taplist.VenueID != venueID {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamInvalidResponse,
			fmt.Sprintf("taplist response is for venue %q, requested %q", taplist.VenueID, venueID),
			nil,
		)
	}

	f.logger.InfoContext(ctx, "taplist fetched",
		"venue_id", venueID,
		"taps", len(taplist.Taps),
	)
	return &taplist, nil
}

func (f *HTTPFetcher) handleErrorResponse(resp *http.Response, venueID string) *types.AppError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	bodyStr := string(bodyBytes)

	f.logger.Error("taplist API error",
		"status_code", resp.StatusCode,
		"venue_id", venueID,
		"response_body", bodyStr,
	)

	if resp.StatusCode == http.StatusNotFound {
		return types.NewAppError(
			types.ErrCodeNotFoundTaplist,
			fmt.Sprintf("venue %q not found upstream", venueID),
			nil,
		)
	}
	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("taplist API error (%d)", resp.StatusCode),
		fmt.Errorf("taplist fetch returned %d: %s", resp.StatusCode, bodyStr),
	)
}

// wrapError converts errors from BaseClient.Do into taplist fetch errors
// while preserving the error code.
func (f *HTTPFetcher) wrapError(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return types.NewAppError(
			appErr.Code,
			fmt.Sprintf("taplist fetch: %s", appErr.Message),
			appErr.Err,
		)
	}
	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		"taplist fetch failed",
		err,
	)
}

// Compile-time interface compliance check.
var _ Fetcher = (*HTTPFetcher)(nil)
