package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"taproom/internal/external"
	"taproom/internal/types"
)

// abvAPIBase is the default BrewFacts ABV lookup API base URL.
// Overridable in tests via ABVClientConfig.BaseURL.
const abvAPIBase = "https://api.brewfacts.io"

// ABVClientConfig holds the configuration for creating an ABVHTTPClient.
type ABVClientConfig struct {
	APIKey  string
	BaseURL string // Override for testing; defaults to abvAPIBase
	Logger  *slog.Logger
}

// abvLookupRequest is the payload sent to the BrewFacts /v1/abv/search endpoint.
type abvLookupRequest struct {
	Name string `json:"name"`
	Hint string `json:"hint,omitempty"`
}

// abvLookupResponse is the response from the /v1/abv/search endpoint.
// found=false is the vendor's explicit "no answer" outcome.
type abvLookupResponse struct {
	Found      bool    `json:"found"`
	ABV        float64 `json:"abv"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// ABVResult is a successful lookup answer.
type ABVResult struct {
	ABV        float64
	Confidence float64
	Source     string
}

// ABVHTTPClient implements ABVLookup against the BrewFacts REST API through
// BaseClient, so requests pass through the shared circuit breaker and error
// mapping.
//
// The retry policy is deliberately zero: every request is preceded by a
// budget ledger reservation, and one reservation covers exactly one
// upstream call. Retrying inside the client would spend requests the ledger
// never accounted for. Queue redelivery is the retry path, and each
// redelivery reserves fresh budget.
type ABVHTTPClient struct {
	base    *external.BaseClient
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewABVClient creates a new ABVHTTPClient. The httpClient timeout should be
// set appropriately for the BrewFacts API (e.g., 10 seconds).
func NewABVClient(httpClient *http.Client, cfg ABVClientConfig) *ABVHTTPClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = abvAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := external.NewBaseClient(
		httpClient,
		"brewfacts",
		external.RetryPolicy{MaxRetries: 0},
		"TapRoom/1.0",
	)

	return &ABVHTTPClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// NewABVClientWithBase creates an ABVHTTPClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewABVClientWithBase(base *external.BaseClient, cfg ABVClientConfig) *ABVHTTPClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = abvAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ABVHTTPClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Lookup resolves a beer name to its ABV via POST /v1/abv/search.
// A nil result with a nil error is the vendor's explicit "not found"
// outcome, which callers treat as terminal rather than retryable.
func (c *ABVHTTPClient) Lookup(ctx context.Context, name, hint string) (*ABVResult, error) {
	if name == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"beer name is required for ABV lookup",
			nil,
		)
	}

	bodyBytes, err := json.Marshal(abvLookupRequest{Name: name, Hint: hint})
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to serialize ABV lookup request",
			err,
		)
	}

	url := fmt.Sprintf("%s/v1/abv/search", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create ABV lookup request",
			err,
		)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, c.wrapError(err)
	}
	defer resp.Body.Close()

	// Non-2xx statuses other than 429 pass through BaseClient unchanged.
	if resp.StatusCode >= 400 {
		return nil, c.handleErrorResponse(resp)
	}

	var lookupResp abvLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lookupResp); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamInvalidResponse,
			"failed to decode ABV lookup response",
			err,
		)
	}

	if !lookupResp.Found {
		c.logger.InfoContext(ctx, "ABV lookup returned no answer", "name", name)
		return nil, nil
	}

	if lookupResp.ABV < 0 || lookupResp.ABV > 100 {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamInvalidResponse,
			fmt.Sprintf("ABV lookup returned out-of-range value %.2f", lookupResp.ABV),
			nil,
		)
	}

	c.logger.InfoContext(ctx, "ABV lookup succeeded",
		"name", name,
		"abv", lookupResp.ABV,
		"confidence", lookupResp.Confidence,
		"source", lookupResp.Source,
	)

	return &ABVResult{
		ABV:        lookupResp.ABV,
		Confidence: lookupResp.Confidence,
		Source:     lookupResp.Source,
	}, nil
}

// handleErrorResponse reads and logs the error body from a non-2xx response,
// then returns an appropriate AppError.
func (c *ABVHTTPClient) handleErrorResponse(resp *http.Response) *types.AppError {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	bodyStr := string(bodyBytes)

	c.logger.Error("BrewFacts API error",
		"status_code", resp.StatusCode,
		"response_body", bodyStr,
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"BrewFacts authentication failed (401)",
			fmt.Errorf("ABV lookup returned 401: %s", bodyStr),
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("BrewFacts error (%d)", resp.StatusCode),
			fmt.Errorf("ABV lookup returned %d: %s", resp.StatusCode, bodyStr),
		)
	}
}

// wrapError converts errors from BaseClient.Do into ABV lookup errors while
// preserving the error code; the rate-limit classification in particular
// drives the consumer's redelivery handling.
func (c *ABVHTTPClient) wrapError(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return types.NewAppError(
			appErr.Code,
			fmt.Sprintf("ABV lookup: %s", appErr.Message),
			appErr.Err,
		)
	}

	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		"ABV lookup failed",
		err,
	)
}

// Compile-time interface compliance check.
var _ ABVLookup = (*ABVHTTPClient)(nil)
