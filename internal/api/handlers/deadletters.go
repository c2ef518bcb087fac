// Package handlers contains the HTTP handler implementations for the TapRoom
// admin and catalog API. Handlers translate requests into service calls and
// map outcomes through the core response envelope; no business logic lives
// here.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"taproom/internal/core"
	"taproom/internal/dlq"
	"taproom/internal/types"
)

// DLQAdminService is the service contract for dead letter administration.
// Matches the dlq admin service but is defined locally to avoid tight
// coupling per the handler injection pattern.
type DLQAdminService interface {
	List(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterEntry, types.PageInfo, error)
	Stats(ctx context.Context) (*types.DeadLetterStats, error)
	Replay(ctx context.Context, ids []int64, delay time.Duration) (*dlq.ReplayResult, error)
	Acknowledge(ctx context.Context, ids []int64) (int64, error)
	RunRetentionCleanup(ctx context.Context) (int64, error)
}

// DeadLetterHandler maps HTTP requests to the DLQ admin operations.
type DeadLetterHandler struct {
	service   DLQAdminService
	validator *core.Validator
	logger    *slog.Logger
}

// NewDeadLetterHandler creates a DeadLetterHandler.
func NewDeadLetterHandler(svc DLQAdminService, val *core.Validator, logger *slog.Logger) *DeadLetterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetterHandler{
		service:   svc,
		validator: val,
		logger:    logger,
	}
}

// RegisterRoutes mounts the dead letter admin endpoints. Admin auth is
// already applied by the global middleware chain.
func (h *DeadLetterHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/dead-letters", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Get("/stats", h.HandleStats)
		r.Post("/replay", h.HandleReplay)
		r.Post("/acknowledge", h.HandleAcknowledge)
		r.Post("/cleanup", h.HandleCleanup)
	})
}

// replayRequest is the body for POST /v1/admin/dead-letters/replay.
type replayRequest struct {
	IDs          []int64 `json:"ids" validate:"required,min=1,max=50,dive,gt=0"`
	DelaySeconds int     `json:"delay_seconds" validate:"min=0,max=900"`
}

// acknowledgeRequest is the body for POST /v1/admin/dead-letters/acknowledge.
type acknowledgeRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1,max=100,dive,gt=0"`
}

// listDeadLettersResponse is the data payload for HandleList.
type listDeadLettersResponse struct {
	Entries    []*types.DeadLetterEntry `json:"entries"`
	TotalCount int                      `json:"total_count"`
	NextCursor string                   `json:"next_cursor,omitempty"`
	HasMore    bool                     `json:"has_more"`
}

// HandleList handles GET /v1/admin/dead-letters.
//
// Query parameters: status (defaults to pending in the service), record_id,
// limit (clamped by the repo), cursor (opaque keyset cursor), include_raw.
func (h *DeadLetterHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := types.DeadLetterFilter{
		Status:   types.DeadLetterStatus(q.Get("status")),
		RecordID: q.Get("record_id"),
		Cursor:   q.Get("cursor"),
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"limit must be an integer",
				nil,
			))
			return
		}
		filter.Limit = limit
	}

	if rawStr := q.Get("include_raw"); rawStr != "" {
		includeRaw, err := strconv.ParseBool(rawStr)
		if err != nil {
			core.Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidField,
				"include_raw must be a boolean",
				nil,
			))
			return
		}
		filter.IncludeRaw = includeRaw
	}

	entries, page, err := h.service.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := listDeadLettersResponse{
		Entries:    entries,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	if entries == nil {
		resp.Entries = []*types.DeadLetterEntry{}
	}
	if page.TotalItems != nil {
		resp.TotalCount = *page.TotalItems
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// HandleStats handles GET /v1/admin/dead-letters/stats.
func (h *DeadLetterHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: stats})
}

// HandleReplay handles POST /v1/admin/dead-letters/replay.
//
// The service claims rows optimistically; per-row failures are reported in
// the result counts, so the HTTP status is 200 even when some rows failed.
func (h *DeadLetterHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.Replay(r.Context(), req.IDs, time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "dead letter replay requested",
		"requested", result.Requested,
		"claimed", result.Claimed,
		"replayed", result.Replayed,
		"failed", result.Failed,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// HandleAcknowledge handles POST /v1/admin/dead-letters/acknowledge.
func (h *DeadLetterHandler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	count, err := h.service.Acknowledge(r.Context(), req.IDs)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: map[string]int64{"acknowledged": count},
	})
}

// HandleCleanup handles POST /v1/admin/dead-letters/cleanup. Cleanup is a
// side effect; 202 acknowledges the run and reports how many rows it aged
// out this invocation.
func (h *DeadLetterHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.service.RunRetentionCleanup(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{
		Data: map[string]int64{"deleted": deleted},
	})
}
