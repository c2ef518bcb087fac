package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taproom/internal/core"
	"taproom/internal/taplist"
	"taproom/internal/types"
)

// TaplistService serves cached venue taplists.
type TaplistService interface {
	Get(ctx context.Context, venueID string) (*taplist.CachedTaplist, error)
}

// TaplistHandler serves the public read-through taplist endpoint.
type TaplistHandler struct {
	service TaplistService
	logger  *slog.Logger
}

// NewTaplistHandler creates a TaplistHandler.
func NewTaplistHandler(svc TaplistService, logger *slog.Logger) *TaplistHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaplistHandler{
		service: svc,
		logger:  logger,
	}
}

// RegisterRoutes mounts the taplist endpoint.
func (h *TaplistHandler) RegisterRoutes(r chi.Router) {
	r.Get("/taplists/{venueID}", h.HandleGet)
}

// HandleGet handles GET /v1/taplists/{venueID}. Stale snapshots are served
// with stale=true in the payload rather than failing the request; the cache
// layer decides when a snapshot is too old to serve at all.
func (h *TaplistHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	if venueID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"venue id is required",
			nil,
		))
		return
	}

	cached, err := h.service.Get(r.Context(), venueID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: cached})
}
