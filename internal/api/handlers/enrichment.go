package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taproom/internal/budget"
	"taproom/internal/core"
	"taproom/internal/types"
)

// LedgerReader reads usage counters from the budget ledger.
type LedgerReader interface {
	DayCount(ctx context.Context, periodKey string) (int, error)
	MonthlyUsed(ctx context.Context, monthStartKey, nextMonthStartKey string) (int, error)
}

// EnrichmentStatusHandler exposes the read-only governance view: kill switch
// state plus current usage against the daily and monthly ceilings.
type EnrichmentStatusHandler struct {
	ledger LedgerReader
	cfg    budget.Config
	clock  types.Clock
	logger *slog.Logger
}

// NewEnrichmentStatusHandler creates an EnrichmentStatusHandler.
func NewEnrichmentStatusHandler(ledger LedgerReader, cfg budget.Config, logger *slog.Logger) *EnrichmentStatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnrichmentStatusHandler{
		ledger: ledger,
		cfg:    cfg,
		clock:  types.RealClock{},
		logger: logger,
	}
}

// RegisterRoutes mounts the enrichment status endpoint.
func (h *EnrichmentStatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/enrichment/status", h.HandleStatus)
}

type budgetWindow struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type enrichmentStatusResponse struct {
	Enabled bool         `json:"enabled"`
	Daily   budgetWindow `json:"daily"`
	Monthly budgetWindow `json:"monthly"`
}

// HandleStatus handles GET /v1/admin/enrichment/status. The counts are a
// read-time snapshot, the same view the sweeper and worker act on; they do
// not reserve anything.
func (h *EnrichmentStatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()

	dailyUsed, err := h.ledger.DayCount(r.Context(), budget.DayKey(now))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	monthStart, nextMonthStart := budget.MonthRange(now)
	monthlyUsed, err := h.ledger.MonthlyUsed(r.Context(), monthStart, nextMonthStart)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := enrichmentStatusResponse{
		Enabled: !h.cfg.Disabled,
		Daily: budgetWindow{
			Used:      dailyUsed,
			Limit:     h.cfg.DailyLimit,
			Remaining: max(h.cfg.DailyLimit-dailyUsed, 0),
		},
		Monthly: budgetWindow{
			Used:      monthlyUsed,
			Limit:     h.cfg.MonthlyLimit,
			Remaining: max(h.cfg.MonthlyLimit-monthlyUsed, 0),
		},
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}
