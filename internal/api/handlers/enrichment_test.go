package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"taproom/internal/budget"
)

// --- Mock Ledger ---

type mockLedger struct {
	dayCount   int
	dayErr     error
	dayKey     string
	monthly    int
	monthlyErr error
}

func (m *mockLedger) DayCount(_ context.Context, periodKey string) (int, error) {
	m.dayKey = periodKey
	return m.dayCount, m.dayErr
}

func (m *mockLedger) MonthlyUsed(_ context.Context, _, _ string) (int, error) {
	return m.monthly, m.monthlyErr
}

// --- Helpers ---

func makeStatusRouter(ledger LedgerReader, cfg budget.Config) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewEnrichmentStatusHandler(ledger, cfg, logger)
	r := chi.NewRouter()
	r.Route("/v1", h.RegisterRoutes)
	return r
}

func getStatus(t *testing.T, router http.Handler) (*httptest.ResponseRecorder, enrichmentStatusResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/enrichment/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp struct {
		Data enrichmentStatusResponse `json:"data"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp.Data
}

// --- Tests ---

func TestHandleStatus_ReportsUsageAndRemaining(t *testing.T) {
	ledger := &mockLedger{dayCount: 12, monthly: 340}
	router := makeStatusRouter(ledger, budget.Config{DailyLimit: 50, MonthlyLimit: 1000})

	rec, status := getStatus(t, router)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d; body: %s", rec.Code, rec.Body.String())
	}

	if !status.Enabled {
		t.Error("expected enabled")
	}
	if status.Daily.Used != 12 || status.Daily.Limit != 50 || status.Daily.Remaining != 38 {
		t.Errorf("unexpected daily window: %+v", status.Daily)
	}
	if status.Monthly.Used != 340 || status.Monthly.Remaining != 660 {
		t.Errorf("unexpected monthly window: %+v", status.Monthly)
	}
	if ledger.dayKey == "" {
		t.Error("expected day count queried with a period key")
	}
}

func TestHandleStatus_KillSwitchReported(t *testing.T) {
	ledger := &mockLedger{}
	router := makeStatusRouter(ledger, budget.Config{Disabled: true, DailyLimit: 50, MonthlyLimit: 1000})

	rec, status := getStatus(t, router)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if status.Enabled {
		t.Error("expected disabled when kill switch is on")
	}
}

func TestHandleStatus_OverrunClampsToZero(t *testing.T) {
	ledger := &mockLedger{dayCount: 55, monthly: 1200}
	router := makeStatusRouter(ledger, budget.Config{DailyLimit: 50, MonthlyLimit: 1000})

	rec, status := getStatus(t, router)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if status.Daily.Remaining != 0 {
		t.Errorf("expected daily remaining clamped to 0, got %d", status.Daily.Remaining)
	}
	if status.Monthly.Remaining != 0 {
		t.Errorf("expected monthly remaining clamped to 0, got %d", status.Monthly.Remaining)
	}
}

func TestHandleStatus_LedgerErrors(t *testing.T) {
	cases := []struct {
		name   string
		ledger *mockLedger
	}{
		{"day count fails", &mockLedger{dayErr: errors.New("pgx: connection refused")}},
		{"monthly fails", &mockLedger{monthlyErr: errors.New("pgx: connection refused")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := makeStatusRouter(tc.ledger, budget.Config{DailyLimit: 50, MonthlyLimit: 1000})
			rec, _ := getStatus(t, router)
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("expected status 500, got %d", rec.Code)
			}
		})
	}
}
