package handler

import (
	"net/http"
	"time"

	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/server/middleware"
	"github.com/keyhaven/keyhaven/internal/telemetry"
)

// UsageHandler serves windowed usage aggregates for the owner's keys.
type UsageHandler struct {
	recorder *telemetry.Recorder
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(rec *telemetry.Recorder) *UsageHandler {
	return &UsageHandler{recorder: rec}
}

// Stats returns per-key aggregates over a trailing window.
// GET /api/v1/usage/stats?days=N
func (h *UsageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	start := time.Now()

	days := clampInt(queryInt(r, "days", telemetry.DefaultWindowDays), 1, 365)

	stats, err := h.recorder.StatsFor(r.Context(), principal.UserID, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Stats query failed")
		return
	}
	if stats == nil {
		stats = []model.KeyUsageStat{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: stats,
		Meta: &model.ResponseMeta{
			Count:  len(stats),
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// Events returns the most recent raw usage events for one key.
// GET /api/v1/keys/{keyID}/usage?limit=N
func (h *UsageHandler) Events(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyID := urlID(r, "keyID")
	if keyID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	limit := clampInt(queryInt(r, "limit", 50), 1, 500)

	events, err := h.recorder.EventsFor(r.Context(), principal.UserID, keyID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Usage query failed")
		return
	}
	if events == nil {
		events = []model.UsageEvent{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: events,
		Meta:     &model.ResponseMeta{Count: len(events)},
	})
}
