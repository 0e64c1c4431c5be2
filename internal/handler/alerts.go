package handler

import (
	"errors"
	"net/http"

	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/server/middleware"
	"github.com/keyhaven/keyhaven/internal/store"
)

// AlertsHandler serves the owner's security alerts.
type AlertsHandler struct {
	store *store.Store
}

// NewAlertsHandler creates a new AlertsHandler.
func NewAlertsHandler(st *store.Store) *AlertsHandler {
	return &AlertsHandler{store: st}
}

// List returns unresolved alerts, newest first.
// GET /api/v1/alerts?limit=N
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	limit := clampInt(queryInt(r, "limit", 50), 1, 500)

	alerts, err := h.store.ListSecurityAlerts(r.Context(), principal.UserID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Alert query failed")
		return
	}
	if alerts == nil {
		alerts = []model.SecurityAlert{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: alerts,
		Meta:     &model.ResponseMeta{Count: len(alerts)},
	})
}

// Resolve marks one alert as handled.
// POST /api/v1/alerts/{alertID}/resolve
func (h *AlertsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	alertID := urlID(r, "alertID")
	if alertID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid alert ID")
		return
	}

	if err := h.store.ResolveSecurityAlert(r.Context(), alertID, principal.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Resolve failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
