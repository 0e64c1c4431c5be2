package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/server/middleware"
	"github.com/keyhaven/keyhaven/internal/service"
	"github.com/keyhaven/keyhaven/internal/store"
)

// KeysHandler serves the credential lifecycle endpoints. Every route is
// scoped to the session owner; a key ID belonging to someone else behaves
// exactly like a missing one.
type KeysHandler struct {
	keys *service.KeyService
}

// NewKeysHandler creates a new KeysHandler.
func NewKeysHandler(keys *service.KeyService) *KeysHandler {
	return &KeysHandler{keys: keys}
}

type createKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type updateKeyRequest struct {
	Name        *string    `json:"name,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
}

type toggleKeyRequest struct {
	IsActive bool `json:"is_active"`
}

// createdKeyResponse carries the stored record plus the plaintext secret.
// This is the only response shape that ever contains the secret, and it is
// produced exactly once per create or rotate.
type createdKeyResponse struct {
	Key       *model.APIKey `json:"key"`
	Plaintext string        `json:"plaintext_key"`
	Warning   string        `json:"warning"`
}

const plaintextWarning = "Store this key now. It cannot be retrieved again."

// List returns the owner's keys, newest first.
// GET /api/v1/keys
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	start := time.Now()

	keys, err := h.keys.List(r.Context(), principal.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "List failed")
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta: &model.ResponseMeta{
			Count:  len(keys),
			TookMs: float64(time.Since(start).Microseconds()) / 1000.0,
		},
	})
}

// Create issues a new key and returns the plaintext secret once.
// POST /api/v1/keys
func (h *KeysHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.keys.Create(r.Context(), principal.UserID, req.Name, req.ExpiresAt)
	if err != nil {
		if errors.Is(err, service.ErrEmptyName) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Key creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, createdKeyResponse{
		Key:       created.Key,
		Plaintext: created.Plaintext,
		Warning:   plaintextWarning,
	})
}

// Get returns one key by ID.
// GET /api/v1/keys/{keyID}
func (h *KeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyID := urlID(r, "keyID")
	if keyID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	key, err := h.keys.Get(r.Context(), principal.UserID, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, key)
}

// Update applies a rename and/or expiry change.
// PATCH /api/v1/keys/{keyID}
func (h *KeysHandler) Update(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyID := urlID(r, "keyID")
	if keyID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	var req updateKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Name == nil && req.ExpiresAt == nil && !req.ClearExpiry {
		writeError(w, http.StatusBadRequest, "Nothing to update")
		return
	}

	if req.Name != nil {
		if err := h.keys.Rename(r.Context(), principal.UserID, keyID, *req.Name); err != nil {
			writeKeyUpdateError(w, err)
			return
		}
	}
	if req.ExpiresAt != nil || req.ClearExpiry {
		exp := req.ExpiresAt
		if req.ClearExpiry {
			exp = nil
		}
		if err := h.keys.SetExpiry(r.Context(), principal.UserID, keyID, exp); err != nil {
			writeKeyUpdateError(w, err)
			return
		}
	}

	key, err := h.keys.Get(r.Context(), principal.UserID, keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// Rotate swaps the key's secret and returns the new plaintext once.
// POST /api/v1/keys/{keyID}/rotate
func (h *KeysHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyID := urlID(r, "keyID")
	if keyID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	rotated, err := h.keys.Rotate(r.Context(), principal.UserID, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Rotation failed")
		return
	}

	writeJSON(w, http.StatusOK, createdKeyResponse{
		Key:       rotated.Key,
		Plaintext: rotated.Plaintext,
		Warning:   plaintextWarning,
	})
}

// Toggle sets the key's active flag.
// POST /api/v1/keys/{keyID}/toggle
func (h *KeysHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyID := urlID(r, "keyID")
	if keyID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	var req toggleKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.keys.ToggleActive(r.Context(), principal.UserID, keyID, req.IsActive); err != nil {
		writeKeyUpdateError(w, err)
		return
	}

	key, err := h.keys.Get(r.Context(), principal.UserID, keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// Delete removes a key and its usage history.
// DELETE /api/v1/keys/{keyID}
func (h *KeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	keyID := urlID(r, "keyID")
	if keyID == 0 {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	if err := h.keys.Delete(r.Context(), principal.UserID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Delete failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeKeyUpdateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Key not found")
	case errors.Is(err, service.ErrEmptyName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Update failed")
	}
}
