package handler

import (
	"errors"
	"net/http"

	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/server/middleware"
	"github.com/keyhaven/keyhaven/internal/service"
	"github.com/keyhaven/keyhaven/internal/store"
)

// AuthHandler serves account registration, login, and the current-identity
// endpoint.
type AuthHandler struct {
	store   *store.Store
	authSvc *service.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(st *store.Store, authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{store: st, authSvc: authSvc}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string      `json:"session_token"`
	TokenType string      `json:"token_type"`
	User      *model.User `json:"user"`
}

// Register creates a new user account and returns a session token.
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	user, token, err := h.authSvc.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail), errors.Is(err, service.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrEmailTaken):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse{
		Token:     token,
		TokenType: "Bearer",
		User:      user,
	})
}

// Login authenticates a user and returns a session token.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, token, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "Authentication error")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		TokenType: "Bearer",
		User:      user,
	})
}

// Me returns the account behind the current session.
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	user, err := h.store.GetUserByID(r.Context(), principal.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Account no longer exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, user)
}
