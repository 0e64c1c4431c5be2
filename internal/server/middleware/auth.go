package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/keyhaven/keyhaven/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Type   string // "session" or "api_key"
	UserID int64
	Email  string
	KeyID  int64 // set only for api_key principals
}

// Authenticate returns an HTTP middleware that validates the request's
// credentials. It supports two methods:
//
//  1. API key secret via the X-API-Key header (for machine consumers)
//  2. Bearer credential via the Authorization header, resolved as either a
//     session JWT or a raw API key secret
//
// On success, a Principal is attached to the request context. On failure,
// a 401 JSON error response is returned. The error body is identical for
// every failure mode.
func Authenticate(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := r.Header.Get("X-API-Key")
			if bearer == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					bearer = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}
			if bearer == "" {
				writeAuthError(w, http.StatusUnauthorized,
					"Authentication required. Provide X-API-Key header or Bearer token.")
				return
			}

			p, err := authSvc.Authenticate(r.Context(), bearer)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid credentials")
				return
			}

			principal := &Principal{
				Type:   p.Type,
				UserID: p.UserID,
				Email:  p.Email,
				KeyID:  p.KeyID,
			}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession returns an HTTP middleware that restricts a route to
// dashboard sessions. API key principals cannot manage credentials, only
// use them. It must be used after Authenticate in the middleware chain.
func RequireSession() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || principal.Type != "session" {
				writeAuthError(w, http.StatusForbidden, "Session access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid import cycle with handler package
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	default:
		return "500"
	}
}
