package middleware

import (
	"net/http"
	"time"

	"github.com/keyhaven/keyhaven/internal/telemetry"
)

// RecordUsage returns an HTTP middleware that records a usage event for
// every request served on behalf of an API key principal. Session requests
// pass through untouched. It must be used after Authenticate so the
// principal is available, and it records after the handler runs so the
// event carries the real status and latency.
func RecordUsage(rec *telemetry.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil || principal.Type != "api_key" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			rec.Record(r.Context(), principal.KeyID,
				r.URL.Path, r.Method, r.RemoteAddr, r.UserAgent(),
				ww.status, time.Since(start))
		})
	}
}
