// Package telemetry records per-key usage events and serves windowed
// aggregates for the dashboard.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/store"
)

// DefaultWindowDays is the trailing window used when the caller does not ask
// for a specific one.
const DefaultWindowDays = 30

// Recorder captures usage events for validated API keys. Recording is
// best-effort: a failed write is logged and swallowed so telemetry can never
// break the serving path.
type Recorder struct {
	store  *store.Store
	logger *slog.Logger
}

func NewRecorder(st *store.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, logger: logger}
}

// Record appends one usage event and bumps the key's lifetime counter. It
// never returns an error; failures (including the key having been deleted
// mid-request) are logged and dropped.
func (r *Recorder) Record(ctx context.Context, keyID int64, endpoint, method, ip, userAgent string, status int, latency time.Duration) {
	ev := &model.UsageEvent{
		APIKeyID:       keyID,
		Endpoint:       endpoint,
		Method:         method,
		IPAddress:      ip,
		UserAgent:      userAgent,
		ResponseStatus: status,
		ResponseTime:   latency.Milliseconds(),
	}
	if err := r.store.AppendUsageEvent(ctx, ev); err != nil {
		r.logger.Warn("usage event dropped",
			"key_id", keyID, "endpoint", endpoint, "error", err)
	}
}

// StatsFor returns per-key aggregates for all of a user's keys over a
// trailing window of whole days. Non-positive windows fall back to the
// default.
func (r *Recorder) StatsFor(ctx context.Context, userID int64, windowDays int) ([]model.KeyUsageStat, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return r.store.KeyUsageStats(ctx, userID, windowDays)
}

// EventsFor returns the most recent raw events for one of a user's keys.
func (r *Recorder) EventsFor(ctx context.Context, userID, keyID int64, limit int) ([]model.UsageEvent, error) {
	return r.store.ListUsageEvents(ctx, keyID, userID, limit)
}
