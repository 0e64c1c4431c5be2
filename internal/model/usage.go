package model

import "time"

// UsageEvent is one recorded invocation of a validated API key. Events are
// append-only; they disappear only by cascade when the key is deleted.
type UsageEvent struct {
	ID             int64     `json:"id" db:"id"`
	APIKeyID       int64     `json:"api_key_id" db:"api_key_id"`
	Endpoint       string    `json:"endpoint" db:"endpoint"`
	Method         string    `json:"method" db:"method"`
	IPAddress      string    `json:"ip_address" db:"ip_address"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	ResponseStatus int       `json:"response_status" db:"response_status"`
	ResponseTime   int64     `json:"response_time" db:"response_time"` // milliseconds
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// KeyUsageStat is the per-key aggregate over a trailing window, computed on
// demand and never stored.
type KeyUsageStat struct {
	KeyID           int64      `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	UsageCount      int64      `json:"usage_count" db:"usage_count"`
	LastUsed        *time.Time `json:"last_used,omitempty" db:"last_used"`
	RecentUsage     int64      `json:"recent_usage" db:"recent_usage"`
	AvgResponseTime float64    `json:"avg_response_time" db:"avg_response_time"`
}
