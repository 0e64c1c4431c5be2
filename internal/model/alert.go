package model

import "time"

// SecurityAlert is a notable event on an account or one of its keys, such as
// a rotation or a deactivation. Alerts stay visible until resolved.
type SecurityAlert struct {
	ID         int64     `json:"id" db:"id"`
	UserID     int64     `json:"user_id" db:"user_id"`
	APIKeyID   *int64    `json:"api_key_id,omitempty" db:"api_key_id"`
	AlertType  string    `json:"alert_type" db:"alert_type"`
	Message    string    `json:"message" db:"message"`
	Severity   string    `json:"severity" db:"severity"` // low, medium, high
	IsResolved bool      `json:"is_resolved" db:"is_resolved"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
