package model

import "time"

// APIKey is an issued credential owned by a user. The raw secret is never
// stored: a SHA-256 hash is persisted for validation lookup, an encrypted
// copy exists only so the secret can be handed back at issue time, and a
// short prefix is kept for identification in listings.
type APIKey struct {
	ID           int64      `json:"id" db:"id"`
	UserID       int64      `json:"user_id" db:"user_id"`
	Name         string     `json:"name" db:"name"`
	KeyHash      string     `json:"-" db:"key_hash"`       // SHA-256 hash, never expose
	EncryptedKey string     `json:"-" db:"encrypted_key"`  // AES ciphertext, never expose
	KeyPrefix    string     `json:"key_prefix" db:"key_prefix"` // First 8 chars for identification
	LastUsed     *time.Time `json:"last_used,omitempty" db:"last_used"`
	UsageCount   int64      `json:"usage_count" db:"usage_count"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Usable reports whether the key passes validation at the given instant:
// active, and either without an expiry or not yet expired.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}
