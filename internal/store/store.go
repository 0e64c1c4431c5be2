// Package store persists Keyhaven's state in SQLite: user accounts, API
// keys, usage events, security alerts, and operator settings.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keyhaven/keyhaven/internal/model"
)

// Store manages Keyhaven's state backed by SQLite.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new store. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "keyhaven.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// User CRUD
// ---------------------------------------------------------------------------

// CreateUser inserts a new user account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	const q = `INSERT INTO users
		(email, password_hash, name, is_active, created_at, updated_at)
		VALUES
		(:email, :password_hash, :name, :is_active, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, user)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE email = ?", email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

// GetUserByID returns a user by ID.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	if err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE id = ?", id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// ListUsers returns all user accounts.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := s.db.SelectContext(ctx, &users, "SELECT * FROM users ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// HasAnyUser reports whether at least one user account exists. This is used
// for first-run detection at startup.
func (s *Store) HasAnyUser(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM users"); err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count > 0, nil
}

// UpdateUserLastLogin sets the last_login_at timestamp for a user.
func (s *Store) UpdateUserLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?", now, now, id)
	if err != nil {
		return fmt.Errorf("update user last login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user last login rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserActive toggles a user's active flag. Inactive users cannot log in
// but their keys keep validating until individually deactivated.
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?",
		active, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set user active: %w", err)
	}
	return checkAffected(result, "set user active")
}

// DeleteUser removes a user account. Keys, usage events, and alerts are
// cascade deleted by the foreign key constraints.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new API key record. KeyHash and EncryptedKey must
// already be set. The ID, CreatedAt, and UpdatedAt fields are populated after
// a successful insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	const q = `INSERT INTO api_keys
		(user_id, name, key_hash, encrypted_key, key_prefix, usage_count, is_active, expires_at, created_at, updated_at)
		VALUES
		(:user_id, :name, :key_hash, :encrypted_key, :key_prefix, :usage_count, :is_active, :expires_at, :created_at, :updated_at)`

	result, err := s.db.NamedExecContext(ctx, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get api key id: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKeyByID returns a key by ID scoped to its owner. A key belonging to
// a different user is reported as ErrNotFound.
func (s *Store) GetAPIKeyByID(ctx context.Context, id, userID int64) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.GetContext(ctx, &key,
		"SELECT * FROM api_keys WHERE id = ? AND user_id = ?", id, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash. The lookup is
// system-wide: validation does not know the owner in advance.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.db.GetContext(ctx, &key, "SELECT * FROM api_keys WHERE key_hash = ?", hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// ListAPIKeysByUser returns a user's keys, newest first.
func (s *Store) ListAPIKeysByUser(ctx context.Context, userID int64) ([]model.APIKey, error) {
	var keys []model.APIKey
	if err := s.db.SelectContext(ctx, &keys,
		"SELECT * FROM api_keys WHERE user_id = ? ORDER BY created_at DESC", userID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RenameAPIKey changes a key's display name.
func (s *Store) RenameAPIKey(ctx context.Context, id, userID int64, name string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET name = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		name, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("rename api key: %w", err)
	}
	return checkAffected(result, "rename api key")
}

// SetAPIKeyActive toggles a key's active flag.
func (s *Store) SetAPIKeyActive(ctx context.Context, id, userID int64, active bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET is_active = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		active, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("set api key active: %w", err)
	}
	return checkAffected(result, "set api key active")
}

// SetAPIKeyExpiry changes a key's expiry. A nil expiry clears it.
func (s *Store) SetAPIKeyExpiry(ctx context.Context, id, userID int64, expiresAt *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET expires_at = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		expiresAt, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("set api key expiry: %w", err)
	}
	return checkAffected(result, "set api key expiry")
}

// RotateAPIKeySecret swaps a key's secret material in one statement: new
// hash, new ciphertext, new prefix, usage counter reset, last_used cleared.
// Identity, name, and expiry are untouched.
func (s *Store) RotateAPIKeySecret(ctx context.Context, id, userID int64, keyHash, encryptedKey, keyPrefix string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys
		SET key_hash = ?, encrypted_key = ?, key_prefix = ?,
		    usage_count = 0, last_used = NULL, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		keyHash, encryptedKey, keyPrefix, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}
	return checkAffected(result, "rotate api key")
}

// DeleteAPIKey removes a key. Usage events are cascade deleted by the
// foreign key constraint.
func (s *Store) DeleteAPIKey(ctx context.Context, id, userID int64) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM api_keys WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return checkAffected(result, "delete api key")
}

// ---------------------------------------------------------------------------
// Usage events
// ---------------------------------------------------------------------------

// AppendUsageEvent records one usage event and bumps the parent key's
// counters in a single transaction. The increment happens in SQL so
// concurrent appends never lose updates.
func (s *Store) AppendUsageEvent(ctx context.Context, ev *model.UsageEvent) error {
	ev.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertQ = `INSERT INTO key_usage
		(api_key_id, endpoint, method, ip_address, user_agent, response_status, response_time, created_at)
		VALUES
		(:api_key_id, :endpoint, :method, :ip_address, :user_agent, :response_status, :response_time, :created_at)`

	result, err := tx.NamedExecContext(ctx, insertQ, ev)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get usage event id: %w", err)
	}
	ev.ID = id

	result, err = tx.ExecContext(ctx,
		"UPDATE api_keys SET usage_count = usage_count + 1, last_used = ? WHERE id = ?",
		ev.CreatedAt, ev.APIKeyID)
	if err != nil {
		return fmt.Errorf("increment usage count: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment usage count rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ListUsageEvents returns the most recent usage events for one of a user's
// keys, newest first.
func (s *Store) ListUsageEvents(ctx context.Context, keyID, userID int64, limit int) ([]model.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []model.UsageEvent
	const q = `SELECT ku.* FROM key_usage ku
		JOIN api_keys ak ON ak.id = ku.api_key_id
		WHERE ku.api_key_id = ? AND ak.user_id = ?
		ORDER BY ku.created_at DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &events, q, keyID, userID, limit); err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	return events, nil
}

// KeyUsageStats returns per-key aggregates for all of a user's keys over a
// trailing window: lifetime count, last-used, event count in the window, and
// average response time in the window.
func (s *Store) KeyUsageStats(ctx context.Context, userID int64, windowDays int) ([]model.KeyUsageStat, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)

	var stats []model.KeyUsageStat
	const q = `SELECT
			ak.id, ak.name, ak.usage_count, ak.last_used,
			COUNT(ku.id) AS recent_usage,
			COALESCE(AVG(ku.response_time), 0) AS avg_response_time
		FROM api_keys ak
		LEFT JOIN key_usage ku ON ak.id = ku.api_key_id AND ku.created_at >= ?
		WHERE ak.user_id = ?
		GROUP BY ak.id, ak.name, ak.usage_count, ak.last_used
		ORDER BY ak.created_at DESC`
	if err := s.db.SelectContext(ctx, &stats, q, cutoff, userID); err != nil {
		return nil, fmt.Errorf("key usage stats: %w", err)
	}
	return stats, nil
}

// ---------------------------------------------------------------------------
// Security alerts
// ---------------------------------------------------------------------------

// CreateSecurityAlert inserts a new alert. The ID and CreatedAt fields are
// populated after a successful insert.
func (s *Store) CreateSecurityAlert(ctx context.Context, alert *model.SecurityAlert) error {
	alert.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO security_alerts
		(user_id, api_key_id, alert_type, message, severity, is_resolved, created_at)
		VALUES
		(:user_id, :api_key_id, :alert_type, :message, :severity, :is_resolved, :created_at)`

	result, err := s.db.NamedExecContext(ctx, q, alert)
	if err != nil {
		return fmt.Errorf("insert security alert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get security alert id: %w", err)
	}
	alert.ID = id
	return nil
}

// ListSecurityAlerts returns a user's unresolved alerts, newest first.
func (s *Store) ListSecurityAlerts(ctx context.Context, userID int64, limit int) ([]model.SecurityAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	var alerts []model.SecurityAlert
	const q = `SELECT * FROM security_alerts
		WHERE user_id = ? AND is_resolved = 0
		ORDER BY created_at DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &alerts, q, userID, limit); err != nil {
		return nil, fmt.Errorf("list security alerts: %w", err)
	}
	return alerts, nil
}

// ResolveSecurityAlert marks an alert as resolved, scoped to its owner.
func (s *Store) ResolveSecurityAlert(ctx context.Context, id, userID int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE security_alerts SET is_resolved = 1 WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("resolve security alert: %w", err)
	}
	return checkAffected(result, "resolve security alert")
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the value stored under key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting stores a value under key, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

func checkAffected(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
