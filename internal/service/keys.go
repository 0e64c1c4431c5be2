package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keyhaven/keyhaven/internal/crypto"
	"github.com/keyhaven/keyhaven/internal/model"
	"github.com/keyhaven/keyhaven/internal/store"
)

var (
	// ErrInvalidKey is the uniform validation failure. Callers cannot tell
	// an unknown secret from a revoked or expired one.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrEmptyName rejects credential creation without a display name.
	ErrEmptyName = errors.New("key name is required")
)

// KeyPrincipal identifies the owner and key behind a validated secret.
type KeyPrincipal struct {
	UserID int64
	KeyID  int64
}

// CreatedKey pairs a stored key record with its one-time plaintext secret.
// The plaintext exists only in this struct; it is never persisted.
type CreatedKey struct {
	Key       *model.APIKey
	Plaintext string
}

// KeyService owns the API key lifecycle: issuance, rotation, activation,
// deletion, and validation.
type KeyService struct {
	store  *store.Store
	enc    *crypto.Encryptor
	logger *slog.Logger
}

func NewKeyService(st *store.Store, enc *crypto.Encryptor, logger *slog.Logger) *KeyService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{store: st, enc: enc, logger: logger}
}

// Create issues a new credential for a user and returns the plaintext secret
// exactly once alongside the stored record.
func (s *KeyService) Create(ctx context.Context, userID int64, name string, expiresAt *time.Time) (*CreatedKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	encrypted, err := s.enc.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	key := &model.APIKey{
		UserID:       userID,
		Name:         name,
		KeyHash:      crypto.HashSecret(secret),
		EncryptedKey: encrypted,
		KeyPrefix:    secret[:8],
		IsActive:     true,
		ExpiresAt:    expiresAt,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, err
	}

	return &CreatedKey{Key: key, Plaintext: secret}, nil
}

// List returns a user's keys, newest first. Secret material never leaves the
// store through this path.
func (s *KeyService) List(ctx context.Context, userID int64) ([]model.APIKey, error) {
	return s.store.ListAPIKeysByUser(ctx, userID)
}

// Get returns one of a user's keys by ID.
func (s *KeyService) Get(ctx context.Context, userID, keyID int64) (*model.APIKey, error) {
	return s.store.GetAPIKeyByID(ctx, keyID, userID)
}

// Rotate replaces a key's secret while preserving its identity, name, and
// expiry. The usage counter resets and the old secret stops validating the
// moment the swap lands. The new plaintext is returned exactly once.
func (s *KeyService) Rotate(ctx context.Context, userID, keyID int64) (*CreatedKey, error) {
	key, err := s.store.GetAPIKeyByID(ctx, keyID, userID)
	if err != nil {
		return nil, err
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	encrypted, err := s.enc.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	hash := crypto.HashSecret(secret)
	prefix := secret[:8]
	if err := s.store.RotateAPIKeySecret(ctx, keyID, userID, hash, encrypted, prefix); err != nil {
		return nil, err
	}

	key.KeyHash = hash
	key.EncryptedKey = encrypted
	key.KeyPrefix = prefix
	key.UsageCount = 0
	key.LastUsed = nil

	s.raiseAlert(ctx, userID, keyID, "key_rotated", "low",
		fmt.Sprintf("API key %q was rotated", key.Name))

	return &CreatedKey{Key: key, Plaintext: secret}, nil
}

// Rename changes a key's display name.
func (s *KeyService) Rename(ctx context.Context, userID, keyID int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	return s.store.RenameAPIKey(ctx, keyID, userID, name)
}

// SetExpiry changes or clears a key's expiry.
func (s *KeyService) SetExpiry(ctx context.Context, userID, keyID int64, expiresAt *time.Time) error {
	return s.store.SetAPIKeyExpiry(ctx, keyID, userID, expiresAt)
}

// ToggleActive flips a key's active flag. Deactivation raises an alert since
// it usually means the key is suspected compromised.
func (s *KeyService) ToggleActive(ctx context.Context, userID, keyID int64, active bool) error {
	if err := s.store.SetAPIKeyActive(ctx, keyID, userID, active); err != nil {
		return err
	}
	if !active {
		s.raiseAlert(ctx, userID, keyID, "key_deactivated", "medium",
			fmt.Sprintf("API key %d was deactivated", keyID))
	}
	return nil
}

// Delete removes a key and its usage history.
func (s *KeyService) Delete(ctx context.Context, userID, keyID int64) error {
	return s.store.DeleteAPIKey(ctx, keyID, userID)
}

// Validate resolves a raw secret to its owner. It hashes the secret, probes
// the unique hash index, and checks the active and expiry flags. Every
// failure mode returns ErrInvalidKey so callers learn nothing about why.
func (s *KeyService) Validate(ctx context.Context, secret string) (*KeyPrincipal, error) {
	hash := crypto.HashSecret(secret)

	key, err := s.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}

	if !key.Usable(time.Now()) {
		return nil, ErrInvalidKey
	}

	return &KeyPrincipal{UserID: key.UserID, KeyID: key.ID}, nil
}

// raiseAlert records a security alert best-effort. Alert failures are logged
// and never surfaced: the lifecycle operation already succeeded.
func (s *KeyService) raiseAlert(ctx context.Context, userID, keyID int64, alertType, severity, message string) {
	alert := &model.SecurityAlert{
		UserID:    userID,
		APIKeyID:  &keyID,
		AlertType: alertType,
		Message:   message,
		Severity:  severity,
	}
	if err := s.store.CreateSecurityAlert(ctx, alert); err != nil {
		s.logger.Warn("security alert dropped",
			"alert_type", alertType, "key_id", keyID, "error", err)
	}
}
