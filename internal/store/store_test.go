package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keyhaven/keyhaven/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, email string) *model.User {
	t.Helper()
	user := &model.User{
		Email:        email,
		PasswordHash: "$2a$12$testhash",
		Name:         "Test User",
		IsActive:     true,
	}
	if err := s.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

func seedKey(t *testing.T, s *Store, userID int64, name, hash string) *model.APIKey {
	t.Helper()
	key := &model.APIKey{
		UserID:       userID,
		Name:         name,
		KeyHash:      hash,
		EncryptedKey: "ciphertext-" + hash,
		KeyPrefix:    "abcd1234",
		IsActive:     true,
	}
	if err := s.CreateAPIKey(context.Background(), key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return key
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	if user.ID == 0 {
		t.Fatal("expected non-zero ID after create")
	}

	got, err := s.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("got ID %d, want %d", got.ID, user.ID)
	}

	got2, err := s.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got2.Email != "alice@example.com" {
		t.Errorf("got email %q, want %q", got2.Email, "alice@example.com")
	}

	list, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d users, want 1", len(list))
	}

	if err := s.UpdateUserLastLogin(ctx, user.ID); err != nil {
		t.Fatalf("UpdateUserLastLogin: %v", err)
	}
	got3, _ := s.GetUserByID(ctx, user.ID)
	if got3.LastLoginAt == nil {
		t.Error("expected last_login_at to be set")
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetUserByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateEmailRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedUser(t, s, "alice@example.com")
	dup := &model.User{Email: "alice@example.com", PasswordHash: "x", IsActive: true}
	if err := s.CreateUser(ctx, dup); err == nil {
		t.Error("expected error inserting duplicate email")
	}
}

func TestHasAnyUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasAnyUser(ctx)
	if err != nil {
		t.Fatalf("HasAnyUser: %v", err)
	}
	if has {
		t.Error("expected no users in fresh store")
	}

	seedUser(t, s, "alice@example.com")
	has, err = s.HasAnyUser(ctx)
	if err != nil {
		t.Fatalf("HasAnyUser: %v", err)
	}
	if !has {
		t.Error("expected HasAnyUser true after create")
	}
}

func TestAPIKeyCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")
	if key.ID == 0 {
		t.Fatal("expected non-zero ID after create")
	}

	got, err := s.GetAPIKeyByID(ctx, key.ID, user.ID)
	if err != nil {
		t.Fatalf("GetAPIKeyByID: %v", err)
	}
	if got.Name != "CI Pipeline" {
		t.Errorf("got name %q, want %q", got.Name, "CI Pipeline")
	}
	if got.UsageCount != 0 {
		t.Errorf("got usage_count %d, want 0", got.UsageCount)
	}

	got2, err := s.GetAPIKeyByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if got2.ID != key.ID {
		t.Errorf("got ID %d, want %d", got2.ID, key.ID)
	}

	if err := s.RenameAPIKey(ctx, key.ID, user.ID, "Deploy Bot"); err != nil {
		t.Fatalf("RenameAPIKey: %v", err)
	}
	got3, _ := s.GetAPIKeyByID(ctx, key.ID, user.ID)
	if got3.Name != "Deploy Bot" {
		t.Errorf("got name %q, want %q", got3.Name, "Deploy Bot")
	}

	if err := s.DeleteAPIKey(ctx, key.ID, user.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.GetAPIKeyByID(ctx, key.ID, user.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAPIKeyOwnerScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedUser(t, s, "alice@example.com")
	bob := seedUser(t, s, "bob@example.com")
	key := seedKey(t, s, alice.ID, "Alice Key", "hash-alice")

	// Bob cannot see, modify, or delete Alice's key.
	if _, err := s.GetAPIKeyByID(ctx, key.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other owner get, got %v", err)
	}
	if err := s.RenameAPIKey(ctx, key.ID, bob.ID, "stolen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other owner rename, got %v", err)
	}
	if err := s.SetAPIKeyActive(ctx, key.ID, bob.ID, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other owner toggle, got %v", err)
	}
	if err := s.DeleteAPIKey(ctx, key.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other owner delete, got %v", err)
	}

	// The key is untouched.
	got, err := s.GetAPIKeyByID(ctx, key.ID, alice.ID)
	if err != nil {
		t.Fatalf("GetAPIKeyByID: %v", err)
	}
	if got.Name != "Alice Key" || !got.IsActive {
		t.Errorf("key was modified by another owner: %+v", got)
	}

	listA, err := s.ListAPIKeysByUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListAPIKeysByUser: %v", err)
	}
	if len(listA) != 1 {
		t.Errorf("got %d keys for alice, want 1", len(listA))
	}
	listB, err := s.ListAPIKeysByUser(ctx, bob.ID)
	if err != nil {
		t.Fatalf("ListAPIKeysByUser: %v", err)
	}
	if len(listB) != 0 {
		t.Errorf("got %d keys for bob, want 0", len(listB))
	}
}

func TestDuplicateKeyHashRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	seedKey(t, s, user.ID, "first", "same-hash")

	dup := &model.APIKey{
		UserID:       user.ID,
		Name:         "second",
		KeyHash:      "same-hash",
		EncryptedKey: "x",
		IsActive:     true,
	}
	if err := s.CreateAPIKey(ctx, dup); err == nil {
		t.Error("expected error inserting duplicate key_hash")
	}
}

func TestRotateAPIKeySecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "old-hash")

	// Accumulate some usage before rotating.
	for i := 0; i < 3; i++ {
		ev := &model.UsageEvent{APIKeyID: key.ID, Endpoint: "/ping", Method: "GET", ResponseStatus: 200}
		if err := s.AppendUsageEvent(ctx, ev); err != nil {
			t.Fatalf("AppendUsageEvent: %v", err)
		}
	}

	if err := s.RotateAPIKeySecret(ctx, key.ID, user.ID, "new-hash", "new-ciphertext", "efgh5678"); err != nil {
		t.Fatalf("RotateAPIKeySecret: %v", err)
	}

	got, err := s.GetAPIKeyByID(ctx, key.ID, user.ID)
	if err != nil {
		t.Fatalf("GetAPIKeyByID: %v", err)
	}
	if got.KeyHash != "new-hash" {
		t.Errorf("got key_hash %q, want %q", got.KeyHash, "new-hash")
	}
	if got.EncryptedKey != "new-ciphertext" {
		t.Errorf("got encrypted_key %q, want %q", got.EncryptedKey, "new-ciphertext")
	}
	if got.UsageCount != 0 {
		t.Errorf("got usage_count %d after rotate, want 0", got.UsageCount)
	}
	if got.LastUsed != nil {
		t.Error("expected last_used to be cleared after rotate")
	}
	if got.Name != "CI Pipeline" {
		t.Errorf("rotate should not change name, got %q", got.Name)
	}

	// The old hash no longer resolves.
	if _, err := s.GetAPIKeyByHash(ctx, "old-hash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for old hash, got %v", err)
	}
}

func TestAppendUsageEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")

	ev := &model.UsageEvent{
		APIKeyID:       key.ID,
		Endpoint:       "/api/v1/ping",
		Method:         "GET",
		IPAddress:      "10.0.0.1",
		UserAgent:      "curl/8.0",
		ResponseStatus: 200,
		ResponseTime:   12,
	}
	if err := s.AppendUsageEvent(ctx, ev); err != nil {
		t.Fatalf("AppendUsageEvent: %v", err)
	}
	if ev.ID == 0 {
		t.Fatal("expected non-zero event ID after append")
	}

	got, err := s.GetAPIKeyByID(ctx, key.ID, user.ID)
	if err != nil {
		t.Fatalf("GetAPIKeyByID: %v", err)
	}
	if got.UsageCount != 1 {
		t.Errorf("got usage_count %d, want 1", got.UsageCount)
	}
	if got.LastUsed == nil {
		t.Error("expected last_used to be set")
	}

	events, err := s.ListUsageEvents(ctx, key.ID, user.ID, 10)
	if err != nil {
		t.Fatalf("ListUsageEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Endpoint != "/api/v1/ping" {
		t.Errorf("got endpoint %q, want %q", events[0].Endpoint, "/api/v1/ping")
	}
}

func TestAppendUsageEventDeletedKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")
	if err := s.DeleteAPIKey(ctx, key.ID, user.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}

	ev := &model.UsageEvent{APIKeyID: key.ID, Endpoint: "/ping", Method: "GET"}
	if err := s.AppendUsageEvent(ctx, ev); err == nil {
		t.Error("expected error appending usage for deleted key")
	}
}

func TestConcurrentUsageIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ev := &model.UsageEvent{APIKeyID: key.ID, Endpoint: "/ping", Method: "GET", ResponseStatus: 200}
			if err := s.AppendUsageEvent(ctx, ev); err != nil {
				t.Errorf("AppendUsageEvent: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetAPIKeyByID(ctx, key.ID, user.ID)
	if err != nil {
		t.Fatalf("GetAPIKeyByID: %v", err)
	}
	if got.UsageCount != n {
		t.Errorf("got usage_count %d, want %d", got.UsageCount, n)
	}
}

func TestDeleteKeyCascadesUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")
	other := seedKey(t, s, user.ID, "Other", "hash-2")

	for _, id := range []int64{key.ID, other.ID} {
		ev := &model.UsageEvent{APIKeyID: id, Endpoint: "/ping", Method: "GET"}
		if err := s.AppendUsageEvent(ctx, ev); err != nil {
			t.Fatalf("AppendUsageEvent: %v", err)
		}
	}

	if err := s.DeleteAPIKey(ctx, key.ID, user.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}

	events, err := s.ListUsageEvents(ctx, other.ID, user.ID, 10)
	if err != nil {
		t.Fatalf("ListUsageEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d events for surviving key, want 1", len(events))
	}

	var count int
	if err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM key_usage WHERE api_key_id = ?", key.ID); err != nil {
		t.Fatalf("count usage: %v", err)
	}
	if count != 0 {
		t.Errorf("got %d orphaned usage events, want 0", count)
	}
}

func TestKeyUsageStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	busy := seedKey(t, s, user.ID, "Busy", "hash-busy")
	seedKey(t, s, user.ID, "Idle", "hash-idle")

	for i := 0; i < 5; i++ {
		ev := &model.UsageEvent{
			APIKeyID:       busy.ID,
			Endpoint:       "/ping",
			Method:         "GET",
			ResponseStatus: 200,
			ResponseTime:   int64(10 * (i + 1)), // 10..50, avg 30
		}
		if err := s.AppendUsageEvent(ctx, ev); err != nil {
			t.Fatalf("AppendUsageEvent: %v", err)
		}
	}

	stats, err := s.KeyUsageStats(ctx, user.ID, 7)
	if err != nil {
		t.Fatalf("KeyUsageStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d stat rows, want 2", len(stats))
	}

	byName := make(map[string]model.KeyUsageStat)
	for _, st := range stats {
		byName[st.Name] = st
	}

	b := byName["Busy"]
	if b.UsageCount != 5 {
		t.Errorf("busy usage_count = %d, want 5", b.UsageCount)
	}
	if b.RecentUsage != 5 {
		t.Errorf("busy recent_usage = %d, want 5", b.RecentUsage)
	}
	if b.AvgResponseTime != 30 {
		t.Errorf("busy avg_response_time = %v, want 30", b.AvgResponseTime)
	}
	if b.LastUsed == nil {
		t.Error("busy last_used should be set")
	}

	i := byName["Idle"]
	if i.UsageCount != 0 {
		t.Errorf("idle usage_count = %d, want 0", i.UsageCount)
	}
	if i.RecentUsage != 0 {
		t.Errorf("idle recent_usage = %d, want 0", i.RecentUsage)
	}
	if i.AvgResponseTime != 0 {
		t.Errorf("idle avg_response_time = %v, want 0", i.AvgResponseTime)
	}

	// Stats are owner-scoped: another user sees nothing.
	bob := seedUser(t, s, "bob@example.com")
	bobStats, err := s.KeyUsageStats(ctx, bob.ID, 7)
	if err != nil {
		t.Fatalf("KeyUsageStats: %v", err)
	}
	if len(bobStats) != 0 {
		t.Errorf("got %d stat rows for bob, want 0", len(bobStats))
	}
}

func TestSecurityAlerts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")

	alert := &model.SecurityAlert{
		UserID:    user.ID,
		APIKeyID:  &key.ID,
		AlertType: "key_rotated",
		Message:   "API key 'CI Pipeline' was rotated",
		Severity:  "low",
	}
	if err := s.CreateSecurityAlert(ctx, alert); err != nil {
		t.Fatalf("CreateSecurityAlert: %v", err)
	}
	if alert.ID == 0 {
		t.Fatal("expected non-zero alert ID")
	}

	alerts, err := s.ListSecurityAlerts(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("ListSecurityAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	if alerts[0].AlertType != "key_rotated" {
		t.Errorf("got alert_type %q, want %q", alerts[0].AlertType, "key_rotated")
	}

	if err := s.ResolveSecurityAlert(ctx, alert.ID, user.ID); err != nil {
		t.Fatalf("ResolveSecurityAlert: %v", err)
	}
	alerts, _ = s.ListSecurityAlerts(ctx, user.ID, 10)
	if len(alerts) != 0 {
		t.Errorf("got %d alerts after resolve, want 0", len(alerts))
	}

	// Resolving someone else's alert fails.
	bob := seedUser(t, s, "bob@example.com")
	alert2 := &model.SecurityAlert{UserID: user.ID, AlertType: "key_deactivated", Severity: "medium"}
	if err := s.CreateSecurityAlert(ctx, alert2); err != nil {
		t.Fatalf("CreateSecurityAlert: %v", err)
	}
	if err := s.ResolveSecurityAlert(ctx, alert2.ID, bob.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound resolving other user's alert, got %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")
	ev := &model.UsageEvent{APIKeyID: key.ID, Endpoint: "/ping", Method: "GET"}
	if err := s.AppendUsageEvent(ctx, ev); err != nil {
		t.Fatalf("AppendUsageEvent: %v", err)
	}

	if err := s.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	if _, err := s.GetAPIKeyByHash(ctx, "hash-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected key to cascade on user delete, got %v", err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM key_usage"); err != nil {
		t.Fatalf("count usage: %v", err)
	}
	if count != 0 {
		t.Errorf("got %d usage events after user delete, want 0", count)
	}
}

func TestListAPIKeysNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	first := seedKey(t, s, user.ID, "first", "hash-1")
	// created_at has second resolution in SQLite defaults; set explicitly.
	if _, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET created_at = ? WHERE id = ?",
		time.Now().UTC().Add(-time.Hour), first.ID); err != nil {
		t.Fatalf("backdate key: %v", err)
	}
	seedKey(t, s, user.ID, "second", "hash-2")

	keys, err := s.ListAPIKeysByUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListAPIKeysByUser: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].Name != "second" || keys[1].Name != "first" {
		t.Errorf("expected newest first, got [%s, %s]", keys[0].Name, keys[1].Name)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing setting, got %v", err)
	}

	if err := s.SetSetting(ctx, "instance_id", "abc-123"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, err := s.GetSetting(ctx, "instance_id")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if val != "abc-123" {
		t.Errorf("got %q, want %q", val, "abc-123")
	}

	// Upsert replaces
	if err := s.SetSetting(ctx, "instance_id", "def-456"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, _ = s.GetSetting(ctx, "instance_id")
	if val != "def-456" {
		t.Errorf("got %q, want %q", val, "def-456")
	}
}

func TestSetAPIKeyExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := seedUser(t, s, "alice@example.com")
	key := seedKey(t, s, user.ID, "CI Pipeline", "hash-1")

	exp := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	if err := s.SetAPIKeyExpiry(ctx, key.ID, user.ID, &exp); err != nil {
		t.Fatalf("SetAPIKeyExpiry: %v", err)
	}
	got, _ := s.GetAPIKeyByID(ctx, key.ID, user.ID)
	if got.ExpiresAt == nil {
		t.Fatal("expected expires_at to be set")
	}

	if err := s.SetAPIKeyExpiry(ctx, key.ID, user.ID, nil); err != nil {
		t.Fatalf("SetAPIKeyExpiry clear: %v", err)
	}
	got, _ = s.GetAPIKeyByID(ctx, key.ID, user.ID)
	if got.ExpiresAt != nil {
		t.Error("expected expires_at to be cleared")
	}
}
