package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUserPasswordHashNotInJSON(t *testing.T) {
	user := User{
		ID:           1,
		Email:        "alice@example.com",
		PasswordHash: "$2a$12$somebcrypthash",
		Name:         "Alice",
		IsActive:     true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	b, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if _, ok := m["password_hash"]; ok {
		t.Error("password_hash should NOT appear in JSON output (json:\"-\" tag)")
	}

	// Verify other fields are present
	if _, ok := m["email"]; !ok {
		t.Error("email should be present in JSON output")
	}
	if _, ok := m["name"]; !ok {
		t.Error("name should be present in JSON output")
	}
}

func TestAPIKeySecretsNotInJSON(t *testing.T) {
	apiKey := APIKey{
		ID:           1,
		UserID:       1,
		Name:         "CI Pipeline",
		KeyHash:      "sha256hashvalue",
		EncryptedKey: "base64ciphertext",
		KeyPrefix:    "a1b2c3d4",
		IsActive:     true,
		CreatedAt:    time.Now(),
	}

	b, err := json.Marshal(apiKey)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if _, ok := m["key_hash"]; ok {
		t.Error("key_hash should NOT appear in JSON output (json:\"-\" tag)")
	}
	if _, ok := m["encrypted_key"]; ok {
		t.Error("encrypted_key should NOT appear in JSON output (json:\"-\" tag)")
	}

	// Verify display fields are present
	if _, ok := m["key_prefix"]; !ok {
		t.Error("key_prefix should be present in JSON output")
	}
	if _, ok := m["name"]; !ok {
		t.Error("name should be present in JSON output")
	}
	if _, ok := m["usage_count"]; !ok {
		t.Error("usage_count should be present in JSON output")
	}
}

func TestAPIKeyUsable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		isActive  bool
		expiresAt *time.Time
		want      bool
	}{
		{"active no expiry", true, nil, true},
		{"active future expiry", true, &future, true},
		{"active past expiry", true, &past, false},
		{"active expiry exactly now", true, &now, false},
		{"inactive no expiry", false, nil, false},
		{"inactive future expiry", false, &future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := APIKey{IsActive: tt.isActive, ExpiresAt: tt.expiresAt}
			if got := k.Usable(now); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListResponseJSON(t *testing.T) {
	lr := ListResponse{
		Resource: []APIKey{
			{ID: 1, Name: "first", KeyHash: "h1"},
			{ID: 2, Name: "second", KeyHash: "h2"},
		},
		Meta: &ResponseMeta{
			Count:  2,
			TookMs: 1.5,
		},
	}

	b, err := json.Marshal(lr)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	resource, ok := m["resource"].([]interface{})
	if !ok {
		t.Fatal("resource should be an array")
	}
	if len(resource) != 2 {
		t.Errorf("resource length = %d, want 2", len(resource))
	}
	first := resource[0].(map[string]interface{})
	if _, ok := first["key_hash"]; ok {
		t.Error("key_hash should not leak through the list envelope")
	}

	meta, ok := m["meta"].(map[string]interface{})
	if !ok {
		t.Fatal("meta should be an object")
	}
	if meta["count"] != float64(2) {
		t.Errorf("meta.count = %v, want 2", meta["count"])
	}

	// Meta should be omitted when nil
	lr2 := ListResponse{Resource: []APIKey{}}
	b2, err := json.Marshal(lr2)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m2 map[string]interface{}
	if err := json.Unmarshal(b2, &m2); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if _, ok := m2["meta"]; ok {
		t.Error("meta should be omitted when nil")
	}
}

func TestErrorResponseJSON(t *testing.T) {
	er := ErrorResponse{
		Error: ErrorDetail{
			Code:    404,
			Message: "Key not found",
			Context: map[string]interface{}{
				"key_id": float64(7),
			},
		},
	}

	b, err := json.Marshal(er)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	errObj, ok := m["error"].(map[string]interface{})
	if !ok {
		t.Fatal("expected 'error' key to be an object")
	}
	if errObj["code"] != float64(404) {
		t.Errorf("error.code = %v, want 404", errObj["code"])
	}
	if errObj["message"] != "Key not found" {
		t.Errorf("error.message = %v, want %q", errObj["message"], "Key not found")
	}

	// Context should be omitted when nil
	er2 := ErrorResponse{
		Error: ErrorDetail{Code: 500, Message: "Internal error"},
	}
	b2, err := json.Marshal(er2)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m2 map[string]interface{}
	if err := json.Unmarshal(b2, &m2); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	errObj2 := m2["error"].(map[string]interface{})
	if _, ok := errObj2["context"]; ok {
		t.Error("context should be omitted when nil")
	}
}
