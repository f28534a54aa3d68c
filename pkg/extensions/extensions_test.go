// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.AuthProvider == nil {
		t.Error("DefaultOptions().AuthProvider should not be nil")
	}
	if opts.AuthzProvider == nil {
		t.Error("DefaultOptions().AuthzProvider should not be nil")
	}
	if opts.AuditLogger == nil {
		t.Error("DefaultOptions().AuditLogger should not be nil")
	}
	if opts.MessageFilter == nil {
		t.Error("DefaultOptions().MessageFilter should not be nil")
	}
}

func TestServiceOptions_FluentChaining(t *testing.T) {
	auth := &NopAuthProvider{}
	authz := &NopAuthzProvider{}
	audit := &NopAuditLogger{}
	filter := &NopMessageFilter{}

	opts := ServiceOptions{}.
		WithAuth(auth).
		WithAuthz(authz).
		WithAudit(audit).
		WithFilter(filter)

	if opts.AuthProvider != auth {
		t.Error("WithAuth did not set AuthProvider")
	}
	if opts.AuthzProvider != authz {
		t.Error("WithAuthz did not set AuthzProvider")
	}
	if opts.AuditLogger != audit {
		t.Error("WithAudit did not set AuditLogger")
	}
	if opts.MessageFilter != filter {
		t.Error("WithFilter did not set MessageFilter")
	}
}

func TestServiceOptions_WithDoesNotMutateReceiver(t *testing.T) {
	base := DefaultOptions()
	custom := &NopAuthProvider{}

	derived := base.WithAuth(custom)

	if base.AuthProvider == custom {
		t.Error("WithAuth mutated the receiver; it should return a copy")
	}
	if derived.AuthProvider != custom {
		t.Error("WithAuth did not set AuthProvider on the copy")
	}
}

// ============================================================================
// NopAuthProvider Tests
// ============================================================================

func TestNopAuthProvider_Validate(t *testing.T) {
	provider := &NopAuthProvider{}

	// Any token, including the empty string, authenticates as local-user.
	for _, token := range []string{"", "any-token", "garbage.garbage.garbage"} {
		info, err := provider.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Validate(%q) error = %v", token, err)
		}
		if info.UserID != "local-user" {
			t.Errorf("Validate(%q) UserID = %q, want local-user", token, info.UserID)
		}
		if !info.HasRole("admin") {
			t.Errorf("Validate(%q) should grant the admin role", token)
		}
	}
}

func TestNopAuthProvider_CanceledContext(t *testing.T) {
	provider := &NopAuthProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The nop provider performs no I/O and ignores cancellation.
	info, err := provider.Validate(ctx, "token")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if info == nil {
		t.Fatal("Validate() returned nil AuthInfo")
	}
}

// ============================================================================
// AuthInfo Tests
// ============================================================================

func TestAuthInfo_HasRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		check string
		want  bool
	}{
		{"present", []string{"admin", "operator"}, "operator", true},
		{"absent", []string{"admin"}, "viewer", false},
		{"empty roles", nil, "admin", false},
		{"case sensitive", []string{"Admin"}, "admin", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &AuthInfo{UserID: "u", Roles: tt.roles}
			if got := info.HasRole(tt.check); got != tt.want {
				t.Errorf("HasRole(%q) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

// ============================================================================
// NopAuthzProvider Tests
// ============================================================================

func TestNopAuthzProvider_AllowsEverything(t *testing.T) {
	provider := &NopAuthzProvider{}

	err := provider.Authorize(context.Background(), AuthzRequest{
		User:         &AuthInfo{UserID: "anyone"},
		Action:       "delete",
		ResourceType: "connection",
		ResourceID:   "conn-1",
	})
	if err != nil {
		t.Errorf("Authorize() error = %v, want nil", err)
	}

	// Even a zero-value request is allowed.
	if err := provider.Authorize(context.Background(), AuthzRequest{}); err != nil {
		t.Errorf("Authorize(zero) error = %v, want nil", err)
	}
}

// ============================================================================
// NopAuditLogger Tests
// ============================================================================

func TestNopAuditLogger_DiscardsEverything(t *testing.T) {
	logger := &NopAuditLogger{}
	ctx := context.Background()

	err := logger.Log(ctx, AuditEvent{
		EventType:    "conn.kick",
		Timestamp:    time.Now().UTC(),
		UserID:       "admin-1",
		Action:       "delete",
		ResourceType: "connection",
		ResourceID:   "conn-9",
		Outcome:      "success",
	})
	if err != nil {
		t.Errorf("Log() error = %v", err)
	}

	events, err := logger.Query(ctx, AuditFilter{UserID: "admin-1"})
	if err != nil {
		t.Errorf("Query() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Query() returned %d events, want 0", len(events))
	}

	if err := logger.Flush(ctx); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
}

// ============================================================================
// NopMessageFilter Tests
// ============================================================================

func TestNopMessageFilter_PassesThrough(t *testing.T) {
	filter := &NopMessageFilter{}
	ctx := context.Background()
	msg := "my SSN is 123-45-6789"

	for name, fn := range map[string]func(context.Context, string) (*FilterResult, error){
		"FilterInput":   filter.FilterInput,
		"FilterOutput":  filter.FilterOutput,
		"FilterContext": filter.FilterContext,
	} {
		result, err := fn(ctx, msg)
		if err != nil {
			t.Fatalf("%s error = %v", name, err)
		}
		if result.Filtered != msg {
			t.Errorf("%s Filtered = %q, want unchanged input", name, result.Filtered)
		}
		if result.WasModified || result.WasBlocked {
			t.Errorf("%s should not modify or block", name)
		}
		if len(result.Detections) != 0 {
			t.Errorf("%s reported %d detections, want 0", name, len(result.Detections))
		}
	}
}

// ============================================================================
// Sentinel Error Tests
// ============================================================================

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("okta validation failed: %w", ErrUnauthorized)
	if !errors.Is(wrapped, ErrUnauthorized) {
		t.Error("wrapped ErrUnauthorized should satisfy errors.Is")
	}

	blocked := fmt.Errorf("message contains PII: %w", ErrMessageBlocked)
	if !errors.Is(blocked, ErrMessageBlocked) {
		t.Error("wrapped ErrMessageBlocked should satisfy errors.Is")
	}

	if errors.Is(ErrUnauthorized, ErrMessageBlocked) {
		t.Error("sentinel errors must be distinct")
	}
}

// ============================================================================
// Metadata Tests
// ============================================================================

func TestMetadata_SetOnNilAllocates(t *testing.T) {
	var meta Metadata

	meta = meta.Set("key", "value")

	if got, ok := meta.GetString("key"); !ok || got != "value" {
		t.Errorf("GetString(key) = %q, %v after Set on nil Metadata", got, ok)
	}
}

func TestMetadata_TypedAccessors(t *testing.T) {
	meta := NewMetadata().
		Set("name", "relay").
		Set("count", 3).
		Set("big", int64(1<<40)).
		Set("score", 0.75).
		Set("enabled", true).
		Set("when", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	if got, ok := meta.GetString("name"); !ok || got != "relay" {
		t.Errorf("GetString(name) = %q, %v", got, ok)
	}
	if got, ok := meta.GetInt("count"); !ok || got != 3 {
		t.Errorf("GetInt(count) = %d, %v", got, ok)
	}
	if got, ok := meta.GetInt64("big"); !ok || got != 1<<40 {
		t.Errorf("GetInt64(big) = %d, %v", got, ok)
	}
	if got, ok := meta.GetFloat64("score"); !ok || got != 0.75 {
		t.Errorf("GetFloat64(score) = %v, %v", got, ok)
	}
	if got, ok := meta.GetBool("enabled"); !ok || !got {
		t.Errorf("GetBool(enabled) = %v, %v", got, ok)
	}
	if got, ok := meta.GetTime("when"); !ok || got.Year() != 2025 {
		t.Errorf("GetTime(when) = %v, %v", got, ok)
	}

	// Wrong type: value exists but the accessor reports a miss.
	if _, ok := meta.GetString("count"); ok {
		t.Error("GetString on an int value should return ok=false")
	}
	if _, ok := meta.GetInt("name"); ok {
		t.Error("GetInt on a string value should return ok=false")
	}

	// Missing key.
	if _, ok := meta.Get("absent"); ok {
		t.Error("Get(absent) should return ok=false")
	}
}

func TestMetadata_CloneIsIndependent(t *testing.T) {
	original := NewMetadata().Set("key", "original")
	clone := original.Clone()

	clone.Set("key", "modified")

	if got, _ := original.GetString("key"); got != "original" {
		t.Errorf("original mutated through clone: key = %q", got)
	}
}

func TestMetadata_CloneNil(t *testing.T) {
	var meta Metadata
	if clone := meta.Clone(); clone != nil {
		t.Errorf("Clone() of nil Metadata = %v, want nil", clone)
	}
}

func TestMetadata_MergeOverwrites(t *testing.T) {
	base := NewMetadata().Set("env", "prod").Set("version", "1.0")
	extra := NewMetadata().Set("version", "2.0").Set("region", "us-west")

	base = base.Merge(extra)

	if got, _ := base.GetString("version"); got != "2.0" {
		t.Errorf("Merge should overwrite: version = %q, want 2.0", got)
	}
	if got, _ := base.GetString("env"); got != "prod" {
		t.Errorf("Merge should keep existing keys: env = %q, want prod", got)
	}
	if base.Len() != 3 {
		t.Errorf("Len() = %d, want 3", base.Len())
	}
}

func TestMetadata_HasAndDelete(t *testing.T) {
	meta := NewMetadata().Set("error", nil)

	// Has reports presence even for nil values.
	if !meta.Has("error") {
		t.Error("Has(error) = false for a present nil value")
	}

	meta = meta.Delete("error")
	if meta.Has("error") {
		t.Error("Has(error) = true after Delete")
	}

	// Deleting a missing key is a no-op.
	meta = meta.Delete("never-set")
	if meta.Len() != 0 {
		t.Errorf("Len() = %d, want 0", meta.Len())
	}
}

func TestMetadata_Keys(t *testing.T) {
	meta := NewMetadata().Set("a", 1).Set("b", 2)

	keys := meta.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() returned %d keys, want 2", len(keys))
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("Keys() = %v, want a and b", keys)
	}
}
