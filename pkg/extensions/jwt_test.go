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
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("relay-test-secret-0123456789abcdef")

func signedToken(t *testing.T, claims MapClaims, alg string) string {
	t.Helper()
	token, err := SignHMAC(claims, alg, testSecret)
	if err != nil {
		t.Fatalf("SignHMAC() error = %v", err)
	}
	return token
}

// ============================================================================
// Round-trip Tests
// ============================================================================

func TestHMACAuthProvider_Validate_RoundTrip(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret)
	token := signedToken(t, MapClaims{
		"sub":   "user-42",
		"email": "user@example.com",
		"roles": []string{"admin", "operator"},
		"exp":   time.Now().Add(time.Hour).Unix(),
		"team":  "platform",
	}, AlgHS256)

	info, err := provider.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if info.UserID != "user-42" {
		t.Errorf("UserID = %v, want user-42", info.UserID)
	}
	if info.Email != "user@example.com" {
		t.Errorf("Email = %v, want user@example.com", info.Email)
	}
	if !info.HasRole("admin") || !info.HasRole("operator") {
		t.Errorf("Roles = %v, want admin and operator", info.Roles)
	}
	if team, ok := info.Metadata.GetString("team"); !ok || team != "platform" {
		t.Errorf("Metadata[team] = %v, want platform", team)
	}
	// Registered claims must not leak into metadata
	for _, k := range []string{"sub", "email", "roles", "exp"} {
		if info.Metadata.Has(k) {
			t.Errorf("Metadata should not contain registered claim %q", k)
		}
	}
}

func TestHMACAuthProvider_Validate_AllAlgorithms(t *testing.T) {
	for _, alg := range []string{AlgHS256, AlgHS384, AlgHS512} {
		t.Run(alg, func(t *testing.T) {
			provider := NewHMACAuthProvider(testSecret, WithAlgorithms(alg))
			token := signedToken(t, MapClaims{"sub": "u"}, alg)

			if _, err := provider.Validate(context.Background(), token); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

// ============================================================================
// Rejection Tests
// ============================================================================

func TestHMACAuthProvider_Validate_Rejections(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name:    "empty token",
			token:   "",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong part count",
			token:   "onlyone.part",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "garbage parts",
			token:   "!!!.###.$$$",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "oversized token",
			token:   strings.Repeat("a", maxTokenLength+1),
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong secret",
			token: func() string {
				tok, _ := SignHMAC(MapClaims{"sub": "u"}, AlgHS256, []byte("other-secret"))
				return tok
			}(),
			wantErr: ErrSignatureInvalid,
		},
		{
			name: "disallowed algorithm",
			token: func() string {
				tok, _ := SignHMAC(MapClaims{"sub": "u"}, AlgHS512, testSecret)
				return tok
			}(),
			wantErr: ErrUnsupportedAlgorithm,
		},
		{
			name: "missing subject",
			token: func() string {
				tok, _ := SignHMAC(MapClaims{"email": "no-sub@example.com"}, AlgHS256, testSecret)
				return tok
			}(),
			wantErr: ErrMissingSubject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := provider.Validate(context.Background(), tt.token)
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !errors.Is(err, ErrUnauthorized) {
				t.Errorf("error %v should wrap ErrUnauthorized", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error %v should wrap %v", err, tt.wantErr)
			}
		})
	}
}

func TestHMACAuthProvider_Validate_TamperedPayload(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret)
	token := signedToken(t, MapClaims{"sub": "user-a", "roles": []string{"user"}}, AlgHS256)

	// Swap the payload for one claiming admin; signature no longer matches
	forged := signedToken(t, MapClaims{"sub": "user-a", "roles": []string{"admin"}}, AlgHS256)
	parts := strings.Split(token, ".")
	forgedParts := strings.Split(forged, ".")
	tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]

	_, err := provider.Validate(context.Background(), tampered)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("Validate() error = %v, want ErrSignatureInvalid", err)
	}
}

// ============================================================================
// Time Claim Tests
// ============================================================================

func TestHMACAuthProvider_Validate_Expired(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret)
	token := signedToken(t, MapClaims{
		"sub": "u",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}, AlgHS256)

	_, err := provider.Validate(context.Background(), token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate() error = %v, want ErrTokenExpired", err)
	}
}

func TestHMACAuthProvider_Validate_NotYetValid(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret)
	token := signedToken(t, MapClaims{
		"sub": "u",
		"nbf": time.Now().Add(time.Hour).Unix(),
	}, AlgHS256)

	_, err := provider.Validate(context.Background(), token)
	if !errors.Is(err, ErrTokenNotYetValid) {
		t.Errorf("Validate() error = %v, want ErrTokenNotYetValid", err)
	}
}

func TestHMACAuthProvider_Validate_LeewayAllowsSkew(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret, WithLeeway(time.Minute))
	// Expired 10 seconds ago, inside the leeway window
	token := signedToken(t, MapClaims{
		"sub": "u",
		"exp": time.Now().Add(-10 * time.Second).Unix(),
	}, AlgHS256)

	if _, err := provider.Validate(context.Background(), token); err != nil {
		t.Errorf("Validate() with leeway error = %v", err)
	}
}

func TestHMACAuthProvider_Validate_FrozenClock(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret)
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return frozen }

	token := signedToken(t, MapClaims{
		"sub": "u",
		"exp": frozen.Add(time.Second).Unix(),
	}, AlgHS256)
	if _, err := provider.Validate(context.Background(), token); err != nil {
		t.Errorf("Validate() before exp error = %v", err)
	}

	provider.now = func() time.Time { return frozen.Add(time.Hour) }
	if _, err := provider.Validate(context.Background(), token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Validate() after exp error = %v, want ErrTokenExpired", err)
	}
}

// ============================================================================
// Issuer Tests
// ============================================================================

func TestHMACAuthProvider_Validate_Issuer(t *testing.T) {
	provider := NewHMACAuthProvider(testSecret, WithIssuer("aleutian-login"))

	good := signedToken(t, MapClaims{"sub": "u", "iss": "aleutian-login"}, AlgHS256)
	if _, err := provider.Validate(context.Background(), good); err != nil {
		t.Errorf("Validate() with matching issuer error = %v", err)
	}

	bad := signedToken(t, MapClaims{"sub": "u", "iss": "someone-else"}, AlgHS256)
	if _, err := provider.Validate(context.Background(), bad); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate() with wrong issuer error = %v, want ErrInvalidToken", err)
	}

	missing := signedToken(t, MapClaims{"sub": "u"}, AlgHS256)
	if _, err := provider.Validate(context.Background(), missing); err == nil {
		t.Error("Validate() with missing issuer should fail when issuer required")
	}
}

// ============================================================================
// Signing Tests
// ============================================================================

func TestSignHMAC_UnsupportedAlgorithm(t *testing.T) {
	_, err := SignHMAC(MapClaims{"sub": "u"}, "RS256", testSecret)
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("SignHMAC() error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestSignHMAC_ProducesCompactSerialization(t *testing.T) {
	token := signedToken(t, MapClaims{"sub": "u"}, AlgHS256)
	if parts := strings.Split(token, "."); len(parts) != jwtPartCount {
		t.Errorf("token has %d parts, want %d", len(parts), jwtPartCount)
	}
}
