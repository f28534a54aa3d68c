// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

// Supported HMAC signing algorithms for HMACAuthProvider.
const (
	// AlgHS256 identifies the HMAC-SHA256 signing algorithm.
	AlgHS256 = "HS256"
	// AlgHS384 identifies the HMAC-SHA384 signing algorithm.
	AlgHS384 = "HS384"
	// AlgHS512 identifies the HMAC-SHA512 signing algorithm.
	AlgHS512 = "HS512"
)

// jwtPartCount is the number of dot-separated parts in a valid
// JWT (header.payload.signature).
const jwtPartCount = 3

// maxTokenLength bounds accepted token strings. 8KB is generous for
// any legitimate JWT and keeps hostile inputs from tying up parsing.
const maxTokenLength = 8192

var (
	// ErrInvalidToken indicates the token string is malformed or cannot be decoded.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnsupportedAlgorithm indicates the signing algorithm is not supported or not allowed.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")
	// ErrSignatureInvalid indicates the token signature does not match the expected value.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrTokenExpired indicates the token's exp claim is in the past.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenNotYetValid indicates the token's nbf claim is in the future.
	ErrTokenNotYetValid = errors.New("token is not yet valid")
	// ErrMissingSubject indicates the token has no sub claim to identify the user.
	ErrMissingSubject = errors.New("token has no subject")
)

// MapClaims is a convenience alias for an unstructured JWT payload.
type MapClaims = map[string]any

// HMACAuthProvider validates HMAC-signed JWTs against a shared secret.
//
// # Description
//
// This is the self-hosted middle ground between NopAuthProvider (no
// auth) and an enterprise identity provider: the operator shares a
// secret between the gateway and whatever issues tokens (a login
// service, a CI job, the relayctl tool). Tokens are standard compact
// JWTs signed with HS256, HS384, or HS512.
//
// Claims mapping:
//   - sub (required) -> AuthInfo.UserID
//   - email          -> AuthInfo.Email
//   - roles          -> AuthInfo.Roles (JSON array of strings)
//   - everything else -> AuthInfo.Metadata
//
// # Thread Safety
//
// Safe for concurrent use. All fields are read-only after construction.
//
// # Limitations
//
// Only symmetric HMAC algorithms are supported. Deployments that need
// RS256 or key rotation should use an enterprise AuthProvider instead.
type HMACAuthProvider struct {
	secret     []byte
	algorithms []string
	issuer     string
	leeway     time.Duration

	// now is injectable for deterministic time-claim tests.
	now func() time.Time
}

// HMACOption customizes an HMACAuthProvider.
type HMACOption func(*HMACAuthProvider)

// WithAlgorithms restricts the accepted signing algorithms.
// Default: HS256 only.
func WithAlgorithms(algs ...string) HMACOption {
	return func(p *HMACAuthProvider) { p.algorithms = algs }
}

// WithIssuer requires the iss claim to match exactly.
func WithIssuer(iss string) HMACOption {
	return func(p *HMACAuthProvider) { p.issuer = iss }
}

// WithLeeway allows clock skew when validating exp and nbf.
func WithLeeway(d time.Duration) HMACOption {
	return func(p *HMACAuthProvider) { p.leeway = d }
}

// NewHMACAuthProvider creates a provider that validates tokens signed
// with the given shared secret.
//
// Example:
//
//	provider := extensions.NewHMACAuthProvider([]byte(secret),
//	    extensions.WithIssuer("aleutian-login"),
//	    extensions.WithLeeway(30*time.Second),
//	)
func NewHMACAuthProvider(secret []byte, opts ...HMACOption) *HMACAuthProvider {
	p := &HMACAuthProvider{
		secret:     secret,
		algorithms: []string{AlgHS256},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate parses and verifies the token, returning the mapped identity.
//
// All failures wrap ErrUnauthorized so callers can branch on it; the
// specific cause (ErrTokenExpired, ErrSignatureInvalid, ...) remains
// reachable via errors.Is.
func (p *HMACAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	claims, err := p.parseAndVerify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	if err := p.validateClaims(claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	return claimsToAuthInfo(claims)
}

// parseAndVerify splits the compact serialization, checks the
// algorithm whitelist, and verifies the HMAC signature with a
// constant-time comparison.
func (p *HMACAuthProvider) parseAndVerify(tokenString string) (MapClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("empty token string: %w", ErrInvalidToken)
	}
	if len(tokenString) > maxTokenLength {
		return nil, fmt.Errorf("token exceeds maximum length of %d bytes: %w", maxTokenLength, ErrInvalidToken)
	}

	parts := strings.Split(tokenString, ".")
	if len(parts) != jwtPartCount {
		return nil, fmt.Errorf("token must have %d parts: %w", jwtPartCount, ErrInvalidToken)
	}

	alg, err := p.parseHeaderAlg(parts[0])
	if err != nil {
		return nil, err
	}

	if err := p.verifySignature(parts, alg); err != nil {
		return nil, err
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", ErrInvalidToken)
	}
	var claims MapClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", ErrInvalidToken)
	}
	return claims, nil
}

// parseHeaderAlg decodes the header part and returns the algorithm
// after checking it against the whitelist.
func (p *HMACAuthProvider) parseHeaderAlg(headerPart string) (string, error) {
	headerBytes, err := base64.RawURLEncoding.DecodeString(headerPart)
	if err != nil {
		return "", fmt.Errorf("decode header: %w", ErrInvalidToken)
	}

	var header map[string]any
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return "", fmt.Errorf("unmarshal header: %w", ErrInvalidToken)
	}

	alg, ok := header["alg"].(string)
	if !ok || alg == "" {
		return "", fmt.Errorf("missing alg in header: %w", ErrInvalidToken)
	}

	for _, allowed := range p.algorithms {
		if alg == allowed {
			return alg, nil
		}
	}
	return "", fmt.Errorf("algorithm %q not allowed: %w", alg, ErrUnsupportedAlgorithm)
}

func (p *HMACAuthProvider) verifySignature(parts []string, alg string) error {
	hashFunc, err := hashForAlgorithm(alg)
	if err != nil {
		return err
	}

	mac := hmac.New(hashFunc, p.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	expectedSig := mac.Sum(nil)

	actualSig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("decode signature: %w", ErrInvalidToken)
	}

	if !hmac.Equal(expectedSig, actualSig) {
		return ErrSignatureInvalid
	}
	return nil
}

// validateClaims checks time-based claims (exp, nbf) with leeway and
// the issuer when one is required. Absent claims skip their check.
func (p *HMACAuthProvider) validateClaims(claims MapClaims) error {
	now := p.now().UTC()

	if exp, ok := claimTime(claims, "exp"); ok {
		if now.After(exp.Add(p.leeway)) {
			return fmt.Errorf("token expired at %s: %w", exp.Format(time.RFC3339), ErrTokenExpired)
		}
	}
	if nbf, ok := claimTime(claims, "nbf"); ok {
		if now.Before(nbf.Add(-p.leeway)) {
			return fmt.Errorf("token not valid until %s: %w", nbf.Format(time.RFC3339), ErrTokenNotYetValid)
		}
	}

	if p.issuer != "" {
		iss, _ := claims["iss"].(string)
		if iss != p.issuer {
			return fmt.Errorf("issuer %q not accepted: %w", iss, ErrInvalidToken)
		}
	}
	return nil
}

// claimsToAuthInfo maps the verified claims onto AuthInfo. Registered
// claims consumed by the mapping are excluded from Metadata.
func claimsToAuthInfo(claims MapClaims) (*AuthInfo, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrMissingSubject)
	}

	info := &AuthInfo{
		UserID: sub,
	}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, r := range rawRoles {
			if role, ok := r.(string); ok {
				info.Roles = append(info.Roles, role)
			}
		}
	}

	for k, v := range claims {
		switch k {
		case "sub", "email", "roles", "exp", "nbf", "iat", "iss":
			continue
		}
		info.Metadata = info.Metadata.Set(k, v)
	}
	return info, nil
}

// SignHMAC produces a compact JWT serialization from the given claims.
//
// This is the issuing half of HMACAuthProvider, used by tests and by
// operators minting tokens out of band:
//
//	token, err := extensions.SignHMAC(extensions.MapClaims{
//	    "sub":   "user-42",
//	    "roles": []string{"admin"},
//	    "exp":   time.Now().Add(time.Hour).Unix(),
//	}, extensions.AlgHS256, secret)
func SignHMAC(claims MapClaims, algorithm string, secret []byte) (string, error) {
	hashFunc, err := hashForAlgorithm(algorithm)
	if err != nil {
		return "", err
	}

	header := map[string]string{"alg": algorithm, "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	mac := hmac.New(hashFunc, secret)
	mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return signingInput + "." + sig, nil
}

func hashForAlgorithm(alg string) (func() hash.Hash, error) {
	switch alg {
	case AlgHS256:
		return sha256.New, nil
	case AlgHS384:
		return sha512.New384, nil
	case AlgHS512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("algorithm %q: %w", alg, ErrUnsupportedAlgorithm)
	}
}

// claimTime retrieves a unix-seconds time claim. Supports float64 (the
// default from encoding/json) and json.Number.
func claimTime(claims MapClaims, key string) (time.Time, bool) {
	raw, exists := claims[key]
	if !exists {
		return time.Time{}, false
	}

	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(int64(f), 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// Compile-time interface compliance check.
var _ AuthProvider = (*HMACAuthProvider)(nil)
