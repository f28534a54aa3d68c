// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the relay gateway.
//
// This package contains middleware for authentication and authorization.
// It integrates with the extensions package so enterprise builds can swap
// in real identity providers without touching the route table.
//
// # Authentication Flow
//
// The auth middleware extracts a token from the request, validates it
// using the configured AuthProvider, and stores the resulting AuthInfo
// in the Gin context for downstream handlers.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │   (or the ?token= query parameter on websocket upgrades)
//	   │
//	   ├─► provider.Validate(ctx, token)
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler (retrieves via GetAuthInfo)
//
// # Open Source Behavior
//
// When using NopAuthProvider (auth.mode "none", the default), all requests
// are authenticated as "local-user" with admin privileges. This lets a
// single-user gateway run without any authentication infrastructure.
// Mode "hmac" validates HS256 tokens against a shared secret; see
// extensions.HMACAuthProvider.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
)

// authInfoKey is the context key for storing AuthInfo.
// Using a dedicated key prevents collisions with other context values.
const authInfoKey = "relay_auth_info"

// SetAuthInfo stores the authenticated user info in the Gin context.
//
// Called by AuthMiddleware after successful authentication. The stored
// AuthInfo can be retrieved by handlers via GetAuthInfo. Only valid for
// the current request; the Gin context is request-scoped.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// Returns nil if no AuthInfo is present (request not authenticated) or
// if the stored value has the wrong type.
//
// Example:
//
//	authInfo := middleware.GetAuthInfo(c)
//	if authInfo == nil {
//	    c.JSON(401, gin.H{"error": "not authenticated"})
//	    return
//	}
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the token from the request, validates it using the provided
// AuthProvider, and stores the resulting AuthInfo in the context for
// downstream handlers. Requests that fail validation are aborted with
// 401 before reaching any handler.
//
// # Token Extraction
//
// The middleware expects tokens in the Authorization header:
//
//	Authorization: Bearer <token>
//
// Browsers cannot set headers on a WebSocket handshake, so upgrade
// requests may instead carry the token as a query parameter:
//
//	GET /v1/ws?token=<token>
//
// If neither is present, the token passed to Validate is the empty
// string. NopAuthProvider accepts this and returns local-user.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			// Provider failures (network, misconfiguration) also deny.
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireRole creates a Gin middleware that gates a route on a role.
//
// It must run after AuthMiddleware. Requests without AuthInfo are
// rejected with 401; authenticated requests missing the role get 403.
// Under NopAuthProvider every request carries the admin role, so this
// middleware only bites once a real provider is configured.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo := GetAuthInfo(c)
		if authInfo == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "not authenticated",
			})
			return
		}
		if !authInfo.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "forbidden",
			})
			return
		}
		c.Next()
	}
}

// NewProvider builds the AuthProvider selected by the auth config.
//
// Mode "none" (or empty) returns NopAuthProvider. Mode "hmac" reads the
// shared secret from the environment variable named by SecretEnv and
// returns an HMACAuthProvider; a missing secret is a hard error rather
// than a silent fallback to no auth.
func NewProvider(cfg config.AuthConfig, log *slog.Logger) (extensions.AuthProvider, error) {
	switch cfg.Mode {
	case "", "none":
		log.Info("authentication disabled, requests run as local admin")
		return &extensions.NopAuthProvider{}, nil

	case "hmac":
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("auth mode is hmac but %s is not set", cfg.SecretEnv)
		}

		opts := []extensions.HMACOption{
			extensions.WithLeeway(time.Duration(cfg.Leeway)),
		}
		if cfg.Issuer != "" {
			opts = append(opts, extensions.WithIssuer(cfg.Issuer))
		}

		log.Info("hmac authentication enabled",
			"issuer", cfg.Issuer,
			"leeway", time.Duration(cfg.Leeway).String(),
		)
		return extensions.NewHMACAuthProvider([]byte(secret), opts...), nil

	default:
		return nil, fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
}

// extractToken pulls the auth token from the request.
//
// The Authorization header takes precedence. The "Bearer" prefix is
// case-insensitive per RFC 7235. When the header is absent the ?token=
// query parameter is consulted so websocket clients can authenticate.
// Returns empty string if no token is found.
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	return c.Query("token")
}
