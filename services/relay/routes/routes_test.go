// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/connection"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/heartbeat"
	"github.com/AleutianAI/AleutianRelay/services/relay/memwatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
	"github.com/AleutianAI/AleutianRelay/services/relay/upstream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestRouter assembles the full route table with real components,
// the way main does.
func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := connection.NewRegistry(connection.RegistryConfig{}, log, nil)

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sessions, err := session.NewStore(db, session.DefaultConfig(), log)
	require.NoError(t, err)

	breakers := dispatch.NewBreakerRegistry(dispatch.DefaultBreakerConfig(), nil)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{}, dispatch.Options{
		Logger:   log,
		Breakers: breakers,
	})

	agent, err := upstream.New(config.UpstreamConfig{Backend: "echo"}, breakers, log, nil)
	require.NoError(t, err)

	watchdog := memwatch.NewWatchdog(memwatch.DefaultConfig(), memwatch.Sources{
		ConnectionCount: registry.Len,
		DispatchPending: dispatcher.Pending,
		SessionCount:    sessions.Count,
	}, log, nil)
	sweeper := heartbeat.NewSweeper(registry, heartbeat.DefaultConfig(), log, nil)

	opts := extensions.DefaultOptions()
	ws := handlers.NewWSHandler(registry, sessions, agent, dispatcher, nil,
		handlers.WSConfig{Conn: connection.DefaultConfig()}, log, nil, opts)
	admin := handlers.NewAdminHandler(registry, sessions, breakers, dispatcher,
		watchdog, sweeper, time.Second, log, opts.AuditLogger)

	router := gin.New()
	SetupRoutes(router, Deps{
		WS:           ws,
		Admin:        admin,
		Registry:     registry,
		Sessions:     sessions,
		AuthProvider: opts.AuthProvider,
		StartedAt:    time.Now(),
	})
	return router
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestSetupRoutes_HealthIsPublic(t *testing.T) {
	router := newTestRouter(t)

	w := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

// The scrape route only exists once telemetry.Init has set up the
// prometheus exporter; without it the route must not register a nil
// handler.
func TestSetupRoutes_MetricsAbsentWithoutExporter(t *testing.T) {
	router := newTestRouter(t)

	w := get(t, router, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestSetupRoutes_AdminReachableUnderNopAuth verifies the whole admin
// table resolves. NopAuthProvider grants the admin role, so every
// route answers instead of 403.
func TestSetupRoutes_AdminReachableUnderNopAuth(t *testing.T) {
	router := newTestRouter(t)

	for _, path := range []string{
		"/v1/connections",
		"/v1/sessions",
		"/v1/memory/snapshot",
		"/v1/memory/history",
		"/v1/memory/alerts",
		"/v1/breakers",
		"/v1/callbacks",
	} {
		w := get(t, router, path)
		assert.Equal(t, http.StatusOK, w.Code, "GET %s", path)
	}
}

func TestSetupRoutes_UnknownRouteIs404(t *testing.T) {
	router := newTestRouter(t)

	w := get(t, router, "/v1/nonsense")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
