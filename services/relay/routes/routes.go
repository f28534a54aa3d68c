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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/connection"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// Deps carries everything the route table needs.
type Deps struct {
	WS       *handlers.WSHandler
	Admin    *handlers.AdminHandler
	Registry *connection.Registry
	Sessions *session.Store

	// AuthProvider gates /v1. NopAuthProvider admits everyone as the
	// local admin user.
	AuthProvider extensions.AuthProvider

	// StartedAt feeds the health check's uptime.
	StartedAt time.Time
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(deps.Registry, deps.Sessions, deps.StartedAt))

	// Only the prometheus exporter provides a scrape handler.
	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}

	// API version 1 group, all authenticated
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.AuthProvider))
	{
		v1.GET("/ws", deps.WS.HandleWS)

		// Operator routes
		admin := v1.Group("")
		admin.Use(middleware.RequireRole("admin"))
		{
			admin.GET("/connections", deps.Admin.ListConnections)
			admin.GET("/connections/:id", deps.Admin.GetConnection)
			admin.DELETE("/connections/:id", deps.Admin.KickConnection)
			admin.POST("/drain", deps.Admin.Drain)

			admin.GET("/sessions", deps.Admin.ListSessions)
			admin.GET("/sessions/:sessionId", deps.Admin.GetSession)
			admin.DELETE("/sessions/:sessionId", deps.Admin.DeleteSession)

			memory := admin.Group("/memory")
			{
				memory.GET("/snapshot", deps.Admin.MemorySnapshot)
				memory.GET("/history", deps.Admin.MemoryHistory)
				memory.GET("/alerts", deps.Admin.MemoryAlerts)
				memory.POST("/sample", deps.Admin.MemorySample)
			}

			admin.POST("/heartbeat/sweep", deps.Admin.SweepNow)

			admin.GET("/breakers", deps.Admin.ListBreakers)
			admin.POST("/breakers/:name/reset", deps.Admin.ResetBreaker)

			admin.GET("/callbacks", deps.Admin.ListCallbacks)
		}
	}
}
