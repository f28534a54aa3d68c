// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/connection"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
)

// HealthCheck reports liveness plus the numbers a load balancer or
// operator glances at first. A draining server answers 503 so new
// traffic routes elsewhere while existing sockets wind down.
func HealthCheck(registry *connection.Registry, sessions *session.Store, startedAt time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		draining := registry.IsDraining()
		status := http.StatusOK
		state := "ok"
		if draining {
			status = http.StatusServiceUnavailable
			state = "draining"
		}

		c.JSON(status, gin.H{
			"status":      state,
			"uptime_s":    int64(time.Since(startedAt).Seconds()),
			"connections": registry.Len(),
			"sessions":    sessions.Count(),
			"draining":    draining,
		})
	}
}
