// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsMiddleware creates gin middleware that records HTTP metrics.
//
// Description:
//
//	Records request count, duration, and in-flight count on every
//	route. Tracing is otelgin's job; this middleware only feeds the
//	HTTP instruments. Uses the route template (c.FullPath) rather than
//	the raw URL so path parameters do not explode label cardinality.
//
// Inputs:
//
//	m - The Metrics instance to record into.
//
// Outputs:
//
//	gin.HandlerFunc to register with router.Use.
//
// Example:
//
//	router := gin.New()
//	router.Use(otelgin.Middleware("relay"), telemetry.MetricsMiddleware(metrics))
//
// Thread Safety: Safe for concurrent use.
func MetricsMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()

		m.HTTPActiveRequests.Add(ctx, 1)
		defer m.HTTPActiveRequests.Add(ctx, -1)

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("path", path),
			attribute.String("status", strconv.Itoa(status)),
		)

		m.HTTPRequestsTotal.Add(ctx, 1, attrs)
		m.HTTPRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if status >= http.StatusInternalServerError {
			m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("component", "http"),
				attribute.String("type", "server_error"),
			))
		}
	}
}
