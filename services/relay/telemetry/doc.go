// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry provides OpenTelemetry-based observability for the
// Aleutian Relay gateway.
//
// This package initializes the OTel SDK with opinionated defaults for
// tracing and metrics, while allowing backend flexibility through
// exporter configuration.
//
// # Philosophy
//
// Be opinionated about the API, flexible about the backend.
// OpenTelemetry IS the abstraction layer. We use OTel APIs directly
// (no custom interfaces), and operators swap backends by changing
// exporter configuration, not code.
//
// # Trace Backend (default: OTLP over gRPC)
//
// Any OTLP-compatible collector works (Jaeger 1.35+, Grafana Tempo,
// Datadog, New Relic). The "stdout" exporter pretty-prints spans for
// local debugging; "none" disables tracing entirely.
//
// # Metrics Backend (default: Prometheus)
//
// Metrics are exposed through MetricsHandler() for scraping at
// /metrics. The relay's instruments live in Metrics (relay_* names);
// gauges that read live component state (registry size, breaker
// states, heap) are registered with callbacks via the Register*
// methods.
//
// # Logging
//
// Uses slog (stdlib) for structured logging. LoggerWithTrace injects
// trace_id and span_id into log entries for correlation;
// LoggerWithConnection and LoggerWithSession add the relay's two main
// correlation keys on top.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(ctx)
//
//	meter := otel.Meter("relay")
//	metrics, err := telemetry.NewMetrics(meter)
//
// # Environment Variables
//
// Standard OTel environment variables are supported:
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: otlp)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - RELAY_ENV: environment name (default: development)
//
// # Thread Safety
//
// Init is called once at startup. Everything else is safe for
// concurrent use.
package telemetry
