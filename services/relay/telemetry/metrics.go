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
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the Aleutian Relay service.
//
// Description:
//
//	Provides standard counters, histograms, and gauges for the HTTP
//	surface, websocket connections, heartbeats, callback dispatch,
//	sessions, memory, and the upstream agent. All metrics use the
//	"relay_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks currently active HTTP requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Connection Metrics ---

	// ConnectsTotal counts accepted websocket connections.
	ConnectsTotal metric.Int64Counter

	// DisconnectsTotal counts closed connections by reason.
	DisconnectsTotal metric.Int64Counter

	// ConnectionsActive reports the registry size (callback gauge).
	ConnectionsActive metric.Int64ObservableGauge

	// MessagesTotal counts websocket messages by direction.
	MessagesTotal metric.Int64Counter

	// MessageBytesTotal counts websocket payload bytes by direction.
	MessageBytesTotal metric.Int64Counter

	// SendQueueDropsTotal counts outbound frames dropped on full queues.
	SendQueueDropsTotal metric.Int64Counter

	// --- Heartbeat Metrics ---

	// HeartbeatPingsTotal counts ping frames sent.
	HeartbeatPingsTotal metric.Int64Counter

	// HeartbeatMissesTotal counts missed-heartbeat increments.
	HeartbeatMissesTotal metric.Int64Counter

	// StaleConnectionsClosedTotal counts connections the sweeper closed.
	StaleConnectionsClosedTotal metric.Int64Counter

	// SweepDuration records a full registry sweep in seconds.
	SweepDuration metric.Float64Histogram

	// --- Dispatch Metrics ---

	// DispatchTotal counts callback executions by callback and outcome.
	DispatchTotal metric.Int64Counter

	// DispatchDuration records callback execution duration in seconds.
	DispatchDuration metric.Float64Histogram

	// BreakerTransitionsTotal counts circuit breaker state changes by breaker.
	BreakerTransitionsTotal metric.Int64Counter

	// BreakerState reports each breaker's state (callback gauge,
	// 0=closed, 1=open, 2=half-open).
	BreakerState metric.Int64ObservableGauge

	// --- Memory Metrics ---

	// HeapAllocBytes reports last-sampled heap allocation (callback gauge).
	HeapAllocBytes metric.Int64ObservableGauge

	// GoroutineCount reports last-sampled goroutine count (callback gauge).
	GoroutineCount metric.Int64ObservableGauge

	// AlertsTotal counts raised watchdog alerts by level and source.
	AlertsTotal metric.Int64Counter

	// EvictionsTotal counts idle connections closed under memory pressure.
	EvictionsTotal metric.Int64Counter

	// --- Session Metrics ---

	// SessionsActive reports the live session count (callback gauge).
	SessionsActive metric.Int64ObservableGauge

	// SessionsCleanedTotal counts sessions removed by TTL cleanup.
	SessionsCleanedTotal metric.Int64Counter

	// ArchivesTotal counts transcript archive attempts by outcome.
	ArchivesTotal metric.Int64Counter

	// --- Upstream Metrics ---

	// UpstreamRequestsTotal counts agent backend calls by backend and status.
	UpstreamRequestsTotal metric.Int64Counter

	// UpstreamRequestDuration records agent backend latency in seconds.
	UpstreamRequestDuration metric.Float64Histogram

	// UpstreamTokensTotal counts streamed tokens by backend.
	UpstreamTokensTotal metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by type and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails. Observable
//	gauges are registered separately via the Register* methods since
//	they need callbacks into live components.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("relay")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.ConnectsTotal.Add(ctx, 1)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"relay_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"relay_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"relay_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Connection Metrics ---
	m.ConnectsTotal, err = meter.Int64Counter(
		"relay_connects_total",
		metric.WithDescription("Total accepted websocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connects_total: %w", err)
	}

	m.DisconnectsTotal, err = meter.Int64Counter(
		"relay_disconnects_total",
		metric.WithDescription("Total closed connections by reason"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create disconnects_total: %w", err)
	}

	m.MessagesTotal, err = meter.Int64Counter(
		"relay_messages_total",
		metric.WithDescription("Total websocket messages by direction"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages_total: %w", err)
	}

	m.MessageBytesTotal, err = meter.Int64Counter(
		"relay_message_bytes_total",
		metric.WithDescription("Total websocket payload bytes by direction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create message_bytes_total: %w", err)
	}

	m.SendQueueDropsTotal, err = meter.Int64Counter(
		"relay_send_queue_drops_total",
		metric.WithDescription("Outbound frames dropped on full send queues"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create send_queue_drops_total: %w", err)
	}

	// --- Heartbeat Metrics ---
	m.HeartbeatPingsTotal, err = meter.Int64Counter(
		"relay_heartbeat_pings_total",
		metric.WithDescription("Total ping frames sent"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create heartbeat_pings_total: %w", err)
	}

	m.HeartbeatMissesTotal, err = meter.Int64Counter(
		"relay_heartbeat_misses_total",
		metric.WithDescription("Total missed-heartbeat increments"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create heartbeat_misses_total: %w", err)
	}

	m.StaleConnectionsClosedTotal, err = meter.Int64Counter(
		"relay_stale_connections_closed_total",
		metric.WithDescription("Connections closed by the heartbeat sweeper"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stale_connections_closed_total: %w", err)
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"relay_sweep_duration_seconds",
		metric.WithDescription("Registry sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweep_duration: %w", err)
	}

	// --- Dispatch Metrics ---
	m.DispatchTotal, err = meter.Int64Counter(
		"relay_dispatch_total",
		metric.WithDescription("Callback executions by callback and outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch_total: %w", err)
	}

	m.DispatchDuration, err = meter.Float64Histogram(
		"relay_dispatch_duration_seconds",
		metric.WithDescription("Callback execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, fmt.Errorf("create dispatch_duration: %w", err)
	}

	m.BreakerTransitionsTotal, err = meter.Int64Counter(
		"relay_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaker_transitions_total: %w", err)
	}

	// --- Memory Metrics ---
	m.AlertsTotal, err = meter.Int64Counter(
		"relay_alerts_total",
		metric.WithDescription("Watchdog alerts raised by level and source"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create alerts_total: %w", err)
	}

	m.EvictionsTotal, err = meter.Int64Counter(
		"relay_evictions_total",
		metric.WithDescription("Idle connections closed under memory pressure"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evictions_total: %w", err)
	}

	// --- Session Metrics ---
	m.SessionsCleanedTotal, err = meter.Int64Counter(
		"relay_sessions_cleaned_total",
		metric.WithDescription("Sessions removed by TTL cleanup"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions_cleaned_total: %w", err)
	}

	m.ArchivesTotal, err = meter.Int64Counter(
		"relay_archives_total",
		metric.WithDescription("Transcript archive attempts by outcome"),
		metric.WithUnit("{archive}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create archives_total: %w", err)
	}

	// --- Upstream Metrics ---
	m.UpstreamRequestsTotal, err = meter.Int64Counter(
		"relay_upstream_requests_total",
		metric.WithDescription("Agent backend calls by backend and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create upstream_requests_total: %w", err)
	}

	m.UpstreamRequestDuration, err = meter.Float64Histogram(
		"relay_upstream_request_duration_seconds",
		metric.WithDescription("Agent backend latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create upstream_request_duration: %w", err)
	}

	m.UpstreamTokensTotal, err = meter.Int64Counter(
		"relay_upstream_tokens_total",
		metric.WithDescription("Streamed tokens by backend"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create upstream_tokens_total: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"relay_errors_total",
		metric.WithDescription("Total errors by type and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterConnectionCount registers the active-connection gauge.
//
// Description:
//
//	Sets up an observable gauge fed by countFunc, invoked on every
//	metrics scrape. The registry owns the count; telemetry only reads
//	it.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	countFunc - Returns the current registry size.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterConnectionCount(meter metric.Meter, countFunc func() int64) (metric.Registration, error) {
	var err error
	m.ConnectionsActive, err = meter.Int64ObservableGauge(
		"relay_connections_active",
		metric.WithDescription("Currently registered websocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connections_active: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.ConnectionsActive, countFunc())
		return nil
	}, m.ConnectionsActive)
}

// RegisterBreakerStates registers the per-breaker state gauge.
//
// Description:
//
//	Sets up an observable gauge that reports every breaker's state on
//	each scrape (0=closed, 1=open, 2=half-open), one series per
//	breaker name.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	statesFunc - Returns breaker name -> numeric state.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterBreakerStates(meter metric.Meter, statesFunc func() map[string]int64) (metric.Registration, error) {
	var err error
	m.BreakerState, err = meter.Int64ObservableGauge(
		"relay_breaker_state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create breaker_state: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for name, state := range statesFunc() {
			o.ObserveInt64(m.BreakerState, state,
				metric.WithAttributes(attribute.String("breaker", name)))
		}
		return nil
	}, m.BreakerState)
}

// RegisterMemoryGauges registers heap and goroutine gauges fed by the
// memory watchdog's latest snapshot.
func (m *Metrics) RegisterMemoryGauges(meter metric.Meter, heapFunc, goroutineFunc func() int64) (metric.Registration, error) {
	var err error
	m.HeapAllocBytes, err = meter.Int64ObservableGauge(
		"relay_heap_alloc_bytes",
		metric.WithDescription("Heap allocation from the last watchdog sample"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("create heap_alloc_bytes: %w", err)
	}

	m.GoroutineCount, err = meter.Int64ObservableGauge(
		"relay_goroutines",
		metric.WithDescription("Goroutine count from the last watchdog sample"),
		metric.WithUnit("{goroutine}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create goroutines: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.HeapAllocBytes, heapFunc())
		o.ObserveInt64(m.GoroutineCount, goroutineFunc())
		return nil
	}, m.HeapAllocBytes, m.GoroutineCount)
}

// RegisterSessionCount registers the live-session gauge.
func (m *Metrics) RegisterSessionCount(meter metric.Meter, countFunc func() int64) (metric.Registration, error) {
	var err error
	m.SessionsActive, err = meter.Int64ObservableGauge(
		"relay_sessions_active",
		metric.WithDescription("Sessions currently stored and unexpired"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions_active: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.SessionsActive, countFunc())
		return nil
	}, m.SessionsActive)
}
