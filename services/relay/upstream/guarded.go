// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// ErrStreamAborted marks a stream ended by the caller's TokenFunc
// rather than by the backend. Aborts do not count against the
// backend's circuit breaker.
var ErrStreamAborted = errors.New("stream aborted by caller")

// guardedClient wraps a backend with its circuit breaker and metrics.
type guardedClient struct {
	inner   AgentClient
	breaker *dispatch.CircuitBreaker
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// Guard wraps a backend in the "upstream:<backend>" breaker from the
// shared registry. A nil registry gets a standalone default breaker,
// which tests use.
func Guard(inner AgentClient, breakers *dispatch.BreakerRegistry, log *slog.Logger, metrics *telemetry.Metrics) AgentClient {
	var breaker *dispatch.CircuitBreaker
	if breakers != nil {
		breaker = breakers.Get("upstream:" + inner.Name())
	} else {
		breaker = dispatch.NewCircuitBreaker(dispatch.DefaultBreakerConfig())
	}
	if log == nil {
		log = slog.Default()
	}
	return &guardedClient{
		inner:   inner,
		breaker: breaker,
		metrics: metrics,
		log:     log,
	}
}

// Name implements AgentClient.
func (g *guardedClient) Name() string { return g.inner.Name() }

// Chat implements AgentClient.
func (g *guardedClient) Chat(ctx context.Context, turns []datatypes.Message, params Params) (string, error) {
	start := time.Now()

	var answer string
	err := g.breaker.Execute(func() error {
		var innerErr error
		answer, innerErr = g.inner.Chat(ctx, turns, params)
		return innerErr
	})

	g.record(ctx, start, err)
	if err != nil {
		return "", err
	}
	return answer, nil
}

// Stream implements AgentClient.
func (g *guardedClient) Stream(ctx context.Context, turns []datatypes.Message, params Params, onToken TokenFunc) error {
	start := time.Now()

	var tokens int64
	wrapped := func(token string) error {
		tokens++
		if err := onToken(token); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamAborted, err)
		}
		return nil
	}

	// A caller abort or cancellation says nothing about backend
	// health, so the breaker records it as a success.
	var abortErr error
	err := g.breaker.Execute(func() error {
		streamErr := g.inner.Stream(ctx, turns, params, wrapped)
		if streamErr != nil && (errors.Is(streamErr, ErrStreamAborted) || errors.Is(streamErr, context.Canceled)) {
			abortErr = streamErr
			return nil
		}
		return streamErr
	})
	if err == nil && abortErr != nil {
		err = abortErr
	}

	g.record(ctx, start, err)
	if g.metrics != nil && tokens > 0 {
		g.metrics.UpstreamTokensTotal.Add(ctx, tokens,
			metric.WithAttributes(attribute.String("backend", g.inner.Name())))
	}
	return err
}

func (g *guardedClient) record(ctx context.Context, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, dispatch.ErrCircuitOpen):
		status = "rejected"
		g.log.Debug("upstream breaker open, rejecting request", "backend", g.inner.Name())
	case err != nil:
		status = "error"
	}

	if g.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", g.inner.Name()),
		attribute.String("status", status),
	)
	g.metrics.UpstreamRequestsTotal.Add(ctx, 1, attrs)
	g.metrics.UpstreamRequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
