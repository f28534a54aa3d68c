// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heartbeat runs the background sweep that catches connections
// whose peers stopped answering pings.
//
// Pings themselves are sent by each connection's writer pump and pongs
// update per-connection liveness; the sweeper only decides staleness
// centrally, so one scan sees the whole registry and one policy
// (timeout + max missed) applies everywhere.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/connection"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// Config holds the sweep policy.
//
// # Fields
//
//   - SweepInterval: How often to scan the registry. Default: 30 seconds.
//   - Timeout: Last-seen age beyond which a connection is stale.
//     Default: 60 seconds.
//   - MaxMissed: Consecutive stale sweeps before the connection is
//     closed. Default: 3.
type Config struct {
	SweepInterval time.Duration
	Timeout       time.Duration
	MaxMissed     int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 30 * time.Second,
		Timeout:       60 * time.Second,
		MaxMissed:     3,
	}
}

// SweepResult summarizes one registry scan.
type SweepResult struct {
	// Scanned is how many connections the sweep visited.
	Scanned int `json:"scanned"`

	// Stale is how many had a last-seen age over the timeout.
	Stale int `json:"stale"`

	// Closed is how many reached the missed limit and were closed.
	Closed int `json:"closed"`

	// StartTime is when the sweep began.
	StartTime time.Time `json:"start_time"`

	// Duration is how long the sweep took.
	Duration time.Duration `json:"duration"`
}

// Sweeper periodically scans the registry for dead connections.
//
// # Description
//
// Runs a background goroutine on the ticker + done channel pattern.
// Each sweep visits every registered connection; connections whose
// last-seen age exceeds the timeout accrue a missed count, and at the
// limit they are closed with 1001 "heartbeat timeout". A pong or any
// inbound frame resets the count, so only persistently silent peers
// are removed.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Sweeper struct {
	registry *connection.Registry
	cfg      Config
	log      *slog.Logger
	metrics  *telemetry.Metrics

	done    chan struct{}
	retick  chan time.Duration
	mu      sync.Mutex
	running bool
}

// NewSweeper creates a sweeper over the registry. Ready to Start().
func NewSweeper(registry *connection.Registry, cfg Config, log *slog.Logger, metrics *telemetry.Metrics) *Sweeper {
	if log == nil {
		log = slog.Default()
	}

	return &Sweeper{
		registry: registry,
		cfg:      normalizeConfig(cfg),
		log:      log.With("component", "heartbeat"),
		metrics:  metrics,
		done:     make(chan struct{}),
		retick:   make(chan time.Duration, 1),
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = def.MaxMissed
	}
	return cfg
}

// Reconfigure swaps the sweep policy at runtime. Timeout and the missed
// limit apply from the next sweep; an interval change resets the ticker.
func (s *Sweeper) Reconfigure(cfg Config) {
	cfg = normalizeConfig(cfg)

	s.mu.Lock()
	intervalChanged := cfg.SweepInterval != s.cfg.SweepInterval
	s.cfg = cfg
	s.mu.Unlock()

	if intervalChanged {
		select {
		case s.retick <- cfg.SweepInterval:
		default:
		}
	}
	s.log.Info("sweep policy updated",
		"sweep_interval", cfg.SweepInterval.String(),
		"timeout", cfg.Timeout.String(),
		"max_missed", cfg.MaxMissed,
	)
}

// snapshot returns the current policy.
func (s *Sweeper) snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start begins the background sweep loop.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // Reset done channel for potential restart
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Info("heartbeat sweeper starting",
		"sweep_interval", cfg.SweepInterval.String(),
		"timeout", cfg.Timeout.String(),
		"max_missed", cfg.MaxMissed,
	)

	go s.runLoop(ctx, s.done)
	return nil
}

// Stop signals the sweep loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil // Already stopped
	}

	s.log.Info("heartbeat sweeper stopping")
	close(s.done)
	s.running = false
	return nil
}

// RunNow performs one sweep immediately, outside the schedule. Used by
// the admin API and tests.
func (s *Sweeper) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx)
}

// runLoop is the main sweeper goroutine. The done channel is pinned at
// start so a stop/restart pair never strands the old loop.
func (s *Sweeper) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(s.snapshot().SweepInterval)
	defer ticker.Stop()

	// Run an initial sweep immediately on start
	s.executeSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat sweeper stopped (context cancelled)")
			return
		case <-done:
			s.log.Info("heartbeat sweeper stopped (stop requested)")
			return
		case interval := <-s.retick:
			ticker.Reset(interval)
		case <-ticker.C:
			s.executeSweep(ctx)
		}
	}
}

// executeSweep runs a single sweep with logging.
func (s *Sweeper) executeSweep(ctx context.Context) {
	result, err := s.sweep(ctx)
	if err != nil {
		s.log.Error("heartbeat sweep aborted", "error", err)
		return
	}

	// Only log at Info when the sweep found something
	if result.Stale > 0 || result.Closed > 0 {
		s.log.Info("heartbeat sweep completed",
			"scanned", result.Scanned,
			"stale", result.Stale,
			"closed", result.Closed,
			"duration", result.Duration.String(),
		)
	} else {
		s.log.Debug("heartbeat sweep completed (all connections fresh)")
	}
}

// sweep scans the registry once.
func (s *Sweeper) sweep(ctx context.Context) (SweepResult, error) {
	cfg := s.snapshot()
	result := SweepResult{StartTime: time.Now()}
	cutoff := result.StartTime.Add(-cfg.Timeout)

	var aborted error
	s.registry.Walk(func(c *connection.Conn) {
		if aborted != nil {
			return
		}
		select {
		case <-ctx.Done():
			aborted = ctx.Err()
			return
		default:
		}

		result.Scanned++
		if c.State() == connection.StateClosed {
			return
		}
		if !c.LastSeen().Before(cutoff) {
			return
		}

		result.Stale++
		missed := c.MarkMissed()
		if s.metrics != nil {
			s.metrics.HeartbeatMissesTotal.Add(ctx, 1)
		}
		s.log.Debug("stale connection",
			"conn_id", c.ID(),
			"last_seen", c.LastSeen(),
			"missed", missed,
		)

		if missed >= cfg.MaxMissed {
			s.log.Info("closing stale connection",
				"conn_id", c.ID(),
				"user_id", c.UserID(),
				"missed", missed,
			)
			c.Close(websocket.CloseGoingAway, "heartbeat timeout")
			result.Closed++
			if s.metrics != nil {
				s.metrics.StaleConnectionsClosedTotal.Add(ctx, 1)
			}
		}
	})

	result.Duration = time.Since(result.StartTime)
	if s.metrics != nil {
		s.metrics.SweepDuration.Record(ctx, result.Duration.Seconds())
	}
	if aborted != nil {
		return result, aborted
	}
	return result, nil
}
