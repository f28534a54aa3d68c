// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// CleanerConfig holds the TTL cleanup policy.
//
// # Fields
//
//   - Interval: How often to scan for expired sessions. Default: 10
//     minutes.
//   - Batch: Maximum sessions removed per cycle. Default: 256.
type CleanerConfig struct {
	Interval time.Duration
	Batch    int
}

// DefaultCleanerConfig returns production defaults.
func DefaultCleanerConfig() CleanerConfig {
	return CleanerConfig{
		Interval: 10 * time.Minute,
		Batch:    256,
	}
}

// CleanResult summarizes one cleanup cycle.
type CleanResult struct {
	// Scanned is how many session records the scan visited.
	Scanned int `json:"scanned"`

	// Expired is how many were past their TTL deadline.
	Expired int `json:"expired"`

	// Archived is how many transcripts were exported before deletion.
	Archived int `json:"archived"`

	// Deleted is how many sessions were removed with their journals.
	Deleted int `json:"deleted"`

	// StartTime is when the cycle began.
	StartTime time.Time `json:"start_time"`

	// Duration is how long the cycle took.
	Duration time.Duration `json:"duration"`
}

// Cleaner periodically deletes expired sessions in batches.
//
// # Description
//
// Runs a background goroutine on the ticker + done channel pattern.
// Each cycle scans for sessions past their TTL deadline, exports the
// transcripts of any flagged for archival, and deletes the rest. An
// export failure leaves the session in place for the next cycle, so a
// transient outage never loses a transcript.
//
// # Thread Safety
//
// All public methods are thread-safe.
type Cleaner struct {
	store    *Store
	archiver Archiver
	cfg      CleanerConfig
	log      *slog.Logger
	metrics  *telemetry.Metrics

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewCleaner creates a cleaner over the store. Ready to Start().
// A nil archiver skips exports entirely.
func NewCleaner(store *Store, archiver Archiver, cfg CleanerConfig, log *slog.Logger, metrics *telemetry.Metrics) *Cleaner {
	def := DefaultCleanerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if log == nil {
		log = slog.Default()
	}

	return &Cleaner{
		store:    store,
		archiver: archiver,
		cfg:      cfg,
		log:      log.With("component", "session.cleaner"),
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Start begins the background cleanup loop.
//
// # Outputs
//
//   - error: Non-nil if the cleaner is already running.
func (c *Cleaner) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleaner is already running")
	}
	c.running = true
	c.done = make(chan struct{}) // Reset done channel for potential restart
	c.mu.Unlock()

	c.log.Info("session cleaner starting",
		"interval", c.cfg.Interval.String(),
		"batch", c.cfg.Batch,
	)

	go c.runLoop(ctx, c.done)
	return nil
}

// Stop signals the cleanup loop to exit. Safe to call multiple times.
func (c *Cleaner) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil // Already stopped
	}

	c.log.Info("session cleaner stopping")
	close(c.done)
	c.running = false
	return nil
}

// RunNow performs one cleanup cycle immediately, outside the schedule.
// Used by the admin API and tests.
func (c *Cleaner) RunNow(ctx context.Context) (CleanResult, error) {
	return c.clean(ctx)
}

// runLoop is the main cleaner goroutine. The done channel is pinned at
// start so a stop/restart pair never strands the old loop.
func (c *Cleaner) runLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run an initial cycle immediately on start
	c.executeClean(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("session cleaner stopped (context cancelled)")
			return
		case <-done:
			c.log.Info("session cleaner stopped (stop requested)")
			return
		case <-ticker.C:
			c.executeClean(ctx)
		}
	}
}

// executeClean runs a single cycle with logging.
func (c *Cleaner) executeClean(ctx context.Context) {
	result, err := c.clean(ctx)
	if err != nil {
		c.log.Error("session cleanup aborted", "error", err)
		return
	}

	// Only log at Info when the cycle found something
	if result.Expired > 0 {
		c.log.Info("session cleanup completed",
			"scanned", result.Scanned,
			"expired", result.Expired,
			"archived", result.Archived,
			"deleted", result.Deleted,
			"duration", result.Duration.String(),
		)
	} else {
		c.log.Debug("session cleanup completed (no expired sessions)")
	}
}

// clean performs one cycle: scan, archive flagged, delete.
func (c *Cleaner) clean(ctx context.Context) (CleanResult, error) {
	result := CleanResult{StartTime: time.Now()}

	expired, scanned, err := c.store.expiredBatch(ctx, result.StartTime, c.cfg.Batch)
	result.Scanned = scanned
	if err != nil {
		return result, err
	}
	result.Expired = len(expired)

	for _, sess := range expired {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(result.StartTime)
			return result, ctx.Err()
		default:
		}

		if sess.Archived && c.archiver != nil {
			if err := c.archiveSession(ctx, sess); err != nil {
				// Keep the session; the next cycle retries the export.
				c.log.Warn("transcript export failed, keeping session",
					"session_id", sess.ID,
					"error", err,
				)
				c.recordArchive(ctx, "error")
				continue
			}
			result.Archived++
			c.recordArchive(ctx, "ok")
		}

		if err := c.store.Delete(ctx, sess.ID); err != nil {
			c.log.Warn("failed to delete expired session",
				"session_id", sess.ID,
				"error", err,
			)
			continue
		}
		result.Deleted++
		c.log.Debug("expired session deleted",
			"session_id", sess.ID,
			"user_id", sess.UserID,
			"turns", sess.TurnCount,
		)
		if c.metrics != nil {
			c.metrics.SessionsCleanedTotal.Add(ctx, 1)
		}
	}

	result.Duration = time.Since(result.StartTime)
	return result, nil
}

func (c *Cleaner) archiveSession(ctx context.Context, sess Session) error {
	turns, err := c.store.Turns(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	return c.archiver.Archive(ctx, sess, turns)
}

func (c *Cleaner) recordArchive(ctx context.Context, outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ArchivesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
