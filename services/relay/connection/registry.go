// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

var (
	// ErrRegistryFull is returned when the global connection cap is hit.
	ErrRegistryFull = errors.New("connection registry full")

	// ErrUserConnLimit is returned when one user holds too many
	// connections.
	ErrUserConnLimit = errors.New("per-user connection limit reached")

	// ErrDuplicateConn is returned when a connection ID is already
	// registered.
	ErrDuplicateConn = errors.New("duplicate connection id")

	// ErrDraining is returned when the server is shutting down and no
	// longer accepts registrations.
	ErrDraining = errors.New("server draining")
)

// broadcastWorkers bounds concurrent sends during a fan-out.
const broadcastWorkers = 16

// RegistryConfig holds the registry's capacity limits.
type RegistryConfig struct {
	// MaxConnections caps the registry. Zero means unlimited.
	MaxConnections int

	// MaxPerUser caps connections per user ID. Zero means unlimited.
	MaxPerUser int
}

// Registry is the authoritative set of live connections.
//
// A connection is present iff its pumps are running: Add happens after
// Start, and the connection's OnClose hook removes it. Everything that
// walks connections (heartbeat sweeper, memory watchdog, admin API,
// broadcast) goes through here.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	cfg      RegistryConfig
	log      *slog.Logger
	metrics  *telemetry.Metrics
	draining atomic.Bool

	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, log *slog.Logger, metrics *telemetry.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		log:     log.With("component", "registry"),
		metrics: metrics,
		conns:   make(map[string]*Conn),
		byUser:  make(map[string]map[string]*Conn),
	}
}

// Add registers a connection, enforcing the drain flag and both caps.
func (r *Registry) Add(c *Conn) error {
	if r.draining.Load() {
		return ErrDraining
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConn, c.ID())
	}
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		return ErrRegistryFull
	}
	if r.cfg.MaxPerUser > 0 && c.UserID() != "" && len(r.byUser[c.UserID()]) >= r.cfg.MaxPerUser {
		return fmt.Errorf("%w: user %s", ErrUserConnLimit, c.UserID())
	}

	r.conns[c.ID()] = c
	if c.UserID() != "" {
		userConns := r.byUser[c.UserID()]
		if userConns == nil {
			userConns = make(map[string]*Conn)
			r.byUser[c.UserID()] = userConns
		}
		userConns[c.ID()] = c
	}

	if r.metrics != nil {
		r.metrics.ConnectsTotal.Add(context.Background(), 1)
	}
	r.log.Debug("connection registered", "conn_id", c.ID(), "user_id", c.UserID(), "total", len(r.conns))
	return nil
}

// Remove unregisters a connection. Unknown IDs are a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.conns[id]
	if !exists {
		return
	}
	delete(r.conns, id)
	if c.UserID() != "" {
		userConns := r.byUser[c.UserID()]
		delete(userConns, id)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID())
		}
	}
	r.log.Debug("connection unregistered", "conn_id", id, "total", len(r.conns))
}

// Get returns a connection by ID.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// AtCapacity reports whether the global connection cap is exhausted. The
// answer can go stale before the caller acts on it; Add remains the
// authoritative gate.
func (r *Registry) AtCapacity() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections
}

// CountForUser returns how many connections a user holds.
func (r *Registry) CountForUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// List snapshots every connection, oldest first.
func (r *Registry) List() []ConnectionInfo {
	conns := r.snapshot()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// snapshot copies the connection set so walkers never hold the lock
// while touching sockets.
func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Walk calls fn for each registered connection.
func (r *Registry) Walk(fn func(c *Conn)) {
	for _, c := range r.snapshot() {
		fn(c)
	}
}

// Broadcast marshals v once and fans it out to every connection with
// bounded concurrency. Returns how many sends were enqueued and how
// many failed (queue full or closed).
func (r *Registry) Broadcast(ctx context.Context, v any) (sent, failed int) {
	return r.broadcast(ctx, v, nil)
}

// BroadcastSession fans out only to connections bound to a session.
func (r *Registry) BroadcastSession(ctx context.Context, sessionID string, v any) (sent, failed int) {
	return r.broadcast(ctx, v, func(c *Conn) bool { return c.SessionID() == sessionID })
}

func (r *Registry) broadcast(ctx context.Context, v any, keep func(*Conn) bool) (int, int) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Error("broadcast marshal failed", "error", err)
		return 0, 0
	}

	var sent, failed atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(broadcastWorkers)

	for _, c := range r.snapshot() {
		if keep != nil && !keep(c) {
			continue
		}
		c := c
		g.Go(func() error {
			if err := c.sendBytes(data); err != nil {
				failed.Add(1)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	g.Wait()

	return int(sent.Load()), int(failed.Load())
}

// CloseIdle closes up to max connections idle longer than idleFor,
// oldest-idle first, and returns how many it closed. The memory
// watchdog calls this under critical memory pressure.
func (r *Registry) CloseIdle(idleFor time.Duration, max int) int {
	if max <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-idleFor)

	idle := make([]*Conn, 0)
	for _, c := range r.snapshot() {
		if c.State() == StateClosed {
			continue
		}
		if c.LastSeen().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].LastSeen().Before(idle[j].LastSeen())
	})

	closed := 0
	for _, c := range idle {
		if closed >= max {
			break
		}
		r.log.Info("evicting idle connection under memory pressure",
			"conn_id", c.ID(),
			"idle", time.Since(c.LastSeen()).Round(time.Second).String())
		c.Close(websocket.CloseGoingAway, "idle eviction")
		closed++
		if r.metrics != nil {
			r.metrics.EvictionsTotal.Add(context.Background(), 1)
		}
	}
	return closed
}

// SetDraining flips the drain flag; once set, Add refuses new
// connections.
func (r *Registry) SetDraining() {
	r.draining.Store(true)
}

// IsDraining reports whether the drain flag is set.
func (r *Registry) IsDraining() bool {
	return r.draining.Load()
}

// CloseAll closes every connection with the given code and reason and
// returns how many it closed. Callers broadcast a draining notice and
// wait out the grace period first.
func (r *Registry) CloseAll(code int, reason string) int {
	conns := r.snapshot()
	for _, c := range conns {
		c.Close(code, reason)
	}
	return len(conns)
}
