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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/connection"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/heartbeat"
	"github.com/AleutianAI/AleutianRelay/services/relay/memwatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
)

// AdminHandler serves the operator API: connection listing and kicks,
// drain, session inspection, memory watchdog queries, and breaker
// control. Every route behind it requires the admin role.
type AdminHandler struct {
	registry   *connection.Registry
	sessions   *session.Store
	breakers   *dispatch.BreakerRegistry
	dispatcher *dispatch.Dispatcher
	watchdog   *memwatch.Watchdog
	sweeper    *heartbeat.Sweeper

	drainGrace time.Duration

	log   *slog.Logger
	audit extensions.AuditLogger
}

// NewAdminHandler creates the admin handler. drainGrace is the default
// delay between the draining broadcast and the close sweep; a drain
// request may override it.
func NewAdminHandler(
	registry *connection.Registry,
	sessions *session.Store,
	breakers *dispatch.BreakerRegistry,
	dispatcher *dispatch.Dispatcher,
	watchdog *memwatch.Watchdog,
	sweeper *heartbeat.Sweeper,
	drainGrace time.Duration,
	log *slog.Logger,
	audit extensions.AuditLogger,
) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	return &AdminHandler{
		registry:   registry,
		sessions:   sessions,
		breakers:   breakers,
		dispatcher: dispatcher,
		watchdog:   watchdog,
		sweeper:    sweeper,
		drainGrace: drainGrace,
		log:        log.With("component", "admin"),
		audit:      audit,
	}
}

// ListConnections returns every live connection, oldest first.
func (h *AdminHandler) ListConnections(c *gin.Context) {
	conns := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"count":       len(conns),
		"connections": conns,
	})
}

// GetConnection returns one connection by ID.
func (h *AdminHandler) GetConnection(c *gin.Context) {
	id := c.Param("id")
	conn, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	c.JSON(http.StatusOK, conn.Info())
}

// KickConnection force-closes one connection with a normal close frame.
func (h *AdminHandler) KickConnection(c *gin.Context) {
	id := c.Param("id")
	conn, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}

	conn.Close(websocket.CloseNormalClosure, "kicked by operator")
	h.log.Info("connection kicked", "conn_id", id, "admin", adminActor(c))
	h.auditAction(c, "conn.kick", "delete", "connection", id, map[string]any{
		"user_id": conn.UserID(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "kicked", "conn_id": id})
}

type drainRequest struct {
	// GraceMs overrides the configured drain grace period.
	GraceMs int64 `json:"grace_ms"`
}

// Drain puts the server into drain mode: no new connections or chat
// turns, a draining notice to every client, then a close sweep after
// the grace period. There is no undo; restart to accept traffic again.
func (h *AdminHandler) Drain(c *gin.Context) {
	var req drainRequest
	_ = c.ShouldBindJSON(&req)

	grace := h.drainGrace
	if req.GraceMs > 0 {
		grace = time.Duration(req.GraceMs) * time.Millisecond
	}

	h.registry.SetDraining()
	sent, failed := h.registry.Broadcast(c.Request.Context(),
		datatypes.NewDrainingFrame("server is draining, please reconnect later"))

	go func() {
		time.Sleep(grace)
		closed := h.registry.CloseAll(websocket.CloseGoingAway, "server draining")
		h.log.Info("drain sweep complete", "closed", closed)
	}()

	h.log.Warn("drain initiated",
		"admin", adminActor(c),
		"grace", grace,
		"notified", sent,
		"notify_failed", failed,
	)
	h.auditAction(c, "system.drain", "update", "gateway", "", map[string]any{
		"grace_ms": grace.Milliseconds(),
		"notified": sent,
	})
	c.JSON(http.StatusAccepted, gin.H{
		"status":   "draining",
		"notified": sent,
		"grace_ms": grace.Milliseconds(),
	})
}

// ListSessions returns stored sessions, most recently active first.
// The limit query parameter caps the page (default 100).
func (h *AdminHandler) ListSessions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	sessions, err := h.sessions.List(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("failed to list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
	c.JSON(http.StatusOK, gin.H{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// GetSession returns one session with its full transcript.
func (h *AdminHandler) GetSession(c *gin.Context) {
	id := c.Param("sessionId")
	sess, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.log.Error("failed to load session", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	turns, err := h.sessions.Turns(c.Request.Context(), id)
	if err != nil {
		h.log.Error("failed to load transcript", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transcript"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": sess,
		"turns":   turns,
	})
}

// DeleteSession removes a session and its transcript immediately,
// bypassing archival.
func (h *AdminHandler) DeleteSession(c *gin.Context) {
	id := c.Param("sessionId")
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.log.Error("failed to delete session", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}

	h.auditAction(c, "session.delete", "delete", "session", id, nil)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": id})
}

// MemorySnapshot returns the watchdog's latest sample, taking one on
// the spot if none exists yet.
func (h *AdminHandler) MemorySnapshot(c *gin.Context) {
	snap, ok := h.watchdog.Latest()
	if !ok {
		snap = h.watchdog.SampleNow(c.Request.Context())
	}
	c.JSON(http.StatusOK, snap)
}

// MemoryHistory returns the retained snapshot ring, oldest first.
func (h *AdminHandler) MemoryHistory(c *gin.Context) {
	snaps := h.watchdog.History()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(snaps),
		"snapshots": snaps,
	})
}

// MemoryAlerts returns unresolved alerts plus the recent alert log.
func (h *AdminHandler) MemoryAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": h.watchdog.ActiveAlerts(),
		"recent": h.watchdog.RecentAlerts(),
	})
}

// MemorySample forces an immediate sample outside the regular cadence
// and returns it. Thresholds and sinks run as usual.
func (h *AdminHandler) MemorySample(c *gin.Context) {
	snap := h.watchdog.SampleNow(c.Request.Context())
	c.JSON(http.StatusOK, snap)
}

// SweepNow forces a heartbeat sweep outside the regular cadence and
// returns its result.
func (h *AdminHandler) SweepNow(c *gin.Context) {
	// Detach from the request context so an impatient admin client
	// cannot abort the sweep halfway through.
	res, err := h.sweeper.RunNow(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		h.log.Error("manual sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListBreakers returns every circuit breaker with its state and
// counters, sorted by name.
func (h *AdminHandler) ListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"breakers": h.breakers.Snapshot(),
	})
}

// ResetBreaker flips one breaker back to closed. Use after fixing the
// failing dependency; a still-broken dependency reopens it on the next
// failure threshold.
func (h *AdminHandler) ResetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := h.breakers.Reset(name); err != nil {
		if errors.Is(err, dispatch.ErrUnknownBreaker) {
			c.JSON(http.StatusNotFound, gin.H{"error": "breaker not found"})
			return
		}
		h.log.Error("failed to reset breaker", "breaker", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset breaker"})
		return
	}

	h.log.Info("breaker reset", "breaker", name, "admin", adminActor(c))
	h.auditAction(c, "breaker.reset", "update", "breaker", name, nil)
	c.JSON(http.StatusOK, gin.H{"status": "reset", "breaker": name})
}

// ListCallbacks returns the registered dispatch callbacks.
func (h *AdminHandler) ListCallbacks(c *gin.Context) {
	cbs := h.dispatcher.Callbacks()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(cbs),
		"callbacks": cbs,
	})
}

// auditAction records an admin operation with the acting user.
func (h *AdminHandler) auditAction(c *gin.Context, eventType, action, resourceType, resourceID string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["remote_addr"] = c.ClientIP()
	_ = h.audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       adminActor(c),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      "success",
		Metadata:     meta,
	})
}

// adminActor names the authenticated admin for logs and audit trails.
func adminActor(c *gin.Context) string {
	if info := middleware.GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return "anonymous"
}
