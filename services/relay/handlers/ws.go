// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers for the relay: the websocket
// upgrade path with its per-connection frame loop, the admin API over
// the registry, breakers, memory watchdog, and session store, and the
// health check.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/connection"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
	"github.com/AleutianAI/AleutianRelay/services/relay/upstream"
)

// Lifecycle event types the websocket handler dispatches. Callbacks
// register against these names.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventChat       = "chat"
	EventEndSession = "end_session"
)

// lifecycleDispatchTimeout bounds the disconnect dispatch, which runs
// off the connection's own (already canceled) context.
const lifecycleDispatchTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Access control happens in the auth middleware; origin checks
		// would only break non-browser clients.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WSConfig carries the tunables the websocket handler needs beyond the
// per-connection Config.
type WSConfig struct {
	// Conn is the initial per-connection policy (queue sizes, rate
	// limits, ping cadence). SetConnPolicy swaps it at runtime.
	Conn connection.Config

	// MinClientVersion rejects hello frames below this semver with
	// close code 1002. Empty disables the gate. Accepts "1.2.3" or
	// "v1.2.3".
	MinClientVersion string

	// ArchiveByDefault exports every transcript on end_session even if
	// the session was never flagged.
	ArchiveByDefault bool
}

// WSHandler owns the websocket upgrade path.
//
// # Description
//
// One HandleWS call serves one client for the life of its socket: it
// upgrades the HTTP request, registers the connection, then runs the
// frame loop. Frames route by action (hello, chat, ping, resume,
// end_session); chat turns stream through the upstream client into the
// secure accumulator and the session journal. Lifecycle transitions
// fan out through the dispatcher so registered callbacks observe
// connects, chats, and disconnects.
//
// # Thread Safety
//
// Safe for concurrent use; per-connection state lives in wsClient.
type WSHandler struct {
	registry   *connection.Registry
	sessions   *session.Store
	agent      upstream.AgentClient
	dispatcher *dispatch.Dispatcher
	archiver   session.Archiver

	cfg        WSConfig
	minVersion string
	connCfg    atomic.Pointer[connection.Config]

	log     *slog.Logger
	metrics *telemetry.Metrics
	opts    extensions.ServiceOptions
	tracer  trace.Tracer
}

// NewWSHandler creates the websocket handler.
//
// # Inputs
//
//   - registry: Connection registry; every accepted socket registers here.
//   - sessions: Session store backing create/resume and the turn journal.
//   - agent: Upstream backend (already breaker-guarded).
//   - dispatcher: Callback dispatcher for lifecycle events.
//   - archiver: Transcript exporter used on end_session. May be nil.
//   - cfg: Connection policy and handshake gates.
//   - log: Structured logger.
//   - metrics: May be nil in tests.
//   - opts: Extension hooks (message filter, audit logger).
func NewWSHandler(
	registry *connection.Registry,
	sessions *session.Store,
	agent upstream.AgentClient,
	dispatcher *dispatch.Dispatcher,
	archiver session.Archiver,
	cfg WSConfig,
	log *slog.Logger,
	metrics *telemetry.Metrics,
	opts extensions.ServiceOptions,
) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &WSHandler{
		registry:   registry,
		sessions:   sessions,
		agent:      agent,
		dispatcher: dispatcher,
		archiver:   archiver,
		cfg:        cfg,
		minVersion: normalizeSemver(cfg.MinClientVersion),
		log:        log.With("component", "ws"),
		metrics:    metrics,
		opts:       opts,
		tracer:     otel.Tracer("aleutian.relay.handlers"),
	}
	h.connCfg.Store(&cfg.Conn)
	return h
}

// SetConnPolicy swaps the per-connection policy at runtime. Connections
// accepted after the call get the new policy; live connections keep the
// one they were accepted with.
func (h *WSHandler) SetConnPolicy(cfg connection.Config) {
	h.connCfg.Store(&cfg)
	h.log.Info("connection policy updated",
		"rate_per_second", cfg.RatePerSecond,
		"rate_burst", cfg.RateBurst,
		"ping_interval", cfg.PingInterval.String(),
	)
}

// HandleWS upgrades the request and runs the frame loop until the
// socket dies. Blocks for the life of the connection.
func (h *WSHandler) HandleWS(c *gin.Context) {
	authInfo := middleware.GetAuthInfo(c)
	userID := "anonymous"
	if authInfo != nil {
		userID = authInfo.UserID
	}

	if h.registry.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is draining"})
		return
	}
	if h.registry.AtCapacity() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server at capacity"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade writes its own HTTP error response.
		h.log.Error("websocket upgrade failed", "error", err, "remote", c.ClientIP())
		return
	}

	conn := connection.New(context.Background(), ws, *h.connCfg.Load(), connection.Options{
		UserID:        userID,
		RemoteAddr:    c.ClientIP(),
		Logger:        h.log,
		Metrics:       h.metrics,
		OnClose:       h.onClose,
		OnRateLimited: h.onRateLimited,
	})

	if err := h.registry.Add(conn); err != nil {
		h.rejectSocket(ws, err)
		return
	}

	conn.Start()
	h.log.Info("websocket client connected",
		"conn_id", conn.ID(),
		"user_id", userID,
		"remote", c.ClientIP(),
	)

	client := &wsClient{h: h, conn: conn, user: authInfo}
	if err := conn.ReadLoop(client.handle); err != nil {
		h.log.Debug("websocket read loop ended", "conn_id", conn.ID(), "error", err)
	}
}

// rejectSocket closes a just-upgraded socket the registry refused. The
// writer pump never starts for these, so the close frame goes out
// directly.
func (h *WSHandler) rejectSocket(ws *websocket.Conn, err error) {
	code := websocket.CloseTryAgainLater
	reason := "server at capacity"
	switch {
	case errors.Is(err, connection.ErrDraining):
		code = websocket.CloseGoingAway
		reason = "server is draining"
	case errors.Is(err, connection.ErrUserConnLimit):
		code = websocket.ClosePolicyViolation
		reason = "too many connections for user"
	}

	h.log.Warn("websocket connection refused", "reason", reason, "error", err)
	deadline := time.Now().Add(5 * time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

// onClose runs exactly once per connection, after the writer pump has
// exited. The registry entry goes first so admin listings never show a
// dead socket, then the disconnect event fans out to callbacks.
func (h *WSHandler) onClose(c *connection.Conn, code int, reason string) {
	h.registry.Remove(c.ID())

	ev := dispatch.Event{
		Type:      EventDisconnect,
		ConnID:    c.ID(),
		SessionID: c.SessionID(),
		UserID:    c.UserID(),
		Payload:   mustEventPayload(map[string]any{"code": code, "reason": reason}),
	}
	// The connection's context is already canceled here; callbacks get
	// their own deadline off background.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lifecycleDispatchTimeout)
		defer cancel()
		if _, err := h.dispatcher.Dispatch(ctx, ev); err != nil {
			h.log.Error("disconnect dispatch failed", "conn_id", ev.ConnID, "error", err)
		}
	}()
}

// onRateLimited tells the client it is over the inbound rate before
// the strike limit closes it.
func (h *WSHandler) onRateLimited(c *connection.Conn) {
	_ = c.Send(datatypes.NewErrorFrame(datatypes.CodeRateLimited, "message rate limit exceeded, slow down"))
}

// wsClient is the per-connection frame router. ReadLoop calls handle
// for every inbound frame; all methods run on that single goroutine.
type wsClient struct {
	h    *WSHandler
	conn *connection.Conn
	user *extensions.AuthInfo

	greeted bool
}

// handle routes one inbound frame by action. A non-nil return tears
// the connection down with 1011; protocol mistakes get error frames
// and keep the socket open.
func (s *wsClient) handle(ctx context.Context, data []byte) error {
	var frame datatypes.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return s.sendError(datatypes.CodeInvalidFrame, "malformed frame")
	}

	switch frame.Action {
	case datatypes.ActionHello:
		return s.handleHello(ctx, frame)
	case datatypes.ActionChat:
		return s.handleChat(ctx, frame)
	case datatypes.ActionPing:
		return s.send(datatypes.NewPongFrame())
	case datatypes.ActionResume:
		return s.handleResume(ctx, frame)
	case datatypes.ActionEndSession:
		return s.handleEndSession(ctx)
	case "":
		return s.sendError(datatypes.CodeInvalidFrame, "frame has no action")
	default:
		return s.sendError(datatypes.CodeUnknownAction, "unknown action: "+frame.Action)
	}
}

// handleHello completes the handshake: version gate, session
// create-or-resume, connect event. Everything else requires it first.
func (s *wsClient) handleHello(ctx context.Context, frame datatypes.ClientFrame) error {
	if s.greeted {
		return s.sendError(datatypes.CodeInvalidFrame, "hello already completed")
	}

	if s.h.minVersion != "" {
		cv := normalizeSemver(frame.ClientVersion)
		if !semver.IsValid(cv) || semver.Compare(cv, s.h.minVersion) < 0 {
			s.h.log.Info("rejecting outdated client",
				"conn_id", s.conn.ID(),
				"client_version", frame.ClientVersion,
				"min_version", s.h.minVersion,
			)
			s.conn.Close(websocket.CloseProtocolError, "client version too old")
			return nil
		}
	}
	s.conn.SetClientVersion(frame.ClientVersion)

	if err := s.attachSession(ctx, frame.SessionID); err != nil {
		return err
	}
	s.greeted = true
	s.conn.Activate()

	ev := dispatch.Event{
		Type:      EventConnect,
		ConnID:    s.conn.ID(),
		SessionID: s.conn.SessionID(),
		UserID:    s.conn.UserID(),
		Payload:   mustEventPayload(map[string]any{"client_version": frame.ClientVersion}),
	}
	if _, err := s.h.dispatcher.Dispatch(ctx, ev); err != nil {
		var crit *dispatch.CriticalCallbackError
		if errors.As(err, &crit) {
			// A Critical connect callback refusing the connection is
			// the one case where dispatch failure closes the socket.
			_ = s.sendError(datatypes.CodeInternal, "connection rejected")
			return err
		}
	}
	return nil
}

// attachSession resumes the requested session or creates a fresh one.
// Unknown and expired IDs silently fall through to a fresh session, as
// do empty IDs.
func (s *wsClient) attachSession(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		sess, ok, err := s.h.sessions.Resume(ctx, sessionID)
		if err != nil {
			_ = s.sendError(datatypes.CodeSessionError, "session store unavailable")
			return err
		}
		if ok {
			s.conn.BindSession(sess.ID)
			s.h.log.Info("session resumed",
				"conn_id", s.conn.ID(),
				"session_id", sess.ID,
				"turns", sess.TurnCount,
			)
			return s.send(datatypes.NewSessionResumedFrame(sess.ID, sess.TurnCount))
		}
	}

	sess, err := s.h.sessions.Create(ctx, s.conn.UserID())
	if err != nil {
		_ = s.sendError(datatypes.CodeSessionError, "session store unavailable")
		return err
	}
	s.conn.BindSession(sess.ID)
	s.h.log.Info("session created", "conn_id", s.conn.ID(), "session_id", sess.ID)
	return s.send(datatypes.NewSessionCreatedFrame(sess.ID))
}

// handleResume re-attaches mid-connection. The same fall-through as
// hello applies: a dead session ID yields a fresh session_created.
func (s *wsClient) handleResume(ctx context.Context, frame datatypes.ClientFrame) error {
	if !s.greeted {
		return s.sendError(datatypes.CodeInvalidFrame, "hello required")
	}
	return s.attachSession(ctx, frame.SessionID)
}

// handleChat runs one chat turn end to end: filter, journal the user
// turn, stream the reply through the accumulator, journal the
// assistant turn, close with turn_complete.
func (s *wsClient) handleChat(ctx context.Context, frame datatypes.ClientFrame) error {
	if !s.greeted {
		return s.sendError(datatypes.CodeInvalidFrame, "hello required")
	}
	if s.h.registry.IsDraining() || s.conn.State() == connection.StateDraining {
		return s.sendError(datatypes.CodeDraining, "server is draining, no new turns accepted")
	}
	sessID := s.conn.SessionID()
	if sessID == "" {
		return s.sendError(datatypes.CodeSessionError, "no active session")
	}

	ctx, span := s.h.tracer.Start(ctx, "ws.chat", trace.WithAttributes(
		attribute.String("conn.id", s.conn.ID()),
		attribute.String("session.id", sessID),
	))
	defer span.End()

	var payload datatypes.ChatPayload
	if len(frame.Payload) == 0 || json.Unmarshal(frame.Payload, &payload) != nil {
		return s.sendError(datatypes.CodeInvalidFrame, "malformed chat payload")
	}
	if err := payload.Validate(); err != nil {
		telemetry.RecordError(span, err)
		return s.sendError(datatypes.CodeInvalidFrame, "chat payload failed validation")
	}

	// Extension filter: enterprise builds redact or block here, the
	// nop filter passes through.
	filtered, err := s.h.opts.MessageFilter.FilterInput(ctx, payload.Message)
	if err != nil {
		s.h.log.Error("message filter failed", "conn_id", s.conn.ID(), "error", err)
		return s.sendError(datatypes.CodeInternal, "message processing failed")
	}
	if filtered.WasBlocked {
		s.auditTurn(ctx, sessID, "blocked", map[string]any{"reason": filtered.BlockReason})
		return s.sendError(datatypes.CodeMessageBlocked, "message blocked by content filter")
	}
	payload.Message = filtered.Filtered

	start := time.Now()
	if _, err := s.h.sessions.AppendTurn(ctx, sessID, session.Turn{
		Role:    datatypes.RoleUser,
		Content: payload.Message,
		At:      start,
	}); err != nil {
		telemetry.RecordError(span, err)
		s.h.log.Error("failed to journal user turn", "session_id", sessID, "error", err)
		return s.sendError(datatypes.CodeSessionError, "failed to record turn")
	}

	turns, err := s.h.sessions.Turns(ctx, sessID)
	if err != nil {
		telemetry.RecordError(span, err)
		return s.sendError(datatypes.CodeSessionError, "failed to load transcript")
	}
	msgs := make([]datatypes.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, datatypes.Message{Role: t.Role, Content: t.Content})
	}

	answer, hash, streamed := s.streamReply(ctx, msgs, chatParams(payload))
	if !streamed {
		return nil
	}

	elapsed := time.Since(start).Milliseconds()
	newCount, err := s.h.sessions.AppendTurn(ctx, sessID, session.Turn{
		Role:    datatypes.RoleAssistant,
		Content: answer,
		At:      time.Now(),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		s.h.log.Error("failed to journal assistant turn", "session_id", sessID, "error", err)
		return s.sendError(datatypes.CodeSessionError, "failed to record turn")
	}

	if err := s.send(datatypes.NewTurnCompleteFrame(sessID, newCount, hash, elapsed)); err != nil {
		return nil
	}
	span.SetAttributes(attribute.Int("chat.turn", newCount))

	ev := dispatch.Event{
		Type:      EventChat,
		ConnID:    s.conn.ID(),
		SessionID: sessID,
		UserID:    s.conn.UserID(),
		Payload: mustEventPayload(map[string]any{
			"turn":          newCount,
			"content_hash":  hash,
			"processing_ms": elapsed,
		}),
	}
	if _, err := s.h.dispatcher.Dispatch(ctx, ev); err != nil {
		var crit *dispatch.CriticalCallbackError
		if errors.As(err, &crit) {
			_ = s.sendError(datatypes.CodeInternal, "a required post-chat hook failed")
			return err
		}
	}

	s.auditTurn(ctx, sessID, "success", map[string]any{
		"turn":          newCount,
		"processing_ms": elapsed,
	})
	return nil
}

// streamReply drives the upstream stream into the secure accumulator
// and the send queue. Returns ok=false when no turn_complete should
// follow; the error frame, if any, has already been sent.
func (s *wsClient) streamReply(ctx context.Context, msgs []datatypes.Message, params upstream.Params) (answer, hash string, ok bool) {
	acc, err := upstream.NewTokenAccumulator()
	if err != nil {
		s.h.log.Error("failed to create token accumulator", "error", err)
		_ = s.sendError(datatypes.CodeInternal, "reply assembly failed")
		return "", "", false
	}
	defer acc.Destroy()

	sendFailed := false
	streamErr := s.h.agent.Stream(ctx, msgs, params, func(token string) error {
		if err := acc.Write(token); err != nil {
			return err
		}
		if err := s.conn.Send(datatypes.NewTokenFrame(token)); err != nil {
			sendFailed = true
			return err
		}
		return nil
	})

	if streamErr != nil {
		switch {
		case errors.Is(streamErr, dispatch.ErrCircuitOpen):
			_ = s.sendError(datatypes.CodeUpstreamUnavailable, "agent backend unavailable, try again shortly")
		case errors.Is(streamErr, context.Canceled):
			// Peer is gone; nothing left to tell it.
		case errors.Is(streamErr, upstream.ErrStreamAborted):
			if !sendFailed {
				// The abort came from the accumulator, not the socket.
				_ = s.sendError(datatypes.CodeInternal, "reply assembly failed")
			}
		default:
			s.h.log.Error("upstream stream failed",
				"conn_id", s.conn.ID(),
				"backend", s.h.agent.Name(),
				"error", streamErr,
			)
			s.auditTurn(ctx, s.conn.SessionID(), "failure", map[string]any{"error": streamErr.Error()})
			_ = s.sendError(datatypes.CodeUpstreamError, "agent backend failed")
		}
		return "", "", false
	}

	answer, hash, err = acc.Finalize()
	if err != nil {
		s.h.log.Error("failed to finalize reply", "error", err)
		_ = s.sendError(datatypes.CodeInternal, "reply assembly failed")
		return "", "", false
	}
	return answer, hash, true
}

// handleEndSession archives (or flags) the transcript, deletes the
// session, and rolls the connection onto a fresh one so the client can
// keep chatting without a new handshake.
func (s *wsClient) handleEndSession(ctx context.Context) error {
	if !s.greeted {
		return s.sendError(datatypes.CodeInvalidFrame, "hello required")
	}
	sessID := s.conn.SessionID()
	if sessID == "" {
		return s.sendError(datatypes.CodeSessionError, "no active session")
	}

	sess, err := s.h.sessions.Get(ctx, sessID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// Already cleaned up underneath us; just roll forward.
			return s.attachSession(ctx, "")
		}
		_ = s.sendError(datatypes.CodeSessionError, "session store unavailable")
		return err
	}

	ev := dispatch.Event{
		Type:      EventEndSession,
		ConnID:    s.conn.ID(),
		SessionID: sessID,
		UserID:    s.conn.UserID(),
		Payload:   mustEventPayload(map[string]any{"turns": sess.TurnCount}),
	}
	if _, err := s.h.dispatcher.Dispatch(ctx, ev); err != nil {
		var crit *dispatch.CriticalCallbackError
		if errors.As(err, &crit) {
			_ = s.sendError(datatypes.CodeInternal, "a required end-session hook failed")
			return err
		}
	}

	s.finishSession(ctx, sess)
	s.conn.BindSession("")
	return s.attachSession(ctx, "")
}

// finishSession exports the transcript if archival applies, then
// deletes the session. An export failure flags the session and leaves
// it for the TTL cleaner to retry; the transcript is never dropped on
// a transient failure.
func (s *wsClient) finishSession(ctx context.Context, sess session.Session) {
	if s.h.archiver != nil && (sess.Archived || s.h.cfg.ArchiveByDefault) {
		turns, err := s.h.sessions.Turns(ctx, sess.ID)
		if err == nil {
			err = s.h.archiver.Archive(ctx, sess, turns)
		}
		if err != nil {
			s.h.log.Warn("transcript export failed, leaving session for cleanup",
				"session_id", sess.ID,
				"error", err,
			)
			if !sess.Archived {
				_ = s.h.sessions.SetArchived(ctx, sess.ID, true)
			}
			return
		}
	}

	if err := s.h.sessions.Delete(ctx, sess.ID); err != nil {
		s.h.log.Warn("failed to delete ended session", "session_id", sess.ID, "error", err)
		return
	}
	s.h.log.Info("session ended",
		"conn_id", s.conn.ID(),
		"session_id", sess.ID,
		"turns", sess.TurnCount,
	)
}

// send enqueues a frame, swallowing closed-connection errors; the
// teardown machinery reports those already.
func (s *wsClient) send(frame datatypes.ServerFrame) error {
	err := s.conn.Send(frame)
	if err == nil || errors.Is(err, connection.ErrConnectionClosed) {
		return nil
	}
	return err
}

// sendError reports a per-frame failure without closing the socket.
// Always returns nil so handlers can `return s.sendError(...)`.
func (s *wsClient) sendError(code, message string) error {
	_ = s.conn.Send(datatypes.NewErrorFrame(code, message))
	return nil
}

// auditTurn records a chat outcome through the extension audit hook.
func (s *wsClient) auditTurn(ctx context.Context, sessionID, outcome string, meta map[string]any) {
	eventType := "chat.message"
	if outcome == "blocked" {
		eventType = "chat.blocked"
	}
	userID := s.conn.UserID()
	_ = s.h.opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "send",
		ResourceType: "session",
		ResourceID:   sessionID,
		Outcome:      outcome,
		Metadata:     meta,
	})
}

// chatParams maps the validated payload onto upstream sampling params.
func chatParams(p datatypes.ChatPayload) upstream.Params {
	return upstream.Params{
		Temperature: p.Temperature,
		TopP:        p.TopP,
		TopK:        p.TopK,
		MaxTokens:   p.MaxTokens,
		Stop:        p.Stop,
	}
}

// normalizeSemver adds the "v" prefix golang.org/x/mod/semver expects.
func normalizeSemver(v string) string {
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		return "v" + v
	}
	return v
}

// mustEventPayload marshals a payload map for a dispatch event. The
// inputs are handler-built maps of primitives; a marshal failure is a
// programming error and yields an empty payload rather than a panic.
func mustEventPayload(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
