// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connection wraps websocket connections with the bookkeeping
// the relay needs: a single writer pump per socket, bounded send
// queues with slow-client detection, inbound rate limiting, heartbeat
// state, and a capped registry that the sweeper and memory watchdog
// walk.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

var (
	// ErrConnectionClosed is returned by Send after the connection has
	// entered teardown.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned when an outbound frame is dropped
	// because the client is not draining its queue.
	ErrSendQueueFull = errors.New("send queue full")

	// ErrRateLimited is returned by ReadLoop when a client exceeded the
	// inbound rate limit long enough to be disconnected.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// State is a connection's lifecycle phase. Transitions are one-way:
// connecting -> active -> draining -> closed.
type State int32

const (
	// StateConnecting covers the window between upgrade and a valid
	// hello frame.
	StateConnecting State = iota

	// StateActive is the normal operating state.
	StateActive

	// StateDraining means the server is shutting down and the client
	// has been told to reconnect elsewhere.
	StateDraining

	// StateClosed is terminal.
	StateClosed
)

// String returns the wire-facing state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ConnectionInfo is a point-in-time snapshot of one connection for the
// admin API and the memory watchdog.
type ConnectionInfo struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	RemoteAddr       string    `json:"remote_addr"`
	ClientVersion    string    `json:"client_version"`
	State            string    `json:"state"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastSeen         time.Time `json:"last_seen"`
	MessagesIn       int64     `json:"messages_in"`
	MessagesOut      int64     `json:"messages_out"`
	BytesIn          int64     `json:"bytes_in"`
	BytesOut         int64     `json:"bytes_out"`
	QueueDrops       int64     `json:"queue_drops"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
}

// Config holds per-connection tunables. Zero values fall back to the
// defaults below.
type Config struct {
	// SendQueueSize bounds the outbound frame queue. Default: 64.
	SendQueueSize int

	// SlowClientDropLimit is the consecutive-drop count that closes a
	// client which never drains its queue. Default: 16.
	SlowClientDropLimit int

	// WriteTimeout bounds each websocket write. Default: 10s.
	WriteTimeout time.Duration

	// ReadLimitBytes caps a single inbound frame. Default: 1 MiB.
	ReadLimitBytes int64

	// PingInterval is how often the writer pump sends ping frames.
	// Default: 25s.
	PingInterval time.Duration

	// PongTimeout is the read deadline pushed on every pong and inbound
	// frame, so a dead TCP peer fails the read pump. Default: 60s.
	PongTimeout time.Duration

	// RatePerSecond limits inbound messages per connection. Zero or
	// negative disables limiting.
	RatePerSecond float64

	// RateBurst is the rate limiter burst. Also the consecutive-denial
	// count tolerated before the connection is closed for abuse.
	RateBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SendQueueSize:       64,
		SlowClientDropLimit: 16,
		WriteTimeout:        10 * time.Second,
		ReadLimitBytes:      1 << 20,
		PingInterval:        25 * time.Second,
		PongTimeout:         60 * time.Second,
		RatePerSecond:       20,
		RateBurst:           40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SlowClientDropLimit <= 0 {
		c.SlowClientDropLimit = d.SlowClientDropLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadLimitBytes <= 0 {
		c.ReadLimitBytes = d.ReadLimitBytes
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	return c
}

// Options carries a connection's identity and collaborators.
type Options struct {
	// ID defaults to a fresh uuid.
	ID string

	UserID        string
	SessionID     string
	RemoteAddr    string
	ClientVersion string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records per-connection counters when non-nil.
	Metrics *telemetry.Metrics

	// OnClose runs exactly once after the writer pump has torn the
	// connection down. The handler uses it to unregister and to fire
	// lifecycle callbacks.
	OnClose func(c *Conn, code int, reason string)

	// OnRateLimited runs for each inbound message denied by the rate
	// limiter, before abuse closes the connection. The handler uses it
	// to send an error frame.
	OnRateLimited func(c *Conn)
}

// Conn wraps one websocket connection.
//
// All websocket writes happen on the writer pump goroutine; gorilla
// permits only one concurrent writer. Send enqueues without blocking
// and the pump drains the queue, interleaving pings.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Conn struct {
	cfg  Config
	opts Options
	log  *slog.Logger

	ws      *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	sendCh  chan []byte
	closing chan struct{}
	done    chan struct{}

	state       atomic.Int32
	connectedAt time.Time
	lastSeen    atomic.Int64
	missed      atomic.Int32

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	queueDrops  atomic.Int64
	consecDrops atomic.Int32

	limiter *rate.Limiter

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu            sync.RWMutex
	sessionID     string
	clientVersion string
}

// New wraps an upgraded websocket connection. The writer pump is not
// running until Start is called.
func New(parent context.Context, ws *websocket.Conn, cfg Config, opts Options) *Conn {
	cfg = cfg.withDefaults()
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	burst := 0
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		cfg:           cfg,
		opts:          opts,
		log:           opts.Logger.With("component", "connection", "conn_id", opts.ID),
		ws:            ws,
		ctx:           ctx,
		cancel:        cancel,
		sendCh:        make(chan []byte, cfg.SendQueueSize),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
		connectedAt:   time.Now(),
		limiter:       rate.NewLimiter(limit, burst),
		sessionID:     opts.SessionID,
		clientVersion: opts.ClientVersion,
	}
	c.lastSeen.Store(c.connectedAt.UnixNano())
	c.state.Store(int32(StateConnecting))
	return c
}

// ID returns the connection's identifier.
func (c *Conn) ID() string { return c.opts.ID }

// UserID returns the authenticated user, if any.
func (c *Conn) UserID() string { return c.opts.UserID }

// SessionID returns the bound chat session, if any.
func (c *Conn) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// BindSession attaches a chat session after hello/resume.
func (c *Conn) BindSession(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// ClientVersion returns the semver the client reported at hello.
func (c *Conn) ClientVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientVersion
}

// SetClientVersion records the semver from the hello frame.
func (c *Conn) SetClientVersion(version string) {
	c.mu.Lock()
	c.clientVersion = version
	c.mu.Unlock()
}

// Context is canceled when the connection tears down.
func (c *Conn) Context() context.Context { return c.ctx }

// Done closes after the writer pump has exited and OnClose has run.
func (c *Conn) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle phase.
func (c *Conn) State() State { return State(c.state.Load()) }

// advance moves the state forward; backwards transitions are refused.
func (c *Conn) advance(s State) bool {
	for {
		cur := c.state.Load()
		if int32(s) <= cur {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

// Activate marks the connection active after a valid hello.
func (c *Conn) Activate() bool { return c.advance(StateActive) }

// BeginDraining marks the connection draining during server shutdown.
func (c *Conn) BeginDraining() bool { return c.advance(StateDraining) }

// Touch records liveness and clears the missed-heartbeat counter.
func (c *Conn) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
	c.missed.Store(0)
}

// LastSeen returns the last time the peer showed signs of life.
func (c *Conn) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// MarkMissed increments the missed-heartbeat counter and returns the
// new count. Called only by the sweeper.
func (c *Conn) MarkMissed() int {
	return int(c.missed.Add(1))
}

// MissedHeartbeats returns the current missed-heartbeat count.
func (c *Conn) MissedHeartbeats() int {
	return int(c.missed.Load())
}

// ConnectedAt returns when the socket was accepted.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Info snapshots the connection for the admin API.
func (c *Conn) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:               c.opts.ID,
		UserID:           c.opts.UserID,
		SessionID:        c.SessionID(),
		RemoteAddr:       c.opts.RemoteAddr,
		ClientVersion:    c.ClientVersion(),
		State:            c.State().String(),
		ConnectedAt:      c.connectedAt,
		LastSeen:         c.LastSeen(),
		MessagesIn:       c.messagesIn.Load(),
		MessagesOut:      c.messagesOut.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		QueueDrops:       c.queueDrops.Load(),
		MissedHeartbeats: c.MissedHeartbeats(),
	}
}

// Start launches the writer pump. Call exactly once, before Send.
func (c *Conn) Start() {
	go c.writePump()
}

// Send marshals v and enqueues it without blocking.
//
// A full queue drops the frame and counts against the slow-client
// limit; hitting the limit closes the connection with a policy
// violation. Send after close returns ErrConnectionClosed.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}
	return c.sendBytes(data)
}

func (c *Conn) sendBytes(data []byte) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- data:
		c.consecDrops.Store(0)
		return nil
	default:
	}

	drops := c.queueDrops.Add(1)
	consec := c.consecDrops.Add(1)
	if c.opts.Metrics != nil {
		c.opts.Metrics.SendQueueDropsTotal.Add(context.Background(), 1)
	}
	c.log.Warn("outbound frame dropped", "queue_drops", drops, "consecutive", consec)

	if int(consec) >= c.cfg.SlowClientDropLimit {
		c.Close(websocket.ClosePolicyViolation, "slow consumer")
	}
	return ErrSendQueueFull
}

// Close tears the connection down. Idempotent; every close path (read
// error, heartbeat timeout, drain, admin kick, slow client) converges
// here. The writer pump sends the close frame, closes the socket,
// cancels the context, and fires OnClose exactly once.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

// writePump is the only goroutine that writes to the websocket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)

	defer func() {
		ticker.Stop()
		c.cancel()
		c.ws.Close()
		if c.opts.Metrics != nil {
			c.opts.Metrics.DisconnectsTotal.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("reason", c.closeReason)))
		}
		if c.opts.OnClose != nil {
			c.opts.OnClose(c, c.closeCode, c.closeReason)
		}
		close(c.done)
	}()

	for {
		select {
		case data := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				c.writeCloseFrame()
				return
			}
			c.messagesOut.Add(1)
			c.bytesOut.Add(int64(len(data)))
			if c.opts.Metrics != nil {
				attrs := metric.WithAttributes(attribute.String("direction", "outbound"))
				c.opts.Metrics.MessagesTotal.Add(context.Background(), 1, attrs)
				c.opts.Metrics.MessageBytesTotal.Add(context.Background(), int64(len(data)), attrs)
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", "error", err)
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				c.writeCloseFrame()
				return
			}
			if c.opts.Metrics != nil {
				c.opts.Metrics.HeartbeatPingsTotal.Add(context.Background(), 1)
			}

		case <-c.ctx.Done():
			c.Close(websocket.CloseGoingAway, "server shutdown")
			c.writeCloseFrame()
			return

		case <-c.closing:
			c.writeCloseFrame()
			return
		}
	}
}

// writeCloseFrame sends the close frame best-effort. Close has always
// run by this point, so closeCode and closeReason are stable.
func (c *Conn) writeCloseFrame() {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
}

// ReadLoop reads inbound frames on the caller's goroutine until the
// connection closes, passing each frame to handler. A handler error is
// treated as fatal: the connection closes with an internal-error code
// and ReadLoop returns the error. Returns nil on clean client close.
func (c *Conn) ReadLoop(handler func(ctx context.Context, data []byte) error) error {
	c.ws.SetReadLimit(c.cfg.ReadLimitBytes)
	c.pushReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.Touch()
		c.pushReadDeadline()
		return nil
	})

	rateStrikes := 0
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return c.handleReadError(err)
		}

		c.Touch()
		c.pushReadDeadline()
		c.messagesIn.Add(1)
		c.bytesIn.Add(int64(len(data)))
		if c.opts.Metrics != nil {
			attrs := metric.WithAttributes(attribute.String("direction", "inbound"))
			c.opts.Metrics.MessagesTotal.Add(context.Background(), 1, attrs)
			c.opts.Metrics.MessageBytesTotal.Add(context.Background(), int64(len(data)), attrs)
		}

		if !c.limiter.Allow() {
			rateStrikes++
			c.log.Debug("inbound message rate limited", "strikes", rateStrikes)
			if c.opts.OnRateLimited != nil {
				c.opts.OnRateLimited(c)
			}
			if rateStrikes > c.cfg.RateBurst {
				c.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
				return ErrRateLimited
			}
			continue
		}
		rateStrikes = 0

		if err := handler(c.ctx, data); err != nil {
			c.Close(websocket.CloseInternalServerErr, "handler error")
			return err
		}
	}
}

func (c *Conn) pushReadDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
}

// handleReadError classifies the read failure and converges on Close.
func (c *Conn) handleReadError(err error) error {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.Close(websocket.CloseNormalClosure, "client closed")
		return nil
	case isTimeout(err):
		c.Close(websocket.CloseAbnormalClosure, "read timeout")
		return err
	default:
		// Includes reads failing because our own pump closed the socket.
		c.Close(websocket.CloseAbnormalClosure, "read error")
		return err
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
