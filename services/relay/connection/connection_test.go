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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wsPair upgrades a real websocket through httptest and returns both
// ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never upgraded")
	}
	return server, client
}

// TestState_String verifies lifecycle state names.
func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "closed", StateClosed.String())
}

// TestConn_StateTransitionsAreOneWay verifies the lifecycle only moves
// forward.
func TestConn_StateTransitionsAreOneWay(t *testing.T) {
	c := New(context.Background(), nil, DefaultConfig(), Options{Logger: discardLogger()})

	assert.Equal(t, StateConnecting, c.State())
	assert.True(t, c.Activate())
	assert.Equal(t, StateActive, c.State())
	assert.False(t, c.Activate(), "repeated activation is refused")

	assert.True(t, c.BeginDraining())
	assert.False(t, c.Activate(), "backwards transition is refused")
	assert.Equal(t, StateDraining, c.State())
}

// TestConn_SendAndReceive verifies the writer pump delivers frames and
// counts them.
func TestConn_SendAndReceive(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	c := New(context.Background(), serverWS, DefaultConfig(), Options{Logger: discardLogger()})
	c.Start()

	require.NoError(t, c.Send(map[string]string{"action": "pong"}))

	_, data, err := clientWS.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"pong"}`, string(data))

	info := c.Info()
	assert.Equal(t, int64(1), info.MessagesOut)
	assert.Greater(t, info.BytesOut, int64(0))

	c.Close(websocket.CloseNormalClosure, "test done")
	<-c.Done()
}

// TestConn_SendAfterClose verifies the closed sentinel.
func TestConn_SendAfterClose(t *testing.T) {
	serverWS, _ := wsPair(t)
	c := New(context.Background(), serverWS, DefaultConfig(), Options{Logger: discardLogger()})
	c.Start()

	c.Close(websocket.CloseNormalClosure, "test done")
	<-c.Done()

	err := c.Send(map[string]string{"action": "pong"})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// TestConn_CloseIdempotent verifies racing close paths converge on one
// teardown.
func TestConn_CloseIdempotent(t *testing.T) {
	serverWS, _ := wsPair(t)

	var closes atomic.Int64
	var gotReason atomic.Value
	c := New(context.Background(), serverWS, DefaultConfig(), Options{
		Logger: discardLogger(),
		OnClose: func(c *Conn, code int, reason string) {
			closes.Add(1)
			gotReason.Store(reason)
		},
	})
	c.Start()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(websocket.CloseGoingAway, "first wins")
		}()
	}
	wg.Wait()
	<-c.Done()

	assert.Equal(t, int64(1), closes.Load(), "OnClose must run exactly once")
	assert.Equal(t, "first wins", gotReason.Load())
	assert.Equal(t, StateClosed, c.State())
}

// TestConn_ReadLoopDispatchesFrames verifies inbound frames reach the
// handler and update counters.
func TestConn_ReadLoopDispatchesFrames(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	c := New(context.Background(), serverWS, DefaultConfig(), Options{Logger: discardLogger()})
	c.Start()

	frames := make(chan string, 4)
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.ReadLoop(func(ctx context.Context, data []byte) error {
			frames <- string(data)
			return nil
		})
	}()

	require.NoError(t, clientWS.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))

	select {
	case got := <-frames:
		assert.JSONEq(t, `{"action":"ping"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the frame")
	}

	require.NoError(t, clientWS.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case err := <-loopDone:
		assert.NoError(t, err, "clean client close should not be an error")
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never returned")
	}
	<-c.Done()

	info := c.Info()
	assert.Equal(t, int64(1), info.MessagesIn)
	assert.Equal(t, "closed", info.State)
}

// TestConn_HandlerErrorClosesConnection verifies a fatal handler error
// tears the connection down.
func TestConn_HandlerErrorClosesConnection(t *testing.T) {
	serverWS, clientWS := wsPair(t)
	c := New(context.Background(), serverWS, DefaultConfig(), Options{Logger: discardLogger()})
	c.Start()

	errFatal := assert.AnError
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.ReadLoop(func(ctx context.Context, data []byte) error {
			return errFatal
		})
	}()

	require.NoError(t, clientWS.WriteMessage(websocket.TextMessage, []byte(`{"action":"chat"}`)))

	select {
	case err := <-loopDone:
		assert.ErrorIs(t, err, errFatal)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never returned")
	}
	<-c.Done()
	assert.Equal(t, StateClosed, c.State())
}

// TestConn_SlowClientCloses verifies queue drops accumulate into a
// policy-violation close.
func TestConn_SlowClientCloses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendQueueSize = 1
	cfg.SlowClientDropLimit = 2

	// No pump: the queue never drains, like a stalled client.
	c := New(context.Background(), nil, cfg, Options{Logger: discardLogger()})

	require.NoError(t, c.Send("one"))

	err := c.Send("two")
	assert.ErrorIs(t, err, ErrSendQueueFull)
	assert.Equal(t, StateConnecting, c.State(), "one drop is tolerated")

	err = c.Send("three")
	assert.ErrorIs(t, err, ErrSendQueueFull)
	assert.Equal(t, StateClosed, c.State(), "drop limit closes the connection")
	assert.Equal(t, int64(2), c.Info().QueueDrops)

	assert.ErrorIs(t, c.Send("four"), ErrConnectionClosed)
}

// TestConn_RateLimitClosesAbusiveClient verifies sustained over-limit
// traffic disconnects the client after the hook fires.
func TestConn_RateLimitClosesAbusiveClient(t *testing.T) {
	serverWS, clientWS := wsPair(t)

	cfg := DefaultConfig()
	cfg.RatePerSecond = 1
	cfg.RateBurst = 1

	var limited atomic.Int64
	c := New(context.Background(), serverWS, cfg, Options{
		Logger:        discardLogger(),
		OnRateLimited: func(c *Conn) { limited.Add(1) },
	})
	c.Start()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.ReadLoop(func(ctx context.Context, data []byte) error { return nil })
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, clientWS.WriteMessage(websocket.TextMessage, []byte(`{"action":"chat"}`)))
	}

	select {
	case err := <-loopDone:
		assert.ErrorIs(t, err, ErrRateLimited)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never returned")
	}
	<-c.Done()

	assert.Equal(t, int64(2), limited.Load(), "both denied messages fire the hook")
	assert.Equal(t, StateClosed, c.State())
}

// TestConn_PingsFlowFromWriterPump verifies heartbeat pings originate
// from the pump.
func TestConn_PingsFlowFromWriterPump(t *testing.T) {
	serverWS, clientWS := wsPair(t)

	cfg := DefaultConfig()
	cfg.PingInterval = 20 * time.Millisecond

	c := New(context.Background(), serverWS, cfg, Options{Logger: discardLogger()})
	c.Start()

	pings := make(chan struct{}, 8)
	clientWS.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := clientWS.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping arrived")
	}

	c.Close(websocket.CloseNormalClosure, "test done")
	<-c.Done()
	<-readerDone
}

// TestConn_PongResetsMissedHeartbeats verifies the pong handler clears
// sweeper-marked misses.
func TestConn_PongResetsMissedHeartbeats(t *testing.T) {
	serverWS, clientWS := wsPair(t)

	cfg := DefaultConfig()
	cfg.PingInterval = 20 * time.Millisecond

	c := New(context.Background(), serverWS, cfg, Options{Logger: discardLogger()})
	c.Start()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.ReadLoop(func(ctx context.Context, data []byte) error { return nil })
	}()

	// The default gorilla ping handler answers with a pong, but only
	// while the client is reading.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := clientWS.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c.MarkMissed()
	require.Equal(t, 1, c.MissedHeartbeats())

	deadline := time.Now().Add(2 * time.Second)
	for c.MissedHeartbeats() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pong never cleared the missed counter")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.Close(websocket.CloseNormalClosure, "test done")
	<-c.Done()
	<-loopDone
	<-readerDone
}

// TestConn_ReadTimeoutDetectsDeadPeer verifies the read deadline fails
// a silent peer independently of the sweeper.
func TestConn_ReadTimeoutDetectsDeadPeer(t *testing.T) {
	serverWS, _ := wsPair(t)

	cfg := DefaultConfig()
	cfg.PongTimeout = 50 * time.Millisecond
	cfg.PingInterval = time.Hour

	c := New(context.Background(), serverWS, cfg, Options{Logger: discardLogger()})
	c.Start()

	// Client never reads, so it never answers pings or sends frames.
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- c.ReadLoop(func(ctx context.Context, data []byte) error { return nil })
	}()

	select {
	case err := <-loopDone:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never timed out")
	}
	<-c.Done()
	assert.Equal(t, StateClosed, c.State())
}

// TestConn_ContextCancelTearsDown verifies server shutdown reaches the
// pump through the parent context.
func TestConn_ContextCancelTearsDown(t *testing.T) {
	serverWS, _ := wsPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, serverWS, DefaultConfig(), Options{Logger: discardLogger()})
	c.Start()

	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pump never exited on context cancel")
	}
	assert.Equal(t, StateClosed, c.State())
}

// TestConn_BindSession verifies session binding shows up in snapshots.
func TestConn_BindSession(t *testing.T) {
	c := New(context.Background(), nil, DefaultConfig(), Options{
		Logger: discardLogger(),
		UserID: "u1",
	})

	assert.Empty(t, c.SessionID())
	c.BindSession("sess-9")
	assert.Equal(t, "sess-9", c.SessionID())

	info := c.Info()
	assert.Equal(t, "sess-9", info.SessionID)
	assert.Equal(t, "u1", info.UserID)
	assert.NotEmpty(t, info.ID, "an ID is generated when none is given")
}
