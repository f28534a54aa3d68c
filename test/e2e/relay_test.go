// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

func TestRelay_HelloChatRoundTrip(t *testing.T) {
	r := startRelay(t)
	ws := r.dial(t)

	created := hello(t, ws, "")
	require.Equal(t, datatypes.ActionSessionCreated, created.Action)
	require.NotEmpty(t, created.SessionID)

	msg := "integration says hi"
	tokens, done := chat(t, ws, msg)

	// The echo backend streams the message back in rune chunks.
	assert.GreaterOrEqual(t, len(tokens), 2)
	assert.Equal(t, msg, strings.Join(tokens, ""))

	assert.Equal(t, created.SessionID, done.SessionID)
	assert.Equal(t, 2, done.Turn, "user turn + assistant turn")
	assert.Len(t, done.ContentHash, 64, "sha-256 hex of the reply")

	_, done = chat(t, ws, "second turn")
	assert.Equal(t, 4, done.Turn)
}

func TestRelay_SessionResumeAcrossReconnect(t *testing.T) {
	r := startRelay(t)

	ws := r.dial(t)
	created := hello(t, ws, "")
	sid := created.SessionID
	_, _ = chat(t, ws, "remember me")
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return r.registry.Len() == 0 },
		2*time.Second, 10*time.Millisecond)

	ws2 := r.dial(t)
	resumed := hello(t, ws2, sid)
	require.Equal(t, datatypes.ActionSessionResumed, resumed.Action)
	assert.Equal(t, sid, resumed.SessionID)
	assert.Equal(t, 2, resumed.TurnCount)

	// The journal carried over; the next turn lands on top of it.
	_, done := chat(t, ws2, "still there?")
	assert.Equal(t, 4, done.Turn)
}

// An unknown session ID falls through to a fresh session rather than
// an error, so clients can always reconnect with their last-known ID.
func TestRelay_ResumeUnknownSessionFallsThrough(t *testing.T) {
	r := startRelay(t)
	ws := r.dial(t)

	frame := hello(t, ws, "no-such-session")
	assert.Equal(t, datatypes.ActionSessionCreated, frame.Action)
	assert.NotEqual(t, "no-such-session", frame.SessionID)
}

func TestRelay_EndSessionRollsToFreshSession(t *testing.T) {
	r := startRelay(t)
	ws := r.dial(t)

	created := hello(t, ws, "")
	_, _ = chat(t, ws, "ephemeral")

	sendFrame(t, ws, datatypes.ClientFrame{Action: datatypes.ActionEndSession})
	fresh := readFrame(t, ws)
	require.Equal(t, datatypes.ActionSessionCreated, fresh.Action)
	assert.NotEqual(t, created.SessionID, fresh.SessionID)

	// The old session is gone from the store.
	code := r.getJSON(t, "/v1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// Chatting continues on the fresh journal without a new handshake.
	_, done := chat(t, ws, "round two")
	assert.Equal(t, fresh.SessionID, done.SessionID)
	assert.Equal(t, 2, done.Turn)
}

func TestRelay_ProtocolErrorsKeepSocketOpen(t *testing.T) {
	r := startRelay(t)
	ws := r.dial(t)

	// Application ping works before the handshake.
	sendFrame(t, ws, datatypes.ClientFrame{Action: datatypes.ActionPing})
	pong := readFrame(t, ws)
	require.Equal(t, datatypes.ActionPong, pong.Action)
	assert.Positive(t, pong.Timestamp)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := readFrame(t, ws)
	assert.Equal(t, datatypes.ActionError, frame.Action)
	assert.Equal(t, datatypes.CodeInvalidFrame, frame.Code)

	sendFrame(t, ws, datatypes.ClientFrame{Action: datatypes.ActionChat})
	frame = readFrame(t, ws)
	assert.Equal(t, datatypes.CodeInvalidFrame, frame.Code)
	assert.Contains(t, frame.Message, "hello required")

	sendFrame(t, ws, datatypes.ClientFrame{Action: "teleport"})
	frame = readFrame(t, ws)
	assert.Equal(t, datatypes.CodeUnknownAction, frame.Code)

	// After all that abuse the handshake still succeeds.
	created := hello(t, ws, "")
	require.Equal(t, datatypes.ActionSessionCreated, created.Action)

	sendFrame(t, ws, datatypes.ClientFrame{Action: datatypes.ActionHello, ClientVersion: "1.0.0"})
	frame = readFrame(t, ws)
	assert.Equal(t, datatypes.CodeInvalidFrame, frame.Code)
	assert.Contains(t, frame.Message, "hello already completed")

	_, done := chat(t, ws, "still alive")
	assert.Equal(t, 2, done.Turn)
}

func TestRelay_AdminKickClosesSocket(t *testing.T) {
	r := startRelay(t)
	ws := r.dial(t)
	hello(t, ws, "")

	var list struct {
		Count       int `json:"count"`
		Connections []struct {
			ID     string `json:"id"`
			UserID string `json:"user_id"`
			State  string `json:"state"`
		} `json:"connections"`
	}
	require.Eventually(t, func() bool {
		list.Connections = nil
		r.getJSON(t, "/v1/connections", &list)
		return list.Count == 1 && list.Connections[0].State == "active"
	}, 2*time.Second, 20*time.Millisecond)

	id := list.Connections[0].ID
	assert.Equal(t, http.StatusOK, r.delete(t, "/v1/connections/"+id))

	expectClose(t, ws, websocket.CloseNormalClosure)
	require.Eventually(t, func() bool { return r.registry.Len() == 0 },
		2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusNotFound, r.delete(t, "/v1/connections/"+id))
}

func TestRelay_DrainLifecycle(t *testing.T) {
	r := startRelay(t)
	ws := r.dial(t)
	hello(t, ws, "")

	require.Equal(t, http.StatusOK, r.getJSON(t, "/health", nil))

	var drain struct {
		Status   string `json:"status"`
		Notified int    `json:"notified"`
	}
	code := r.postJSON(t, "/v1/drain", `{"grace_ms": 40}`, &drain)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "draining", drain.Status)
	assert.Equal(t, 1, drain.Notified)

	// The client sees the notice, then the close sweep.
	notice := readFrame(t, ws)
	require.Equal(t, datatypes.ActionDraining, notice.Action)
	expectClose(t, ws, websocket.CloseGoingAway)

	var health struct {
		Draining bool `json:"draining"`
	}
	assert.Equal(t, http.StatusServiceUnavailable, r.getJSON(t, "/health", &health))
	assert.True(t, health.Draining)

	// New upgrades are refused at the HTTP layer.
	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelay_PerUserConnectionCap(t *testing.T) {
	r := startRelay(t)

	// NopAuthProvider maps every socket to the same user, so the
	// per-user cap of 8 bites on the ninth dial.
	for i := 0; i < 8; i++ {
		r.dial(t)
	}
	require.Eventually(t, func() bool { return r.registry.Len() == 8 },
		2*time.Second, 10*time.Millisecond)

	ws := r.dial(t)
	expectClose(t, ws, websocket.ClosePolicyViolation)
	assert.Equal(t, 8, r.registry.Len())
}
