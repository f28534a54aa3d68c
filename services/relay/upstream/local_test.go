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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

func newTestLocalClient(t *testing.T, handler http.HandlerFunc) *LocalClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := newLocalClient(config.UpstreamConfig{Backend: "local", BaseURL: srv.URL}, testLogger())
	require.NoError(t, err)
	return client
}

// TestLocalClient_Chat verifies the completion round trip and the
// default sampling parameters sent when the caller passes none.
func TestLocalClient_Chat(t *testing.T) {
	var captured localCompletionPayload
	client := newTestLocalClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/completion", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"content":"a glacially carved inlet","stop":true}`))
	})

	answer, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "be brief"},
		{Role: datatypes.RoleUser, Content: "what is a fjord"},
	}, Params{})

	require.NoError(t, err)
	assert.Equal(t, "a glacially carved inlet", answer)

	assert.Contains(t, captured.Prompt, "system: be brief\n")
	assert.Contains(t, captured.Prompt, "user: what is a fjord\n")
	assert.True(t, strings.HasSuffix(captured.Prompt, "assistant: "))
	assert.Equal(t, 512, captured.NPredict)
	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.2, float64(*captured.Temperature), 0.0001)
	assert.Equal(t, []string{"\nuser:"}, captured.Stop)
	assert.False(t, captured.Stream)
}

// TestLocalClient_Chat_ParamsPassThrough verifies explicit parameters
// override the defaults.
func TestLocalClient_Chat_ParamsPassThrough(t *testing.T) {
	var captured localCompletionPayload
	client := newTestLocalClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"content":"ok"}`))
	})

	temp := float32(0.9)
	maxTokens := 64
	_, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
	}, Params{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
		Stop:        []string{"STOP"},
	})

	require.NoError(t, err)
	assert.Equal(t, 64, captured.NPredict)
	assert.InDelta(t, 0.9, float64(*captured.Temperature), 0.0001)
	assert.Equal(t, []string{"STOP"}, captured.Stop)
}

// TestLocalClient_Chat_ServerError verifies non-200 responses surface
// with the status and body.
func TestLocalClient_Chat_ServerError(t *testing.T) {
	client := newTestLocalClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	})

	_, err := client.Chat(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
	}, Params{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model loading")
}

// TestLocalClient_Stream verifies SSE-framed chunks arrive as tokens
// and the stop chunk ends the stream.
func TestLocalClient_Stream(t *testing.T) {
	client := newTestLocalClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload localCompletionPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)

		_, _ = w.Write([]byte("data: {\"content\":\"Hel\",\"stop\":false}\n\n"))
		_, _ = w.Write([]byte("data: {\"content\":\"lo\",\"stop\":false}\n\n"))
		_, _ = w.Write([]byte("data: {\"content\":\"\",\"stop\":true}\n\n"))
	})

	var tokens []string
	err := client.Stream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
	}, Params{}, func(token string) error {
		tokens = append(tokens, token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, tokens)
}

// TestLocalClient_Stream_BareJSONLines verifies the prefix-less NDJSON
// variant some servers emit is accepted too.
func TestLocalClient_Stream_BareJSONLines(t *testing.T) {
	client := newTestLocalClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{\"content\":\"to\",\"stop\":false}\n"))
		_, _ = w.Write([]byte("{\"content\":\"ken\",\"stop\":true}\n"))
	})

	var got strings.Builder
	err := client.Stream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
	}, Params{}, func(token string) error {
		got.WriteString(token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "token", got.String())
}

// TestLocalClient_Stream_AbortStopsReading verifies a TokenFunc error
// ends the stream early.
func TestLocalClient_Stream_AbortStopsReading(t *testing.T) {
	client := newTestLocalClient(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			_, _ = w.Write([]byte("data: {\"content\":\"x\",\"stop\":false}\n"))
		}
		_, _ = w.Write([]byte("data: {\"content\":\"\",\"stop\":true}\n"))
	})

	var calls int
	err := client.Stream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
	}, Params{}, func(string) error {
		calls++
		return assert.AnError
	})

	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

// TestLocalClient_Stream_MalformedLine verifies a garbage line fails
// the stream rather than silently dropping tokens.
func TestLocalClient_Stream_MalformedLine(t *testing.T) {
	client := newTestLocalClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: not json at all\n"))
	})

	err := client.Stream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleUser, Content: "hi"},
	}, Params{}, func(string) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse llm stream line")
}
