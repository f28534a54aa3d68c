// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// ClientFrame Validation Tests
// =============================================================================

func TestClientFrame_Validate_Success(t *testing.T) {
	for _, action := range []string{
		ActionHello, ActionChat, ActionPing, ActionResume, ActionEndSession,
	} {
		frame := &ClientFrame{Action: action}
		if err := frame.Validate(); err != nil {
			t.Errorf("expected action %q to validate, got error: %v", action, err)
		}
	}
}

func TestClientFrame_Validate_MissingAction(t *testing.T) {
	frame := &ClientFrame{SessionID: "sess-1"}
	if err := frame.Validate(); err == nil {
		t.Error("expected error for missing action, got nil")
	}
}

func TestClientFrame_Validate_UnknownAction(t *testing.T) {
	frame := &ClientFrame{Action: "shout"}
	if err := frame.Validate(); err == nil {
		t.Error("expected error for unknown action, got nil")
	}
}

func TestClientFrame_DecodeChatPayload(t *testing.T) {
	raw := `{"action":"chat","session_id":"sess-1","payload":{"message":"hello","max_tokens":64}}`

	var frame ClientFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if err := frame.Validate(); err != nil {
		t.Fatalf("expected valid frame, got error: %v", err)
	}

	var payload ChatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Message != "hello" {
		t.Errorf("expected message 'hello', got %q", payload.Message)
	}
	if payload.MaxTokens == nil || *payload.MaxTokens != 64 {
		t.Errorf("expected max_tokens 64, got %v", payload.MaxTokens)
	}
}

// =============================================================================
// ChatPayload Validation Tests
// =============================================================================

func TestChatPayload_Validate_Success(t *testing.T) {
	payload := &ChatPayload{Message: "Hello"}
	if err := payload.Validate(); err != nil {
		t.Errorf("expected valid payload, got error: %v", err)
	}
}

func TestChatPayload_Validate_MissingMessage(t *testing.T) {
	payload := &ChatPayload{}
	if err := payload.Validate(); err == nil {
		t.Error("expected error for missing message, got nil")
	}
}

func TestChatPayload_Validate_MessageTooLarge(t *testing.T) {
	payload := &ChatPayload{Message: strings.Repeat("a", MaxMessageContentBytes+1)}
	if err := payload.Validate(); err == nil {
		t.Errorf("expected error for message over %d bytes, got nil", MaxMessageContentBytes)
	}
}

func TestChatPayload_Validate_ExactlyMaxMessage(t *testing.T) {
	payload := &ChatPayload{Message: strings.Repeat("a", MaxMessageContentBytes)}
	if err := payload.Validate(); err != nil {
		t.Errorf("expected message of exactly %d bytes to validate, got error: %v",
			MaxMessageContentBytes, err)
	}
}

func TestChatPayload_Validate_MultibyteCountsBytes(t *testing.T) {
	// 3 bytes per rune; a rune count check would wrongly pass this.
	payload := &ChatPayload{Message: strings.Repeat("日", MaxMessageContentBytes/3+1)}
	if err := payload.Validate(); err == nil {
		t.Error("expected error for multibyte message over the byte limit, got nil")
	}
}

func TestChatPayload_Validate_BadTemperature(t *testing.T) {
	temp := float32(3.5)
	payload := &ChatPayload{Message: "hi", Temperature: &temp}
	if err := payload.Validate(); err == nil {
		t.Error("expected error for temperature above 2, got nil")
	}
}

func TestChatPayload_Validate_TooManyStops(t *testing.T) {
	payload := &ChatPayload{Message: "hi", Stop: []string{"a", "b", "c", "d", "e"}}
	if err := payload.Validate(); err == nil {
		t.Error("expected error for more than 4 stop sequences, got nil")
	}
}

// =============================================================================
// ServerFrame Tests
// =============================================================================

func TestServerFrame_Constructors(t *testing.T) {
	created := NewSessionCreatedFrame("sess-1")
	if created.Action != ActionSessionCreated || created.SessionID != "sess-1" {
		t.Errorf("unexpected session_created frame: %+v", created)
	}

	resumed := NewSessionResumedFrame("sess-1", 7)
	if resumed.Action != ActionSessionResumed || resumed.TurnCount != 7 {
		t.Errorf("unexpected session_resumed frame: %+v", resumed)
	}

	token := NewTokenFrame("Hel")
	if token.Action != ActionToken || token.Content != "Hel" {
		t.Errorf("unexpected token frame: %+v", token)
	}

	complete := NewTurnCompleteFrame("sess-1", 4, "abcd", 120)
	if complete.Action != ActionTurnComplete || complete.Turn != 4 ||
		complete.ContentHash != "abcd" || complete.ProcessingTimeMs != 120 {
		t.Errorf("unexpected turn_complete frame: %+v", complete)
	}

	errFrame := NewErrorFrame(CodeRateLimited, "slow down")
	if errFrame.Action != ActionError || errFrame.Code != CodeRateLimited {
		t.Errorf("unexpected error frame: %+v", errFrame)
	}

	pong := NewPongFrame()
	if pong.Action != ActionPong || pong.Timestamp == 0 {
		t.Errorf("unexpected pong frame: %+v", pong)
	}
}

func TestServerFrame_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(NewTokenFrame("x"))
	if err != nil {
		t.Fatalf("failed to marshal token frame: %v", err)
	}

	got := string(data)
	if got != `{"action":"token","content":"x"}` {
		t.Errorf("token frame should carry only action and content, got %s", got)
	}
}
