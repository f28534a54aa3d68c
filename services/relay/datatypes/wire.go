// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the websocket wire protocol for the relay.
//
// Every frame in both directions is a single JSON object carrying an
// "action" discriminator. Client frames are validated before dispatch;
// server frames are built through the New*Frame constructors so the
// action strings stay in one place.
package datatypes

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
)

// MaxMessageContentBytes is the maximum size of a single chat message.
// Checked in bytes, not runes, so oversized payloads are rejected
// before they are copied around.
const MaxMessageContentBytes = 32 * 1024 // 32KB

// Client-to-server actions.
const (
	ActionHello      = "hello"
	ActionChat       = "chat"
	ActionPing       = "ping"
	ActionResume     = "resume"
	ActionEndSession = "end_session"
)

// Server-to-client actions.
const (
	ActionSessionCreated = "session_created"
	ActionSessionResumed = "session_resumed"
	ActionToken          = "token"
	ActionTurnComplete   = "turn_complete"
	ActionError          = "error"
	ActionDraining       = "draining"
	ActionPong           = "pong"
)

// Error codes carried on error frames.
const (
	CodeInvalidFrame        = "invalid_frame"
	CodeUnknownAction       = "unknown_action"
	CodeRateLimited         = "rate_limited"
	CodeMessageBlocked      = "message_blocked"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUpstreamError       = "upstream_error"
	CodeSessionError        = "session_error"
	CodeDraining            = "draining"
	CodeInternal            = "internal"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of a conversation as the upstream backends see it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireValidate is the validator instance for wire frames.
// Initialized in init() with custom validators.
var wireValidate *validator.Validate

func init() {
	wireValidate = validator.New()
	_ = wireValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on a string field.
// Byte length, not rune count: the limit exists to bound memory.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// ClientFrame is every client-to-server message.
//
// # Description
//
// The client speaks a single envelope shape: an action, the session it
// refers to, its own semver (meaningful on hello), and an
// action-specific payload left raw until the action is known.
//
// # Fields
//
//   - Action: Required. One of hello, chat, ping, resume, end_session.
//   - SessionID: The session this frame addresses. Required for resume;
//     optional elsewhere (the connection remembers its session).
//   - ClientVersion: The client's semver, checked against the server's
//     minimum at the hello handshake. "1.2.3" and "v1.2.3" both work.
//   - Payload: Raw JSON decoded per action (chat carries ChatPayload).
type ClientFrame struct {
	Action        string          `json:"action" validate:"required,oneof=hello chat ping resume end_session"`
	SessionID     string          `json:"session_id,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Validate validates the frame envelope.
//
// # Outputs
//
//   - error: Non-nil if the action is missing or unknown.
func (f *ClientFrame) Validate() error {
	return wireValidate.Struct(f)
}

// ChatPayload is the payload of a chat frame.
//
// # Fields
//
//   - Message: Required. The user's message, at most 32KB.
//   - Temperature, TopP, TopK, MaxTokens, Stop: Optional sampling
//     parameters passed through to the upstream backend. Nil means the
//     backend default.
type ChatPayload struct {
	Message     string   `json:"message" validate:"required,maxbytes"`
	Temperature *float32 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        *float32 `json:"top_p,omitempty" validate:"omitempty,gt=0,lte=1"`
	TopK        *int     `json:"top_k,omitempty" validate:"omitempty,gte=1"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,gte=1,lte=8192"`
	Stop        []string `json:"stop,omitempty" validate:"max=4"`
}

// Validate validates the chat payload after decoding.
func (p *ChatPayload) Validate() error {
	return wireValidate.Struct(p)
}

// ServerFrame is every server-to-client message.
//
// One struct with omitempty fields rather than a type per action; the
// client switches on Action and reads the fields that action defines.
type ServerFrame struct {
	Action           string `json:"action"`
	SessionID        string `json:"session_id,omitempty"`
	Content          string `json:"content,omitempty"`
	Turn             int    `json:"turn,omitempty"`
	TurnCount        int    `json:"turn_count,omitempty"`
	ContentHash      string `json:"content_hash,omitempty"`
	Code             string `json:"code,omitempty"`
	Message          string `json:"message,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
}

// NewSessionCreatedFrame announces a fresh session after hello or a
// failed resume.
func NewSessionCreatedFrame(sessionID string) ServerFrame {
	return ServerFrame{Action: ActionSessionCreated, SessionID: sessionID}
}

// NewSessionResumedFrame announces a successful resume with the journal
// length so the client can reconcile its local transcript.
func NewSessionResumedFrame(sessionID string, turnCount int) ServerFrame {
	return ServerFrame{Action: ActionSessionResumed, SessionID: sessionID, TurnCount: turnCount}
}

// NewTokenFrame carries one streamed token.
func NewTokenFrame(content string) ServerFrame {
	return ServerFrame{Action: ActionToken, Content: content}
}

// NewTurnCompleteFrame closes a chat turn.
//
// # Inputs
//
//   - sessionID: The session the turn belongs to.
//   - turn: The journal turn count after the assistant reply.
//   - contentHash: SHA-256 of the full assistant reply, hex encoded,
//     so the client can verify the tokens it assembled.
//   - processingMs: Wall time of the upstream call.
func NewTurnCompleteFrame(sessionID string, turn int, contentHash string, processingMs int64) ServerFrame {
	return ServerFrame{
		Action:           ActionTurnComplete,
		SessionID:        sessionID,
		Turn:             turn,
		ContentHash:      contentHash,
		ProcessingTimeMs: processingMs,
	}
}

// NewErrorFrame reports a failed frame without closing the socket.
func NewErrorFrame(code, message string) ServerFrame {
	return ServerFrame{Action: ActionError, Code: code, Message: message}
}

// NewDrainingFrame warns clients the server is shutting down and they
// should reconnect elsewhere.
func NewDrainingFrame(message string) ServerFrame {
	return ServerFrame{Action: ActionDraining, Code: CodeDraining, Message: message}
}

// NewPongFrame answers an application-level ping.
func NewPongFrame() ServerFrame {
	return ServerFrame{Action: ActionPong, Timestamp: time.Now().UnixMilli()}
}
