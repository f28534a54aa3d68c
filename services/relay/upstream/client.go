// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package upstream provides the agent backends the relay forwards chat
// turns to.
//
// Three backends exist: an OpenAI-compatible API client, a local
// llama.cpp-style HTTP server, and an echo client for development and
// tests. All of them are wrapped in a circuit breaker named
// "upstream:<backend>" so a dead backend fast-fails the chat path
// instead of tying up sockets until timeout.
//
// Streamed replies are assembled by the caller, normally through the
// secure token accumulator in this package, so the full plaintext never
// sits in an unprotected buffer inside a backend client.
package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
)

// Params are the sampling parameters forwarded to a backend. Nil fields
// mean the backend default.
type Params struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// TokenFunc receives one streamed token. Returning an error aborts the
// stream; the backend stops reading and returns that error.
type TokenFunc func(token string) error

// AgentClient defines the standard interface for any agent backend.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one client serves
// every connection.
type AgentClient interface {
	// Chat returns the complete reply for a conversation.
	Chat(ctx context.Context, turns []datatypes.Message, params Params) (string, error)

	// Stream invokes onToken for each streamed token until the reply
	// completes. The caller assembles the reply; Stream holds no copy.
	Stream(ctx context.Context, turns []datatypes.Message, params Params, onToken TokenFunc) error

	// Name returns the backend identifier used in breaker and metric names.
	Name() string
}

// New builds the configured backend and wraps it in a circuit breaker
// from the shared registry.
//
// # Inputs
//
//   - cfg: Backend selection plus its endpoint, model, and timeout.
//   - breakers: The registry shared with the dispatcher; the backend's
//     breaker registers as "upstream:<backend>".
//   - log: Structured logger.
//   - metrics: May be nil in tests.
//
// # Outputs
//
//   - AgentClient: The guarded backend.
//   - error: Non-nil if the backend name is unknown or its
//     configuration is incomplete.
func New(cfg config.UpstreamConfig, breakers *dispatch.BreakerRegistry, log *slog.Logger, metrics *telemetry.Metrics) (AgentClient, error) {
	if log == nil {
		log = slog.Default()
	}

	var (
		inner AgentClient
		err   error
	)
	switch cfg.Backend {
	case "openai":
		inner, err = newOpenAIClient(cfg, log)
	case "local":
		inner, err = newLocalClient(cfg, log)
	case "echo", "":
		inner = NewEchoClient()
	default:
		return nil, fmt.Errorf("unknown upstream backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("upstream backend ready", "backend", inner.Name())
	return Guard(inner, breakers, log, metrics), nil
}

// echoChunkRunes is the streamed chunk size of the echo backend. Small
// enough that short messages still produce several token frames.
const echoChunkRunes = 8

// EchoClient reflects the last user turn back. Used in development and
// tests where no model is running.
type EchoClient struct{}

// NewEchoClient creates the echo backend.
func NewEchoClient() *EchoClient {
	return &EchoClient{}
}

// Name implements AgentClient.
func (e *EchoClient) Name() string { return "echo" }

// Chat returns the last user message unchanged.
func (e *EchoClient) Chat(ctx context.Context, turns []datatypes.Message, _ Params) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return lastUserContent(turns), nil
}

// Stream emits the last user message in fixed-size rune chunks so the
// streaming path gets exercised end to end.
func (e *EchoClient) Stream(ctx context.Context, turns []datatypes.Message, _ Params, onToken TokenFunc) error {
	content := lastUserContent(turns)

	var (
		chunk strings.Builder
		runes int
	)
	for _, r := range content {
		chunk.WriteRune(r)
		runes++
		if runes >= echoChunkRunes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := onToken(chunk.String()); err != nil {
				return err
			}
			chunk.Reset()
			runes = 0
		}
	}
	if chunk.Len() > 0 {
		if err := onToken(chunk.String()); err != nil {
			return err
		}
	}
	return nil
}

func lastUserContent(turns []datatypes.Message) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == datatypes.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}

// requestTimeout falls back to a generous default when the config left
// it unset. LLM calls routinely run past a minute.
func requestTimeout(cfg config.UpstreamConfig) time.Duration {
	if d := time.Duration(cfg.RequestTimeout); d > 0 {
		return d
	}
	return 2 * time.Minute
}
