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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// defaultAPIKeyEnv is consulted when the config does not name one.
const defaultAPIKeyEnv = "RELAY_UPSTREAM_API_KEY"

// OpenAIClient talks to an OpenAI-compatible chat completion API. It
// covers the hosted backends; a custom BaseURL points it at any
// compatible server.
type OpenAIClient struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

func newOpenAIClient(cfg config.UpstreamConfig, log *slog.Logger) (*OpenAIClient, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", keyEnv)
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		log.Warn("upstream model not configured, defaulting to gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: requestTimeout(cfg)}

	log.Info("initializing OpenAI-compatible client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		log:    log,
	}, nil
}

// Name implements AgentClient.
func (o *OpenAIClient) Name() string { return "openai" }

// Chat implements AgentClient.
func (o *OpenAIClient) Chat(ctx context.Context, turns []datatypes.Message, params Params) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(turns, params, false))
	if err != nil {
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	o.log.Debug("received OpenAI response", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// Stream implements AgentClient.
func (o *OpenAIClient) Stream(ctx context.Context, turns []datatypes.Message, params Params, onToken TokenFunc) error {
	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(turns, params, true))
	if err != nil {
		return fmt.Errorf("OpenAI stream open failed: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("OpenAI stream read failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			if err := onToken(delta); err != nil {
				return err
			}
		}
	}
}

func (o *OpenAIClient) buildRequest(turns []datatypes.Message, params Params, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openaiRole(turn.Role),
			Content: turn.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

func openaiRole(role string) string {
	switch role {
	case datatypes.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case datatypes.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
