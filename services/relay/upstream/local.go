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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// LocalClient talks to a llama.cpp-style server's /completion endpoint.
type LocalClient struct {
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger
}

type localCompletionPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type localCompletionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func newLocalClient(cfg config.UpstreamConfig, log *slog.Logger) (*LocalClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base_url not set for local backend")
	}
	return &LocalClient{
		httpClient: &http.Client{Timeout: requestTimeout(cfg)},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		log:        log,
	}, nil
}

// Name implements AgentClient.
func (l *LocalClient) Name() string { return "local" }

// Chat implements AgentClient.
func (l *LocalClient) Chat(ctx context.Context, turns []datatypes.Message, params Params) (string, error) {
	resp, err := l.post(ctx, l.buildPayload(turns, params, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read the llm's response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm failed with status %d: %s", resp.StatusCode, string(body))
	}

	var chunk localCompletionChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return "", fmt.Errorf("failed to parse the llm response: %w", err)
	}
	return chunk.Content, nil
}

// Stream implements AgentClient.
//
// llama.cpp streams SSE lines of the form `data: {"content":...}`; the
// bare-JSON-per-line variant some forks emit is accepted too.
func (l *LocalClient) Stream(ctx context.Context, turns []datatypes.Message, params Params, onToken TokenFunc) error {
	resp, err := l.post(ctx, l.buildPayload(turns, params, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llm failed with status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")

		var chunk localCompletionChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return fmt.Errorf("failed to parse llm stream line: %w", err)
		}
		if chunk.Content != "" {
			if err := onToken(chunk.Content); err != nil {
				return err
			}
		}
		if chunk.Stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("llm stream read failed: %w", err)
	}
	return nil
}

func (l *LocalClient) post(ctx context.Context, payload localCompletionPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the llm payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to the llm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	l.log.Debug("calling local completion endpoint", "url", l.baseURL+"/completion", "stream", payload.Stream)
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	return resp, nil
}

func (l *LocalClient) buildPayload(turns []datatypes.Message, params Params, stream bool) localCompletionPayload {
	payload := localCompletionPayload{
		Prompt: flattenPrompt(turns),
		Stream: stream,
	}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	} else {
		payload.NPredict = 512
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	} else {
		defaultTemperature := float32(0.2)
		payload.Temperature = &defaultTemperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	} else {
		defaultTopK := 20
		payload.TopK = &defaultTopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	} else {
		defaultTopP := float32(0.9)
		payload.TopP = &defaultTopP
	}
	if len(params.Stop) > 0 {
		payload.Stop = params.Stop
	} else {
		payload.Stop = []string{"\nuser:"}
	}
	return payload
}

// flattenPrompt renders the conversation for a raw completion endpoint,
// leaving the cursor after "assistant: " so the model continues there.
func flattenPrompt(turns []datatypes.Message) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}
