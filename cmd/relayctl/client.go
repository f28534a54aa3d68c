// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

// adminClient talks to the relay's admin API. Responses are decoded
// into the local mirror types below; the server's error payloads
// ({"error": "..."}) surface as wrapped errors.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(base, token string) *adminClient {
	return &adminClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: requestTimeout},
	}
}

func (c *adminClient) get(ctx context.Context, path string, out any, allow ...int) error {
	return c.do(ctx, http.MethodGet, path, nil, out, allow...)
}

func (c *adminClient) post(ctx context.Context, path string, body, out any, allow ...int) error {
	return c.do(ctx, http.MethodPost, path, body, out, allow...)
}

func (c *adminClient) del(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodDelete, path, nil, out)
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any, allow ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if !statusAllowed(resp.StatusCode, allow) {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (HTTP %d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func statusAllowed(code int, allow []int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	for _, a := range allow {
		if code == a {
			return true
		}
	}
	return false
}

// --- Admin API response mirrors ---
// These track the relay's JSON shapes; the CLI deliberately does not
// import the service packages.

type healthInfo struct {
	Status      string `json:"status"`
	UptimeS     int64  `json:"uptime_s"`
	Connections int    `json:"connections"`
	Sessions    int64  `json:"sessions"`
	Draining    bool   `json:"draining"`
}

type connInfo struct {
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

type connList struct {
	Count       int        `json:"count"`
	Connections []connInfo `json:"connections"`
}

type memSnapshot struct {
	TakenAt         time.Time `json:"taken_at"`
	HeapAllocBytes  uint64    `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64    `json:"heap_sys_bytes"`
	TotalAllocBytes uint64    `json:"total_alloc_bytes"`
	NumGC           uint32    `json:"num_gc"`
	Goroutines      int       `json:"goroutines"`
	Connections     int       `json:"connections"`
	DispatchPending int64     `json:"dispatch_pending"`
	Sessions        int64     `json:"sessions"`
}

type memHistory struct {
	Count     int           `json:"count"`
	Snapshots []memSnapshot `json:"snapshots"`
}

type breakerInfo struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Successes   int       `json:"successes"`
	LastFailure time.Time `json:"last_failure"`
}

type breakerList struct {
	Breakers []breakerInfo `json:"breakers"`
}

type drainResponse struct {
	Status   string `json:"status"`
	Notified int    `json:"notified"`
	GraceMs  int64  `json:"grace_ms"`
}
