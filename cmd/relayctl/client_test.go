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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminClient_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","connections":3}`)
	}))
	defer srv.Close()

	// Trailing slash on the base must not produce a double slash.
	client := newAdminClient(srv.URL+"/", "sekrit")
	var out healthInfo
	err := client.get(context.Background(), "/health", &out)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, 3, out.Connections)
}

func TestAdminClient_NoTokenOmitsHeader(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	err := newAdminClient(srv.URL, "").get(context.Background(), "/health", nil)
	require.NoError(t, err)
	assert.False(t, sawAuth)
}

func TestAdminClient_SurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"connection not found"}`)
	}))
	defer srv.Close()

	err := newAdminClient(srv.URL, "").del(context.Background(), "/v1/connections/nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection not found")
	assert.Contains(t, err.Error(), "404")
}

// A draining gateway answers 503 on /health with a valid body; the
// status command reads it anyway.
func TestAdminClient_AllowedStatusStillDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"draining","draining":true}`)
	}))
	defer srv.Close()

	var out healthInfo
	err := newAdminClient(srv.URL, "").get(context.Background(), "/health", &out,
		http.StatusServiceUnavailable)
	require.NoError(t, err)
	assert.True(t, out.Draining)
}

func TestAdminClient_PostEncodesJSONBody(t *testing.T) {
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"status":"draining","notified":4,"grace_ms":1500}`)
	}))
	defer srv.Close()

	body := struct {
		GraceMs int64 `json:"grace_ms,omitempty"`
	}{GraceMs: 1500}
	var resp drainResponse
	err := newAdminClient(srv.URL, "").post(context.Background(), "/v1/drain", body, &resp)
	require.NoError(t, err)

	assert.JSONEq(t, `{"grace_ms":1500}`, gotBody)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, 4, resp.Notified)
	assert.Equal(t, int64(1500), resp.GraceMs)
}
