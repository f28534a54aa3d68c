// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// TestLoad_DefaultsOnly verifies an empty path without RELAY_CONFIG
// yields the defaults.
func TestLoad_DefaultsOnly(t *testing.T) {
	t.Setenv("RELAY_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, want.Server.Port)
	}
	if cfg.Heartbeat.Interval != want.Heartbeat.Interval {
		t.Errorf("Heartbeat.Interval = %v, want %v", cfg.Heartbeat.Interval, want.Heartbeat.Interval)
	}
	if cfg.Upstream.Backend != "echo" {
		t.Errorf("Upstream.Backend = %q, want echo", cfg.Upstream.Backend)
	}
}

// TestLoad_File verifies file values override defaults, including
// human-readable durations.
func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
connections:
  max_connections: 128
heartbeat:
  interval: 5s
  timeout: 12s
session:
  in_memory: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Conns.MaxConnections != 128 {
		t.Errorf("Conns.MaxConnections = %d, want 128", cfg.Conns.MaxConnections)
	}
	if cfg.Heartbeat.Interval.Std() != 5*time.Second {
		t.Errorf("Heartbeat.Interval = %v, want 5s", cfg.Heartbeat.Interval.Std())
	}
	if !cfg.Session.InMemory {
		t.Error("Session.InMemory should be true")
	}
	// Untouched sections keep defaults
	if cfg.Conns.MaxPerUser != Default().Conns.MaxPerUser {
		t.Errorf("Conns.MaxPerUser = %d, want default", cfg.Conns.MaxPerUser)
	}
}

// TestLoad_FileNotFound verifies an explicit missing path errors.
func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

// TestLoad_MalformedFile verifies parse failures surface.
func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, "server: [this is not\n a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for malformed YAML")
	}
}

// TestLoad_EnvOverrides verifies RELAY_* variables win over the file.
func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
`)
	t.Setenv("RELAY_PORT", "9100")
	t.Setenv("RELAY_HEARTBEAT_INTERVAL", "45s")
	t.Setenv("RELAY_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("RELAY_LOG_FORMAT", "text")
	t.Setenv("RELAY_SESSION_IN_MEMORY", "1")
	t.Setenv("RELAY_UPSTREAM_BACKEND", "local")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100 (env over file)", cfg.Server.Port)
	}
	if cfg.Heartbeat.Interval.Std() != 45*time.Second {
		t.Errorf("Heartbeat.Interval = %v, want 45s", cfg.Heartbeat.Interval.Std())
	}
	if cfg.Log.JSON {
		t.Error("Log.JSON should be false with RELAY_LOG_FORMAT=text")
	}
	if !cfg.Session.InMemory {
		t.Error("Session.InMemory should be true")
	}
	if cfg.Upstream.Backend != "local" {
		t.Errorf("Upstream.Backend = %q, want local", cfg.Upstream.Backend)
	}
}

// TestLoad_RELAY_CONFIGFallback verifies the env var supplies the path.
func TestLoad_RELAY_CONFIGFallback(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9200
`)
	t.Setenv("RELAY_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("Server.Port = %d, want 9200", cfg.Server.Port)
	}
}

// TestLoad_ValidationFailure verifies tag violations reject the config.
func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 70000
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected validation error for port 70000")
	}
}

// TestValidate_CrossFields exercises the constraints struct tags cannot
// express.
func TestValidate_CrossFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "heartbeat timeout below interval",
			mutate: func(c *Config) {
				c.Heartbeat.Interval = Duration(time.Minute)
				c.Heartbeat.Timeout = Duration(time.Second)
			},
		},
		{
			name: "heap critical not above warn",
			mutate: func(c *Config) {
				c.Memory.HeapWarnMB = 2048
				c.Memory.HeapCriticalMB = 2048
			},
		},
		{
			name: "rate burst below rate",
			mutate: func(c *Config) {
				c.Conns.RatePerSecond = 50
				c.Conns.RateBurst = 10
			},
		},
		{
			name: "no session dir and not in-memory",
			mutate: func(c *Config) {
				c.Session.Dir = ""
				c.Session.InMemory = false
			},
		},
		{
			name: "bad upstream backend",
			mutate: func(c *Config) {
				c.Upstream.Backend = "carrier-pigeon"
			},
		},
		{
			name: "bad min client version",
			mutate: func(c *Config) {
				c.Server.MinClientVersion = "banana"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

// TestValidate_HMACRequiresSecret verifies hmac mode demands the secret
// env var.
func TestValidate_HMACRequiresSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.Mode = "hmac"
	cfg.Auth.SecretEnv = "RELAY_TEST_AUTH_SECRET"

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should fail when the secret env var is unset")
	}

	t.Setenv("RELAY_TEST_AUTH_SECRET", "shhh")
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v with secret set", err)
	}
}
