// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates, and hot-reloads the relay service
// configuration from YAML with RELAY_* environment overrides.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from human-readable YAML
// strings ("30s", "5m") as well as integer nanoseconds.
type Duration time.Duration

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the human-readable form ("1m30s").
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts either a duration string or an integer
// nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value on line %d", value.Line)
}

// MarshalYAML emits the string form so generated configs stay readable.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration for the relay service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Conns     ConnConfig      `yaml:"connections"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Memory    MemoryConfig    `yaml:"memory"`
	Session   SessionConfig   `yaml:"session"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the HTTP listener and client admission.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`

	// DrainGrace is how long draining connections get to finish
	// before the server closes them with 1001 going-away.
	DrainGrace Duration `yaml:"drain_grace"`

	// MinClientVersion is the lowest client semver admitted at the
	// hello handshake. Accepts "1.2.3" or "v1.2.3".
	MinClientVersion string `yaml:"min_client_version" validate:"omitempty,semver"`
}

// ConnConfig bounds per-connection and registry-wide resources.
type ConnConfig struct {
	MaxConnections int `yaml:"max_connections" validate:"gt=0"`
	MaxPerUser     int `yaml:"max_conns_per_user" validate:"gt=0"`

	// SendQueueSize is the outbound buffer per connection. A full
	// queue counts a drop rather than blocking the sender.
	SendQueueSize int `yaml:"send_queue_size" validate:"gt=0"`

	// SlowClientDropLimit is the consecutive-drop count after which
	// a client is considered too slow and closed.
	SlowClientDropLimit int `yaml:"slow_client_drop_limit" validate:"gt=0"`

	WriteTimeout   Duration `yaml:"write_timeout"`
	ReadLimitBytes int64    `yaml:"read_limit_bytes" validate:"gt=0"`

	// RatePerSecond and RateBurst bound inbound message rate per
	// connection (token bucket).
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gt=0"`
	RateBurst     int     `yaml:"rate_burst" validate:"gt=0"`
}

// HeartbeatConfig controls ping frames and the stale-connection sweep.
type HeartbeatConfig struct {
	// Interval between ping frames sent by the writer pump.
	Interval Duration `yaml:"interval"`

	// SweepInterval is how often the sweeper scans the registry.
	SweepInterval Duration `yaml:"sweep_interval"`

	// Timeout is the last-seen age past which a connection accrues
	// a missed-heartbeat count.
	Timeout Duration `yaml:"timeout"`

	// MaxMissed closes the connection when reached.
	MaxMissed int `yaml:"max_missed" validate:"gt=0"`
}

// DispatchConfig controls callback execution and circuit breakers.
type DispatchConfig struct {
	// CallbackTimeout bounds a single callback invocation unless the
	// registration overrides it.
	CallbackTimeout Duration `yaml:"callback_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-callback circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"gt=0"`
	SuccessThreshold int      `yaml:"success_threshold" validate:"gt=0"`
	OpenTimeout      Duration `yaml:"open_timeout"`
}

// MemoryConfig tunes the memory watchdog.
type MemoryConfig struct {
	SampleInterval Duration `yaml:"sample_interval"`
	HistorySize    int      `yaml:"history_size" validate:"gt=0"`

	HeapWarnMB     uint64 `yaml:"heap_warn_mb" validate:"gt=0"`
	HeapCriticalMB uint64 `yaml:"heap_critical_mb" validate:"gt=0"`
	GoroutineWarn  int    `yaml:"goroutine_warn" validate:"gt=0"`

	// GrowthThresholdPct flags a probable leak when heap grows this
	// much across the trailing window while connections stay flat.
	GrowthThresholdPct float64 `yaml:"growth_threshold_pct" validate:"gt=0"`
	GrowthWindow       int     `yaml:"growth_window" validate:"gt=1"`

	AlertCooldown  Duration `yaml:"alert_cooldown"`
	IdleEvictAfter Duration `yaml:"idle_evict_after"`

	Influx InfluxConfig `yaml:"influx"`
}

// InfluxConfig enables the optional InfluxDB v2 snapshot sink when URL
// is set.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// SessionConfig controls the BadgerDB session store and TTL cleanup.
type SessionConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`

	TTL             Duration `yaml:"ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	CleanupBatch    int      `yaml:"cleanup_batch" validate:"gt=0"`
}

// ArchiveConfig activates GCS transcript archival when Bucket is set.
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// UpstreamConfig selects and tunes the agent backend.
type UpstreamConfig struct {
	// Backend is "openai", "local", or "echo".
	Backend string `yaml:"backend" validate:"oneof=openai local echo"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	RequestTimeout Duration `yaml:"request_timeout"`
}

// AuthConfig selects the authentication provider.
type AuthConfig struct {
	// Mode is "none" (NopAuthProvider) or "hmac" (JWT shared secret).
	Mode string `yaml:"mode" validate:"oneof=none hmac"`

	// SecretEnv names the environment variable holding the HMAC secret.
	SecretEnv string   `yaml:"secret_env"`
	Issuer    string   `yaml:"issuer"`
	Leeway    Duration `yaml:"leeway"`
}

// TelemetryConfig selects trace and metric exporters.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration the relay boots with when no file
// or overrides are present. Every value here is safe for a single-node
// deployment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			DrainGrace:       Duration(15 * time.Second),
			MinClientVersion: "v0.1.0",
		},
		Conns: ConnConfig{
			MaxConnections:      4096,
			MaxPerUser:          8,
			SendQueueSize:       64,
			SlowClientDropLimit: 16,
			WriteTimeout:        Duration(10 * time.Second),
			ReadLimitBytes:      1 << 20,
			RatePerSecond:       20,
			RateBurst:           40,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      Duration(25 * time.Second),
			SweepInterval: Duration(30 * time.Second),
			Timeout:       Duration(60 * time.Second),
			MaxMissed:     3,
		},
		Dispatch: DispatchConfig{
			CallbackTimeout: Duration(5 * time.Second),
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      Duration(30 * time.Second),
			},
		},
		Memory: MemoryConfig{
			SampleInterval:     Duration(15 * time.Second),
			HistorySize:        240,
			HeapWarnMB:         1024,
			HeapCriticalMB:     2048,
			GoroutineWarn:      10000,
			GrowthThresholdPct: 20,
			GrowthWindow:       8,
			AlertCooldown:      Duration(5 * time.Minute),
			IdleEvictAfter:     Duration(10 * time.Minute),
		},
		Session: SessionConfig{
			Dir:             "~/.aleutian/relay/sessions",
			TTL:             Duration(24 * time.Hour),
			CleanupInterval: Duration(10 * time.Minute),
			CleanupBatch:    256,
		},
		Archive: ArchiveConfig{
			Prefix: "transcripts",
		},
		Upstream: UpstreamConfig{
			Backend:        "echo",
			Model:          "gpt-4o-mini",
			APIKeyEnv:      "RELAY_UPSTREAM_API_KEY",
			RequestTimeout: Duration(120 * time.Second),
		},
		Auth: AuthConfig{
			Mode:      "none",
			SecretEnv: "RELAY_AUTH_SECRET",
			Leeway:    Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "aleutian-relay",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}
