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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// configValidate is the validator instance for config structs.
// Initialized in init() with custom validators.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("semver", validateSemver)
}

// validateSemver accepts canonical semver with or without the leading
// "v" ("1.2.3" and "v1.2.3" both pass).
func validateSemver(fl validator.FieldLevel) bool {
	return semver.IsValid(Canonical(fl.Field().String()))
}

// Canonical normalizes a version string to the "vMAJOR.MINOR.PATCH"
// form golang.org/x/mod/semver compares. The empty string stays empty.
func Canonical(version string) string {
	if version == "" {
		return ""
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}

// Load initialises Config from a YAML file and RELAY_* environment
// overrides, then validates the result.
//
// Resolution order: Default() values, then the file (path argument, or
// RELAY_CONFIG when the argument is empty), then environment
// overrides. An explicitly given path that does not exist is an error;
// an empty path with no RELAY_CONFIG simply runs on defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field constraints the tags
// cannot express.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Heartbeat.Timeout < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must be at least heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Memory.HeapCriticalMB <= c.Memory.HeapWarnMB {
		return fmt.Errorf("memory.heap_critical_mb (%d) must exceed memory.heap_warn_mb (%d)",
			c.Memory.HeapCriticalMB, c.Memory.HeapWarnMB)
	}
	if c.Conns.RateBurst < int(c.Conns.RatePerSecond) {
		return fmt.Errorf("connections.rate_burst (%d) must be at least rate_per_second (%g)",
			c.Conns.RateBurst, c.Conns.RatePerSecond)
	}
	if !c.Session.InMemory && c.Session.Dir == "" {
		return errors.New("session.dir is required unless session.in_memory is set")
	}
	if c.Auth.Mode == "hmac" && os.Getenv(c.Auth.SecretEnv) == "" {
		return fmt.Errorf("auth.mode is hmac but %s is not set", c.Auth.SecretEnv)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RELAY_DRAIN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.DrainGrace = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_MIN_CLIENT_VERSION"); v != "" {
		cfg.Server.MinClientVersion = v
	}
	if v := os.Getenv("RELAY_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conns.MaxConnections = n
		}
	}
	if v := os.Getenv("RELAY_MAX_CONNS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Conns.MaxPerUser = n
		}
	}
	if v := os.Getenv("RELAY_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat.Interval = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Heartbeat.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_SESSION_DIR"); v != "" {
		cfg.Session.Dir = v
	}
	if v := os.Getenv("RELAY_SESSION_IN_MEMORY"); isTruthy(v) {
		cfg.Session.InMemory = true
	}
	if v := os.Getenv("RELAY_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.TTL = Duration(d)
		}
	}
	if v := os.Getenv("RELAY_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("RELAY_ARCHIVE_CREDENTIALS"); v != "" {
		cfg.Archive.CredentialsFile = v
	}
	if v := os.Getenv("RELAY_UPSTREAM_BACKEND"); v != "" {
		cfg.Upstream.Backend = v
	}
	if v := os.Getenv("RELAY_UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("RELAY_UPSTREAM_MODEL"); v != "" {
		cfg.Upstream.Model = v
	}
	if v := os.Getenv("RELAY_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("RELAY_INFLUX_URL"); v != "" {
		cfg.Memory.Influx.URL = v
	}
	if v := os.Getenv("RELAY_INFLUX_TOKEN"); v != "" {
		cfg.Memory.Influx.Token = v
	}
	if v := os.Getenv("RELAY_INFLUX_ORG"); v != "" {
		cfg.Memory.Influx.Org = v
	}
	if v := os.Getenv("RELAY_INFLUX_BUCKET"); v != "" {
		cfg.Memory.Influx.Bucket = v
	}
	if v := os.Getenv("RELAY_TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("RELAY_METRIC_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("RELAY_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		cfg.Log.JSON = strings.EqualFold(v, "json")
	}
	if v := os.Getenv("RELAY_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
}

func isTruthy(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
