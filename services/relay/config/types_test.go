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
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestDefault_Validates verifies the shipped defaults pass validation.
func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

// TestDuration_UnmarshalYAML verifies duration strings and integer
// nanoseconds both decode.
func TestDuration_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", yaml: "30s", want: 30 * time.Second},
		{name: "compound", yaml: "1m30s", want: 90 * time.Second},
		{name: "milliseconds", yaml: "250ms", want: 250 * time.Millisecond},
		{name: "integer nanoseconds", yaml: "5000000000", want: 5 * time.Second},
		{name: "garbage string", yaml: "banana", wantErr: true},
		{name: "mapping", yaml: "{a: 1}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := yaml.Unmarshal([]byte(tt.yaml), &d)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Unmarshal(%q) expected error, got %v", tt.yaml, d)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unmarshal(%q) error = %v", tt.yaml, err)
			}
			if d.Std() != tt.want {
				t.Errorf("Unmarshal(%q) = %v, want %v", tt.yaml, d.Std(), tt.want)
			}
		})
	}
}

// TestDuration_MarshalYAML verifies durations emit the readable form.
func TestDuration_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "1m30s" {
		t.Errorf("Marshal() = %q, want %q", got, "1m30s")
	}
}

// TestCanonical verifies version normalization.
func TestCanonical(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"1.2.3", "v1.2.3"},
		{"v2.0.0", "v2.0.0"},
	}

	for _, tt := range tests {
		if got := Canonical(tt.in); got != tt.want {
			t.Errorf("Canonical(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
