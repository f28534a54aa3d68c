// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memwatch

import "time"

// MemorySnapshot is one sample of process and relay resource usage.
type MemorySnapshot struct {
	// TakenAt is when the sample was read.
	TakenAt time.Time `json:"taken_at"`

	// HeapAllocBytes is live heap memory (runtime.MemStats.HeapAlloc).
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`

	// HeapSysBytes is heap memory obtained from the OS.
	HeapSysBytes uint64 `json:"heap_sys_bytes"`

	// TotalAllocBytes is cumulative bytes allocated since process start.
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`

	// NumGC is the number of completed GC cycles.
	NumGC uint32 `json:"num_gc"`

	// LastGCPause is the stop-the-world pause of the most recent cycle.
	LastGCPause time.Duration `json:"last_gc_pause_ns"`

	// Goroutines is the live goroutine count.
	Goroutines int `json:"goroutines"`

	// Connections is the registry's connection count at sample time.
	Connections int `json:"connections"`

	// DispatchPending is how many callbacks were in flight.
	DispatchPending int64 `json:"dispatch_pending"`

	// Sessions is the session store's live session count.
	Sessions int64 `json:"sessions"`
}

// AlertLevel grades watchdog alerts.
type AlertLevel string

const (
	LevelInfo     AlertLevel = "info"
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
)

// Alert is a raised watchdog condition. An alert stays active until the
// condition clears, at which point Resolved flips and ResolvedAt is set.
type Alert struct {
	ID      string     `json:"id"`
	Level   AlertLevel `json:"level"`
	Source  string     `json:"source"`
	Message string     `json:"message"`

	// Values carries the metric readings behind the alert, keyed by
	// measurement name.
	Values map[string]float64 `json:"values,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	Resolved   bool      `json:"resolved"`
	ResolvedAt time.Time `json:"resolved_at"`
}
