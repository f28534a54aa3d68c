// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// Metadata is an extensible key-value store for extension data.
//
// # Description
//
// Metadata provides a type-safe way to attach arbitrary data to core
// types (AuthInfo, AuditEvent) without modifying their definitions.
// Enterprise implementations use it to carry provider-specific claims
// and annotations.
//
// # Examples
//
//	meta := extensions.NewMetadata().
//	    Set("department", "engineering").
//	    Set("mfa_verified", true)
//
//	if dept, ok := meta.GetString("department"); ok {
//	    fmt.Println(dept)
//	}
//
// # Thread Safety
//
// Metadata is a map and is not safe for concurrent modification.
// Clone() before sharing across goroutines that may write.
type Metadata map[string]any

// NewMetadata creates an empty Metadata map ready for chained Set calls.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set stores a value and returns the Metadata for chaining.
//
// Setting on a nil Metadata allocates a new map, so the return value
// must always be captured:
//
//	meta = meta.Set("key", value)
func (m Metadata) Set(key string, value any) Metadata {
	if m == nil {
		m = make(Metadata)
	}
	m[key] = value
	return m
}

// Get retrieves a raw value by key.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString retrieves a string value by key.
//
// Returns the string and true if the key exists and the value is a
// string, otherwise returns "" and false.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m[key]
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

// GetInt retrieves an int value by key.
func (m Metadata) GetInt(key string) (int, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int)
	return i, ok
}

// GetInt64 retrieves an int64 value by key.
func (m Metadata) GetInt64(key string) (int64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	i, ok := value.(int64)
	return i, ok
}

// GetFloat64 retrieves a float64 value by key.
//
// JSON-decoded numbers arrive as float64, so token claims read back
// through this accessor after a round trip through encoding/json.
func (m Metadata) GetFloat64(key string) (float64, bool) {
	value, ok := m[key]
	if !ok {
		return 0, false
	}
	f, ok := value.(float64)
	return f, ok
}

// GetBool retrieves a bool value by key.
func (m Metadata) GetBool(key string) (bool, bool) {
	value, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// GetTime retrieves a time.Time value by key.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	value, ok := m[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := value.(time.Time)
	return t, ok
}

// Has checks if a key exists, regardless of its value (including nil).
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Delete removes a key and returns the Metadata for chaining.
func (m Metadata) Delete(key string) Metadata {
	if m != nil {
		delete(m, key)
	}
	return m
}

// Clone returns a shallow copy of the Metadata.
//
// The copy is independent for top-level keys; nested reference values
// are shared.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Merge copies all entries from other into m, overwriting duplicates,
// and returns the Metadata for chaining.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		m = make(Metadata, len(other))
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Keys returns all keys in the Metadata (order is not defined).
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries.
func (m Metadata) Len() int {
	return len(m)
}
