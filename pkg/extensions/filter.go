// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrMessageBlocked is returned to callers when a filter rejects a message.
//
// Callers should log the block via AuditLogger and surface this error
// to the user instead of forwarding the message upstream.
var ErrMessageBlocked = errors.New("message blocked by filter")

// FilterResult contains the outcome of a filter operation.
//
// This struct provides detailed information about what the filter did,
// useful for debugging, audit trails, and user feedback.
type FilterResult struct {
	// Original is the input message before filtering.
	Original string

	// Filtered is the message after filtering transformations.
	// If WasModified is false, this equals Original.
	Filtered string

	// WasModified indicates if any transformations were applied.
	WasModified bool

	// WasBlocked indicates if the message was completely rejected.
	// If true, Filtered should not be used.
	WasBlocked bool

	// BlockReason explains why the message was blocked (if WasBlocked).
	BlockReason string

	// Detections lists what the filter found in the message.
	// Useful for audit logging and debugging.
	Detections []Detection
}

// Detection describes a single item found by the filter.
type Detection struct {
	// Type categorizes what was detected.
	// Common types: "ssn", "credit_card", "email", "phone", "api_key",
	// "profanity", "pii", "secret", "prompt_injection"
	Type string

	// Location describes where in the message the item was found.
	// Format is implementation-specific (e.g., "characters 10-20")
	Location string

	// Action describes what was done with the detected item.
	// Values: "redacted", "masked", "replaced", "blocked", "flagged"
	Action string

	// Original is the detected content (only populated in debug mode).
	// WARNING: This may contain sensitive data - handle carefully.
	Original string

	// Replacement is what the content was replaced with (if Action is "replaced").
	Replacement string
}

// MessageFilter transforms chat messages before and after upstream inference.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Filter Pipeline
//
// Messages flow through filters at two points on the websocket chat path:
//
//  1. FilterInput: Before forwarding a user message upstream
//     - Remove PII from user messages
//     - Block policy violations
//     - Detect prompt injection attempts
//
//  2. FilterOutput: Before returning a completed turn to the client
//     - Remove leaked secrets from responses
//     - Add compliance disclaimers
//     - Mask sensitive generated content
//
// # Open Source Behavior
//
// The default NopMessageFilter passes all messages through unchanged.
//
// # Blocking vs Transforming
//
// Filters can either transform content and allow it through (e.g. redact
// an SSN) or block the entire message (e.g. policy violation). To block,
// return a FilterResult with WasBlocked=true and BlockReason set; the
// caller then returns ErrMessageBlocked to the user.
type MessageFilter interface {
	// FilterInput processes a user message before upstream inference.
	//
	// The error return is for filter failures only, not for blocks.
	// If WasBlocked is true, the caller should log the block via
	// AuditLogger, return ErrMessageBlocked to the user, and NOT send
	// the message upstream.
	FilterInput(ctx context.Context, message string) (*FilterResult, error)

	// FilterOutput processes an upstream response before returning to
	// the user. The error return is for filter failures only.
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)

	// FilterContext processes system prompts before they are injected
	// into the upstream conversation.
	FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error)
}

// NopMessageFilter is the default message filter for open source.
//
// It passes all messages through unchanged without any transformation
// or blocking.
//
// Thread-safe: This implementation has no mutable state.
type NopMessageFilter struct{}

// FilterInput returns the message unchanged.
func (f *NopMessageFilter) FilterInput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{
		Original:    message,
		Filtered:    message,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// FilterOutput returns the message unchanged.
func (f *NopMessageFilter) FilterOutput(ctx context.Context, message string) (*FilterResult, error) {
	return &FilterResult{
		Original:    message,
		Filtered:    message,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// FilterContext returns the context unchanged.
func (f *NopMessageFilter) FilterContext(ctx context.Context, contextMsg string) (*FilterResult, error) {
	return &FilterResult{
		Original:    contextMsg,
		Filtered:    contextMsg,
		WasModified: false,
		WasBlocked:  false,
		Detections:  nil,
	}, nil
}

// Compile-time interface compliance check.
var _ MessageFilter = (*NopMessageFilter)(nil)
