// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package triage

import "strings"

// Category is the failure class assigned from a failed test's output.
type Category string

const (
	CategoryRace      Category = "race"
	CategoryDeadlock  Category = "deadlock"
	CategoryPanic     Category = "panic"
	CategoryTimeout   Category = "timeout"
	CategoryAssertion Category = "assertion"
	CategoryUnknown   Category = "unknown"
)

// categoryTable is ordered. The first matching row wins, so the
// specific classes sit above the broad ones: a race trace usually also
// contains a panic line, and a test timeout surfaces as a panic.
var categoryTable = []struct {
	cat   Category
	match func(out, lower string) bool
}{
	{CategoryRace, func(out, _ string) bool {
		return strings.Contains(out, "WARNING: DATA RACE")
	}},
	{CategoryDeadlock, func(out, _ string) bool {
		return strings.Contains(out, "all goroutines are asleep")
	}},
	{CategoryPanic, func(out, _ string) bool {
		// Timeouts present as "panic: test timed out"; the timeout row
		// owns those.
		return strings.Contains(out, "panic: ") &&
			!strings.Contains(out, "panic: test timed out")
	}},
	{CategoryTimeout, func(out, lower string) bool {
		return strings.Contains(out, "panic: test timed out") ||
			strings.Contains(lower, "context deadline exceeded") ||
			strings.Contains(lower, "i/o timeout")
	}},
	{CategoryAssertion, func(out, lower string) bool {
		return strings.Contains(out, "Error Trace:") ||
			strings.Contains(out, "Not equal") ||
			strings.Contains(lower, "expected") ||
			strings.Contains(lower, "want")
	}},
}

// Categorize classifies a failed test's combined output.
func Categorize(output string) Category {
	lower := strings.ToLower(output)
	for _, row := range categoryTable {
		if row.match(output, lower) {
			return row.cat
		}
	}
	return CategoryUnknown
}
