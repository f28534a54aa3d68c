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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategorize_OrderedTable(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   Category
	}{
		{
			// A race trace also mentions a failing exit; race wins
			// because it is checked first.
			name:   "race beats everything",
			output: "WARNING: DATA RACE\nRead at 0x00c0 by goroutine 8:\npanic: holding it wrong\n",
			want:   CategoryRace,
		},
		{
			name:   "deadlock",
			output: "fatal error: all goroutines are asleep - deadlock!\n",
			want:   CategoryDeadlock,
		},
		{
			name:   "plain panic",
			output: "panic: runtime error: invalid memory address or nil pointer dereference\n",
			want:   CategoryPanic,
		},
		{
			// The test-timeout panic belongs to the timeout row even
			// though the panic row is checked before it.
			name:   "test timed out",
			output: "panic: test timed out after 10m0s\n",
			want:   CategoryTimeout,
		},
		{
			name:   "context deadline",
			output: "dial tcp 10.0.0.1:443: context deadline exceeded\n",
			want:   CategoryTimeout,
		},
		{
			name:   "testify assertion",
			output: "    Error Trace:\t/src/thing_test.go:42\n    Error:      \tNot equal\n",
			want:   CategoryAssertion,
		},
		{
			name:   "got want convention",
			output: "    thing_test.go:30: got 3, want 5\n",
			want:   CategoryAssertion,
		},
		{
			name:   "expected convention",
			output: "    thing_test.go:30: Expected queue to drain\n",
			want:   CategoryAssertion,
		},
		{
			name:   "nothing recognizable",
			output: "exit status 1\n",
			want:   CategoryUnknown,
		},
		{
			name:   "empty output",
			output: "",
			want:   CategoryUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Categorize(tc.output))
		})
	}
}
