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
	"github.com/stretchr/testify/require"
)

const raceTrace = `==================
WARNING: DATA RACE
Read at 0x00c000126038 by goroutine 8:
  example.com/relay/counter.(*Counter).Value()
      /src/counter.go:21 +0x3c
  example.com/relay/counter.TestConcurrent.func2()
      /src/counter_test.go:15 +0x30

Previous write at 0x00c000126038 by goroutine 7:
  example.com/relay/counter.(*Counter).Inc()
      /src/counter.go:17 +0x44

Goroutine 8 (running) created at:
  example.com/relay/counter.TestConcurrent()
      /src/counter_test.go:14 +0x104
==================
`

// raceTraceSwapped reports the same race with the sides in the other
// order, attributed to the main goroutine.
const raceTraceSwapped = `==================
WARNING: DATA RACE
Write at 0x00c000126038 by goroutine 9:
  example.com/relay/counter.(*Counter).Inc()
      /src/counter.go:17 +0x44

Previous read at 0x00c000126038 by main goroutine:
  example.com/relay/counter.(*Counter).Value()
      /src/counter.go:21 +0x3c
==================
`

func TestParseRaceBlocks_ExtractsTopFramePair(t *testing.T) {
	pairs := parseRaceBlocks(raceTrace)
	require.Len(t, pairs, 1)

	assert.Equal(t, RaceAccess{Kind: "read", Frame: "example.com/relay/counter.(*Counter).Value()"}, pairs[0][0])
	assert.Equal(t, RaceAccess{Kind: "write", Frame: "example.com/relay/counter.(*Counter).Inc()"}, pairs[0][1])
}

func TestParseRaceBlocks_TruncatedBlockStillParses(t *testing.T) {
	trace := `WARNING: DATA RACE
Read at 0x00c000126038 by goroutine 8:
  example.com/relay.readSide()
      /src/a.go:10 +0x1
Previous write at 0x00c000126038 by goroutine 7:
  example.com/relay.writeSide()
      /src/a.go:20 +0x2
`
	pairs := parseRaceBlocks(trace)
	require.Len(t, pairs, 1)
	assert.Equal(t, "example.com/relay.readSide()", pairs[0][0].Frame)
}

func TestCollectRacePatterns_DedupesSwappedSides(t *testing.T) {
	failures := []Failure{
		{
			Package:  "example.com/relay/counter",
			Test:     "TestConcurrent",
			Category: CategoryRace,
			Output:   raceTrace + raceTraceSwapped,
		},
	}

	patterns := collectRacePatterns(failures)
	require.Len(t, patterns, 1)

	p := patterns[0]
	assert.Equal(t, 2, p.Count)
	assert.Equal(t, "read", p.First.Kind)
	assert.Equal(t, "example.com/relay/counter.(*Counter).Value()", p.First.Frame)
	assert.Equal(t, "write", p.Second.Kind)
	assert.Equal(t, []string{"example.com/relay/counter.TestConcurrent"}, p.Tests)
}

func TestCollectRacePatterns_DistinctSitesSortByCount(t *testing.T) {
	other := `==================
WARNING: DATA RACE
Write at 0x00c000200000 by goroutine 4:
  example.com/relay/queue.(*Queue).Push()
      /src/queue.go:30 +0x10

Previous write at 0x00c000200000 by goroutine 5:
  example.com/relay/queue.(*Queue).Push()
      /src/queue.go:30 +0x10
==================
`
	failures := []Failure{
		{Package: "p", Test: "TestA", Category: CategoryRace, Output: raceTrace + raceTraceSwapped},
		{Package: "p", Test: "TestB", Category: CategoryRace, Output: other},
	}

	patterns := collectRacePatterns(failures)
	require.Len(t, patterns, 2)
	assert.Equal(t, 2, patterns[0].Count)
	assert.Equal(t, 1, patterns[1].Count)
	assert.Equal(t, "write", patterns[1].First.Kind)
	assert.Equal(t, "write", patterns[1].Second.Kind)
}

func TestCollectRacePatterns_IgnoresNonRaceFailures(t *testing.T) {
	failures := []Failure{
		{Package: "p", Test: "TestA", Category: CategoryPanic, Output: raceTrace},
	}
	assert.Empty(t, collectRacePatterns(failures))
}

// End-to-end: a stream with a race failure produces a categorized
// failure and a pattern.
func TestAnalyze_RaceFailureProducesPattern(t *testing.T) {
	stream := newStream(t).
		run("example.com/relay/counter", "TestConcurrent").
		output("example.com/relay/counter", "TestConcurrent", raceTrace).
		fail("example.com/relay/counter", "TestConcurrent", 0.6).
		event("fail", "example.com/relay/counter", "", "", 0.9).
		String()

	report, err := AnalyzeString(stream, Options{})
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, CategoryRace, report.Failures[0].Category)
	require.Len(t, report.Races, 1)
	assert.Equal(t, 1, report.Races[0].Count)
}
