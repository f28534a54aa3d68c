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
	"regexp"
	"sort"
	"strings"
)

// RaceAccess is one side of a data race: the access kind and the top
// stack frame of the goroutine that performed it.
type RaceAccess struct {
	Kind  string `json:"kind"` // "read" or "write"
	Frame string `json:"frame"`
}

// RacePattern is a deduplicated race site. Two race reports collapse
// into one pattern when their top frame pairs match, regardless of
// which side the detector printed first.
type RacePattern struct {
	First  RaceAccess `json:"first"`
	Second RaceAccess `json:"second"`
	Count  int        `json:"count"`
	Tests  []string   `json:"tests,omitempty"`
}

// raceHeaderRE matches the access headers inside a detector block:
//
//	Read at 0x00c000126038 by goroutine 8:
//	Previous write at 0x00c000126038 by main goroutine:
//
// Goroutine-creation sections ("Goroutine 8 (running) created at:") do
// not match.
var raceHeaderRE = regexp.MustCompile(`^(Read|Write|Previous read|Previous write) at 0x[0-9a-fA-F]+ by (?:main goroutine|goroutine \d+):`)

const raceBlockEnd = "=================="

// collectRacePatterns aggregates race blocks from every race-
// categorized failure, deduped by frame pair.
func collectRacePatterns(failures []Failure) []RacePattern {
	type agg struct {
		pattern RacePattern
		tests   map[string]bool
	}
	byKey := make(map[string]*agg)
	var order []string

	for _, f := range failures {
		if f.Category != CategoryRace {
			continue
		}
		for _, pair := range parseRaceBlocks(f.Output) {
			key := pairKey(pair)
			a, ok := byKey[key]
			if !ok {
				a = &agg{
					pattern: RacePattern{First: pair[0], Second: pair[1]},
					tests:   make(map[string]bool),
				}
				byKey[key] = a
				order = append(order, key)
			}
			a.pattern.Count++
			a.tests[f.Name()] = true
		}
	}

	patterns := make([]RacePattern, 0, len(order))
	for _, key := range order {
		a := byKey[key]
		for name := range a.tests {
			a.pattern.Tests = append(a.pattern.Tests, name)
		}
		sort.Strings(a.pattern.Tests)
		patterns = append(patterns, a.pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].First.Frame < patterns[j].First.Frame
	})
	return patterns
}

// pairKey normalizes a pair so (A,B) and (B,A) collapse together. The
// detector orders sides by which access it observed second, which says
// nothing about the race itself.
func pairKey(pair [2]RaceAccess) string {
	a := pair[0].Kind + "\x00" + pair[0].Frame
	b := pair[1].Kind + "\x00" + pair[1].Frame
	if b < a {
		a, b = b, a
	}
	return a + "\x01" + b
}

// parseRaceBlocks walks the detector output and returns the access
// pair of every complete WARNING: DATA RACE block.
func parseRaceBlocks(output string) [][2]RaceAccess {
	lines := strings.Split(output, "\n")
	var pairs [][2]RaceAccess

	var inBlock bool
	var accesses []RaceAccess
	var pendingKind string

	flush := func() {
		if len(accesses) >= 2 {
			pairs = append(pairs, [2]RaceAccess{accesses[0], accesses[1]})
		}
		accesses = nil
		pendingKind = ""
		inBlock = false
	}

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if !inBlock {
			if strings.Contains(line, "WARNING: DATA RACE") {
				inBlock = true
			}
			continue
		}
		if line == raceBlockEnd {
			flush()
			continue
		}

		// A header arms frame capture; the next non-empty line is the
		// top frame of that goroutine's stack.
		if m := raceHeaderRE.FindStringSubmatch(line); m != nil {
			pendingKind = accessKind(m[1])
			continue
		}
		if pendingKind != "" && line != "" {
			accesses = append(accesses, RaceAccess{Kind: pendingKind, Frame: line})
			pendingKind = ""
		}
	}
	// Truncated output: keep what parsed completely.
	if inBlock {
		flush()
	}
	return pairs
}

func accessKind(header string) string {
	if strings.Contains(strings.ToLower(header), "read") {
		return "read"
	}
	return "write"
}
