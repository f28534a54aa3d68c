// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package triage turns a `go test -json` event stream into a failure
// report: pass/fail/skip counts, per-package rollups, the slowest
// tests, flaky tests, categorized failures, and deduplicated data-race
// patterns.
//
// The input is the stream produced by `go test -json ./...` (or by
// cmd/test2json). Lines that are not valid JSON are counted and
// skipped, so streams polluted with build chatter still parse.
package triage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// TestEvent is one line of a `go test -json` stream, as documented in
// cmd/test2json. Field casing matches the wire format.
type TestEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test,omitempty"`
	Elapsed float64   `json:"Elapsed,omitempty"`
	Output  string    `json:"Output,omitempty"`
}

// Metrics summarizes a whole stream.
type Metrics struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`

	// ElapsedS is wall time from the first to the last event.
	ElapsedS float64 `json:"elapsed_s"`

	Packages []PackageStats `json:"packages"`

	// Slowest holds the longest-running tests, slowest first.
	Slowest []TestTiming `json:"slowest,omitempty"`

	// Flaky lists tests that failed and then passed within the same
	// stream (rerun or -count>1). A flaky test counts as passed in the
	// totals.
	Flaky []string `json:"flaky,omitempty"`

	// UnparsedLines counts input lines that were not valid JSON.
	UnparsedLines int `json:"unparsed_lines,omitempty"`
}

// PackageStats is the per-package rollup.
type PackageStats struct {
	Package  string  `json:"package"`
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	ElapsedS float64 `json:"elapsed_s"`
}

// TestTiming names one test and how long it took.
type TestTiming struct {
	Package  string  `json:"package"`
	Test     string  `json:"test"`
	ElapsedS float64 `json:"elapsed_s"`
}

// Failure is one failed test with its captured output and the category
// the output matched. A package that fails with no failing tests (a
// build failure, or a panic outside any test) appears with an empty
// Test.
type Failure struct {
	Package  string   `json:"package"`
	Test     string   `json:"test,omitempty"`
	Category Category `json:"category"`
	ElapsedS float64  `json:"elapsed_s"`
	Output   string   `json:"output,omitempty"`
}

// Name renders the failure's identity for display.
func (f Failure) Name() string {
	if f.Test == "" {
		return f.Package
	}
	return f.Package + "." + f.Test
}

// Report is the full triage result.
type Report struct {
	Metrics  Metrics       `json:"metrics"`
	Failures []Failure     `json:"failures,omitempty"`
	Races    []RacePattern `json:"races,omitempty"`
}

// HasFailures reports whether anything in the stream failed. CI gates
// on this through the CLI's exit code.
func (r *Report) HasFailures() bool {
	return r.Metrics.Failed > 0 || len(r.Failures) > 0
}

// Options tunes analysis. The zero value is usable.
type Options struct {
	// SlowestN caps the slowest-test list. Default 10.
	SlowestN int
}

const defaultSlowestN = 10

// testRecord accumulates state for one test across the stream. A test
// can terminate more than once when reruns or -count>1 are in play.
type testRecord struct {
	pkg      string
	name     string
	outcomes []string
	elapsed  float64
	output   strings.Builder
}

type pkgRecord struct {
	outcome string
	elapsed float64
	output  strings.Builder
}

// maxLineBytes bounds a single stream line. Race traces routinely
// exceed bufio.Scanner's default token size.
const maxLineBytes = 4 << 20

// Analyze consumes a `go test -json` stream and builds the report.
// The reader is drained; analysis is single-pass.
func Analyze(r io.Reader, opts Options) (*Report, error) {
	if opts.SlowestN <= 0 {
		opts.SlowestN = defaultSlowestN
	}

	tests := make(map[string]*testRecord)
	pkgs := make(map[string]*pkgRecord)
	var order []string

	var first, last time.Time
	unparsed := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev TestEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			unparsed++
			continue
		}

		if !ev.Time.IsZero() {
			if first.IsZero() || ev.Time.Before(first) {
				first = ev.Time
			}
			if ev.Time.After(last) {
				last = ev.Time
			}
		}

		if ev.Test == "" {
			applyPackageEvent(pkgs, ev)
			continue
		}

		key := ev.Package + "\x00" + ev.Test
		rec, ok := tests[key]
		if !ok {
			rec = &testRecord{pkg: ev.Package, name: ev.Test}
			tests[key] = rec
			order = append(order, key)
		}

		switch ev.Action {
		case "output":
			rec.output.WriteString(ev.Output)
		case "pass", "fail", "skip":
			rec.outcomes = append(rec.outcomes, ev.Action)
			rec.elapsed = ev.Elapsed
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading test stream: %w", err)
	}

	report := buildReport(tests, order, pkgs, opts)
	report.Metrics.UnparsedLines = unparsed
	if !first.IsZero() && last.After(first) {
		report.Metrics.ElapsedS = last.Sub(first).Seconds()
	}
	return report, nil
}

// AnalyzeString is Analyze over an in-memory stream. Convenience for
// tests and small inputs.
func AnalyzeString(stream string, opts Options) (*Report, error) {
	return Analyze(strings.NewReader(stream), opts)
}

func applyPackageEvent(pkgs map[string]*pkgRecord, ev TestEvent) {
	rec, ok := pkgs[ev.Package]
	if !ok {
		rec = &pkgRecord{}
		pkgs[ev.Package] = rec
	}
	switch ev.Action {
	case "output":
		rec.output.WriteString(ev.Output)
	case "pass", "fail", "skip":
		rec.outcome = ev.Action
		rec.elapsed = ev.Elapsed
	}
}

func buildReport(tests map[string]*testRecord, order []string, pkgs map[string]*pkgRecord, opts Options) *Report {
	report := &Report{}
	stats := make(map[string]*PackageStats)
	failedByPkg := make(map[string]int)
	var timings []TestTiming

	for _, key := range order {
		rec := tests[key]
		outcome, flaky := finalOutcome(rec.outcomes)
		if outcome == "" {
			// Interrupted stream: the test started but never finished.
			// Count nothing rather than guess.
			continue
		}

		ps := stats[rec.pkg]
		if ps == nil {
			ps = &PackageStats{Package: rec.pkg}
			stats[rec.pkg] = ps
		}
		ps.Total++
		report.Metrics.Total++

		switch outcome {
		case "pass":
			ps.Passed++
			report.Metrics.Passed++
		case "fail":
			ps.Failed++
			report.Metrics.Failed++
			failedByPkg[rec.pkg]++
			out := rec.output.String()
			report.Failures = append(report.Failures, Failure{
				Package:  rec.pkg,
				Test:     rec.name,
				Category: Categorize(out),
				ElapsedS: rec.elapsed,
				Output:   out,
			})
		case "skip":
			ps.Skipped++
			report.Metrics.Skipped++
		}

		if flaky {
			report.Metrics.Flaky = append(report.Metrics.Flaky, rec.pkg+"."+rec.name)
		}
		if rec.elapsed > 0 {
			timings = append(timings, TestTiming{Package: rec.pkg, Test: rec.name, ElapsedS: rec.elapsed})
		}
	}

	// A package that fails without a failing test is a build failure or
	// a crash outside any test function. Surface it as its own failure
	// so the category table still sees the output.
	for name, rec := range pkgs {
		ps := stats[name]
		if ps == nil {
			ps = &PackageStats{Package: name}
			stats[name] = ps
		}
		ps.ElapsedS = rec.elapsed
		if rec.outcome == "fail" && failedByPkg[name] == 0 {
			report.Metrics.Failed++
			ps.Failed++
			out := rec.output.String()
			report.Failures = append(report.Failures, Failure{
				Package:  name,
				Category: Categorize(out),
				ElapsedS: rec.elapsed,
				Output:   out,
			})
		}
	}

	for _, ps := range stats {
		report.Metrics.Packages = append(report.Metrics.Packages, *ps)
	}
	sort.Slice(report.Metrics.Packages, func(i, j int) bool {
		return report.Metrics.Packages[i].Package < report.Metrics.Packages[j].Package
	})

	sort.Slice(timings, func(i, j int) bool { return timings[i].ElapsedS > timings[j].ElapsedS })
	if len(timings) > opts.SlowestN {
		timings = timings[:opts.SlowestN]
	}
	report.Metrics.Slowest = timings

	sort.Strings(report.Metrics.Flaky)
	sort.Slice(report.Failures, func(i, j int) bool {
		if report.Failures[i].Package != report.Failures[j].Package {
			return report.Failures[i].Package < report.Failures[j].Package
		}
		return report.Failures[i].Test < report.Failures[j].Test
	})

	report.Races = collectRacePatterns(report.Failures)
	return report
}

// finalOutcome resolves a test's terminal actions. The last action
// wins; a fail followed later by a pass marks the test flaky.
func finalOutcome(outcomes []string) (outcome string, flaky bool) {
	if len(outcomes) == 0 {
		return "", false
	}
	failed := false
	for _, o := range outcomes {
		if o == "fail" {
			failed = true
		} else if o == "pass" && failed {
			flaky = true
		}
	}
	return outcomes[len(outcomes)-1], flaky
}
