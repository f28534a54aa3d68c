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
	"fmt"
	"io"
	"strings"
)

// failureTailLines caps how much of a failure's output the text report
// repeats. The JSON report carries the full output.
const failureTailLines = 15

// WriteText renders the report as a terminal-friendly plain text
// summary. Empty sections are omitted.
func WriteText(w io.Writer, r *Report) {
	m := r.Metrics
	fmt.Fprintf(w, "test triage: %d total, %d passed, %d failed, %d skipped in %.1fs\n",
		m.Total, m.Passed, m.Failed, m.Skipped, m.ElapsedS)
	if m.UnparsedLines > 0 {
		fmt.Fprintf(w, "(%d input lines were not valid JSON and were skipped)\n", m.UnparsedLines)
	}

	if len(m.Packages) > 0 {
		fmt.Fprintf(w, "\nPACKAGES\n")
		width := 0
		for _, p := range m.Packages {
			if len(p.Package) > width {
				width = len(p.Package)
			}
		}
		for _, p := range m.Packages {
			status := fmt.Sprintf("%d/%d passed", p.Passed, p.Total)
			if p.Failed > 0 {
				status = fmt.Sprintf("%d/%d passed, %d FAILED", p.Passed, p.Total, p.Failed)
			}
			if p.Skipped > 0 {
				status += fmt.Sprintf(", %d skipped", p.Skipped)
			}
			if p.Total == 0 {
				status = "no tests"
			}
			fmt.Fprintf(w, "  %-*s  %s (%.1fs)\n", width, p.Package, status, p.ElapsedS)
		}
	}

	if len(m.Slowest) > 0 {
		fmt.Fprintf(w, "\nSLOWEST TESTS\n")
		for _, t := range m.Slowest {
			fmt.Fprintf(w, "  %7.2fs  %s.%s\n", t.ElapsedS, t.Package, t.Test)
		}
	}

	if len(m.Flaky) > 0 {
		fmt.Fprintf(w, "\nFLAKY (failed, then passed on rerun)\n")
		for _, name := range m.Flaky {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "\nFAILURES\n")
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  [%s] %s (%.2fs)\n", f.Category, f.Name(), f.ElapsedS)
			writeTail(w, f.Output)
		}
	}

	if len(r.Races) > 0 {
		fmt.Fprintf(w, "\nRACE PATTERNS\n")
		for _, p := range r.Races {
			fmt.Fprintf(w, "  %dx  %-5s %s\n", p.Count, p.First.Kind, p.First.Frame)
			fmt.Fprintf(w, "      %-5s %s\n", p.Second.Kind, p.Second.Frame)
			if len(p.Tests) > 0 {
				fmt.Fprintf(w, "      in: %s\n", strings.Join(p.Tests, ", "))
			}
		}
	}
}

// writeTail prints the last lines of a failure's output, indented.
func writeTail(w io.Writer, output string) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return
	}
	if len(lines) > failureTailLines {
		fmt.Fprintf(w, "      (... %d lines omitted)\n", len(lines)-failureTailLines)
		lines = lines[len(lines)-failureTailLines:]
	}
	for _, line := range lines {
		fmt.Fprintf(w, "      %s\n", strings.TrimRight(line, "\n"))
	}
}
