// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRelay/pkg/triage"
)

// runTriage analyzes a `go test -json` stream from the named file, or
// stdin when no file (or "-") is given. Exits 1 when anything failed.
func runTriage(cmd *cobra.Command, args []string) {
	in := os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("opening %s: %v", args[0], err)
		}
		defer f.Close()
		in = f
	}

	report, err := triage.Analyze(in, triage.Options{SlowestN: triageSlowest})
	if err != nil {
		exitErr("triage failed: %v", err)
	}

	if triageJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			exitErr("encoding report: %v", err)
		}
	} else {
		triage.WriteText(os.Stdout, report)
	}

	if report.HasFailures() {
		os.Exit(1)
	}
}
