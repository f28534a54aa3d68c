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
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// runStatus renders /health plus the latest memory snapshot. A
// draining gateway answers 503 on /health but still reports, so that
// status is allowed through.
func runStatus(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client := newClientFromFlags()

	var health healthInfo
	if err := client.get(ctx, "/health", &health, http.StatusServiceUnavailable); err != nil {
		exitErr("relay unreachable at %s: %v", client.base, err)
	}

	var snap memSnapshot
	snapErr := client.get(ctx, "/v1/memory/snapshot", &snap)

	st := newStyles(colorEnabled())
	fmt.Printf("%s  %s\n", st.Title.Render("aleutian relay"), st.Muted.Render(client.base))
	fmt.Printf("  %s  %s\n", st.Label.Render("status     "), st.stateStyle(health.Status).Render(health.Status))
	fmt.Printf("  %s  %s\n", st.Label.Render("uptime     "), humanUptime(health.UptimeS))
	fmt.Printf("  %s  %d\n", st.Label.Render("connections"), health.Connections)
	fmt.Printf("  %s  %d\n", st.Label.Render("sessions   "), health.Sessions)

	if snapErr != nil {
		fmt.Fprintf(os.Stderr, "\nmemory snapshot unavailable: %v\n", snapErr)
		return
	}

	fmt.Printf("\n%s\n", st.Title.Render("memory"))
	fmt.Printf("  %s  %s (sys %s)\n", st.Label.Render("heap       "),
		humanBytes(snap.HeapAllocBytes), humanBytes(snap.HeapSysBytes))
	fmt.Printf("  %s  %d\n", st.Label.Render("goroutines "), snap.Goroutines)
	fmt.Printf("  %s  %d pending\n", st.Label.Render("dispatch   "), snap.DispatchPending)
	fmt.Printf("  %s  %d\n", st.Label.Render("gc cycles  "), snap.NumGC)
	if !snap.TakenAt.IsZero() {
		fmt.Printf("  %s  %s ago\n", st.Label.Render("sampled    "),
			time.Since(snap.TakenAt).Round(time.Second))
	}
}
