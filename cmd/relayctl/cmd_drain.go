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
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

// runDrain puts the gateway into drain mode. Draining is one-way:
// the server stops accepting connections and closes the rest after the
// grace period, and only a restart brings it back. Hence the prompt.
func runDrain(cmd *cobra.Command, args []string) {
	client := newClientFromFlags()

	if !drainYes {
		confirmed := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("Drain the relay at %s?", client.base)).
			Description("Clients get a draining notice, then every connection is closed after the grace period. There is no undo; restart the relay to accept traffic again.").
			Affirmative("Drain").
			Negative("Cancel").
			Value(&confirmed).
			Run()
		if err != nil {
			exitErr("drain aborted: %v", err)
		}
		if !confirmed {
			fmt.Println("drain cancelled")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	body := struct {
		GraceMs int64 `json:"grace_ms,omitempty"`
	}{}
	if drainGrace > 0 {
		body.GraceMs = drainGrace.Milliseconds()
	}

	var resp drainResponse
	if err := client.post(ctx, "/v1/drain", body, &resp); err != nil {
		exitErr("drain failed: %v", err)
	}
	fmt.Printf("draining: %d client(s) notified, close sweep in %s\n",
		resp.Notified, time.Duration(resp.GraceMs)*time.Millisecond)
}
