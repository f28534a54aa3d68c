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

	"github.com/spf13/cobra"
)

func runConnectionsList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var list connList
	if err := newClientFromFlags().get(ctx, "/v1/connections", &list); err != nil {
		exitErr("listing connections: %v", err)
	}
	if list.Count == 0 {
		fmt.Println("no live connections")
		return
	}

	st := newStyles(colorEnabled())
	fmt.Printf("%-14s %-14s %-8s %-6s %-6s %9s %9s %6s %5s\n",
		"CONN", "USER", "STATE", "AGE", "SEEN", "MSGS-IN", "MSGS-OUT", "DROPS", "MISS")
	for _, c := range list.Connections {
		// Pad before styling so ANSI codes do not skew the columns.
		state := st.stateStyle(c.State).Render(fmt.Sprintf("%-8s", c.State))
		fmt.Printf("%-14s %-14s %s %-6s %-6s %9d %9d %6d %5d\n",
			shortID(c.ID),
			c.UserID,
			state,
			agoShort(c.ConnectedAt),
			agoShort(c.LastSeen),
			c.MessagesIn,
			c.MessagesOut,
			c.QueueDrops,
			c.MissedHeartbeats,
		)
	}
	fmt.Printf("\n%d connection(s)\n", list.Count)
}

func runConnectionsKick(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	id := args[0]
	var resp struct {
		Status string `json:"status"`
		ConnID string `json:"conn_id"`
	}
	if err := newClientFromFlags().del(ctx, "/v1/connections/"+id, &resp); err != nil {
		exitErr("kicking %s: %v", id, err)
	}
	fmt.Printf("connection %s kicked\n", resp.ConnID)
}
