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

func runBreakersList(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var list breakerList
	if err := newClientFromFlags().get(ctx, "/v1/breakers", &list); err != nil {
		exitErr("listing breakers: %v", err)
	}
	if len(list.Breakers) == 0 {
		fmt.Println("no breakers registered")
		return
	}

	st := newStyles(colorEnabled())
	fmt.Printf("%-28s %-9s %8s %8s %s\n", "NAME", "STATE", "FAILS", "OKS", "LAST FAILURE")
	for _, b := range list.Breakers {
		state := st.stateStyle(b.State).Render(fmt.Sprintf("%-9s", b.State))
		last := "-"
		if !b.LastFailure.IsZero() {
			last = agoShort(b.LastFailure) + " ago"
		}
		fmt.Printf("%-28s %s %8d %8d %s\n", b.Name, state, b.Failures, b.Successes, last)
	}
}

func runBreakersReset(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	name := args[0]
	var resp struct {
		Status  string `json:"status"`
		Breaker string `json:"breaker"`
	}
	if err := newClientFromFlags().post(ctx, "/v1/breakers/"+name+"/reset", nil, &resp); err != nil {
		exitErr("resetting %s: %v", name, err)
	}
	fmt.Printf("breaker %s reset to closed\n", resp.Breaker)
}
