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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	relayAddr  string
	relayToken string
	noColor    bool

	drainYes   bool
	drainGrace time.Duration

	triageJSON    bool
	triageSlowest int

	rootCmd = &cobra.Command{
		Use:   "relayctl",
		Short: "Operate a running Aleutian Relay gateway",
		Long: `relayctl talks to the relay's admin API: health and memory
inspection, connection management, circuit breaker control, draining,
a live dashboard, and test-suite triage.`,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show gateway health and the latest memory snapshot",
		Run:   runStatus, // Defined in cmd_status.go
	}

	// --- Connections ---
	connectionsCmd = &cobra.Command{
		Use:     "connections",
		Short:   "Inspect and manage live WebSocket connections",
		Aliases: []string{"conns"},
	}
	connectionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List live connections, oldest first",
		Run:   runConnectionsList, // Defined in cmd_connections.go
	}
	connectionsKickCmd = &cobra.Command{
		Use:   "kick [conn_id]",
		Short: "Force-close one connection",
		Args:  cobra.ExactArgs(1),
		Run:   runConnectionsKick, // Defined in cmd_connections.go
	}

	// --- Breakers ---
	breakersCmd = &cobra.Command{
		Use:   "breakers",
		Short: "Inspect and reset circuit breakers",
	}
	breakersListCmd = &cobra.Command{
		Use:   "list",
		Short: "List breakers with state and counters",
		Run:   runBreakersList, // Defined in cmd_breakers.go
	}
	breakersResetCmd = &cobra.Command{
		Use:   "reset [name]",
		Short: "Flip one breaker back to closed",
		Args:  cobra.ExactArgs(1),
		Run:   runBreakersReset, // Defined in cmd_breakers.go
	}

	drainCmd = &cobra.Command{
		Use:   "drain",
		Short: "Put the gateway into drain mode (no undo; restart to recover)",
		Run:   runDrain, // Defined in cmd_drain.go
	}

	topCmd = &cobra.Command{
		Use:   "top",
		Short: "Live dashboard: connections, memory, breakers",
		Run:   runTop, // Defined in cmd_top.go
	}

	triageCmd = &cobra.Command{
		Use:   "triage [file]",
		Short: "Summarize and categorize a 'go test -json' stream",
		Long: `Reads a 'go test -json' event stream from a file or stdin and
prints totals, per-package rollups, the slowest tests, flaky tests,
categorized failures, and deduplicated data-race patterns. Exits 1
when anything failed, so CI can gate on it.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runTriage, // Defined in cmd_triage.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&relayAddr, "addr", defaultAddr(),
		"Base URL of the relay admin API (env RELAY_ADDR)")
	rootCmd.PersistentFlags().StringVar(&relayToken, "token", os.Getenv("RELAY_TOKEN"),
		"Bearer token for the admin API (env RELAY_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable colored output")

	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(connectionsCmd)
	connectionsCmd.AddCommand(connectionsListCmd)
	connectionsCmd.AddCommand(connectionsKickCmd)

	rootCmd.AddCommand(breakersCmd)
	breakersCmd.AddCommand(breakersListCmd)
	breakersCmd.AddCommand(breakersResetCmd)

	rootCmd.AddCommand(drainCmd)
	drainCmd.Flags().BoolVarP(&drainYes, "yes", "y", false, "Skip the confirmation prompt")
	drainCmd.Flags().DurationVar(&drainGrace, "grace", 0,
		"Override the server's grace period between notice and close sweep")

	rootCmd.AddCommand(topCmd)

	rootCmd.AddCommand(triageCmd)
	triageCmd.Flags().BoolVar(&triageJSON, "json", false, "Emit the report as JSON")
	triageCmd.Flags().IntVar(&triageSlowest, "slowest", 10, "How many slowest tests to list")
}

func defaultAddr() string {
	if addr := os.Getenv("RELAY_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8090"
}

func newClientFromFlags() *adminClient {
	return newAdminClient(relayAddr, relayToken)
}

// exitErr prints to stderr and exits non-zero.
func exitErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
