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
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// topRefresh is the dashboard's polling cadence.
const topRefresh = time.Second

type topTickMsg time.Time

// topDataMsg is one completed poll of the admin API.
type topDataMsg struct {
	health   healthInfo
	snap     memSnapshot
	history  []memSnapshot
	conns    []connInfo
	breakers []breakerInfo
	err      error
}

// topModel is the bubbletea model behind `relayctl top`. Data flows in
// through topDataMsg; a topTickMsg schedules the next poll.
type topModel struct {
	client *adminClient
	st     styles

	table    table.Model
	health   healthInfo
	snap     memSnapshot
	history  []memSnapshot
	breakers []breakerInfo

	err        error
	haveData   bool
	lastUpdate time.Time
	width      int
}

func newTopModel(client *adminClient, st styles, colored bool) topModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "CONN", Width: 14},
			{Title: "USER", Width: 14},
			{Title: "STATE", Width: 8},
			{Title: "AGE", Width: 6},
			{Title: "SEEN", Width: 6},
			{Title: "IN", Width: 8},
			{Title: "OUT", Width: 8},
			{Title: "DROPS", Width: 6},
			{Title: "MISS", Width: 5},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	ts := table.DefaultStyles()
	if colored {
		ts.Header = ts.Header.
			Bold(true).
			Foreground(lipgloss.Color("39")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))
		ts.Selected = ts.Selected.
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	} else {
		ts.Selected = lipgloss.NewStyle()
	}
	t.SetStyles(ts)

	return topModel{client: client, st: st, table: t}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), topTick())
}

func topTick() tea.Cmd {
	return tea.Tick(topRefresh, func(t time.Time) tea.Msg { return topTickMsg(t) })
}

// fetch polls the admin API off the event loop. History and breakers
// are best-effort; health, snapshot, and connections decide the error
// state.
func (m topModel) fetch() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 900*time.Millisecond)
		defer cancel()

		var msg topDataMsg
		if err := client.get(ctx, "/health", &msg.health, http.StatusServiceUnavailable); err != nil {
			msg.err = err
			return msg
		}
		if err := client.get(ctx, "/v1/memory/snapshot", &msg.snap); err != nil {
			msg.err = err
			return msg
		}
		var conns connList
		if err := client.get(ctx, "/v1/connections", &conns); err != nil {
			msg.err = err
			return msg
		}
		msg.conns = conns.Connections

		var hist memHistory
		if client.get(ctx, "/v1/memory/history", &hist) == nil {
			msg.history = hist.Snapshots
		}
		var brs breakerList
		if client.get(ctx, "/v1/breakers", &brs) == nil {
			msg.breakers = brs.Breakers
		}
		return msg
	}
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetWidth(msg.Width - 2)
		m.table.SetHeight(msg.Height - 9)

	case topTickMsg:
		return m, tea.Batch(m.fetch(), topTick())

	case topDataMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.haveData = true
		m.health = msg.health
		m.snap = msg.snap
		m.history = msg.history
		m.breakers = msg.breakers
		m.lastUpdate = time.Now()

		rows := make([]table.Row, 0, len(msg.conns))
		for _, c := range msg.conns {
			rows = append(rows, table.Row{
				shortID(c.ID),
				c.UserID,
				c.State,
				agoShort(c.ConnectedAt),
				agoShort(c.LastSeen),
				fmt.Sprintf("%d", c.MessagesIn),
				fmt.Sprintf("%d", c.MessagesOut),
				fmt.Sprintf("%d", c.QueueDrops),
				fmt.Sprintf("%d", c.MissedHeartbeats),
			})
		}
		m.table.SetRows(rows)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m topModel) View() string {
	var b strings.Builder

	b.WriteString(m.st.Title.Render("aleutian relay"))
	b.WriteString("  ")
	b.WriteString(m.st.Muted.Render(m.client.base))
	b.WriteString("\n\n")

	if !m.haveData {
		if m.err != nil {
			b.WriteString(m.st.Bad.Render(fmt.Sprintf("unreachable: %v", m.err)))
			b.WriteString("\n")
		} else {
			b.WriteString("connecting...\n")
		}
		b.WriteString("\n")
		b.WriteString(m.st.Muted.Render("q quit"))
		return b.String()
	}

	fmt.Fprintf(&b, "status %s   uptime %s   %d conns   %d sessions\n",
		m.st.stateStyle(m.health.Status).Render(m.health.Status),
		humanUptime(m.health.UptimeS),
		m.health.Connections,
		m.health.Sessions,
	)

	heapValues := make([]uint64, 0, len(m.history))
	for _, s := range m.history {
		heapValues = append(heapValues, s.HeapAllocBytes)
	}
	fmt.Fprintf(&b, "heap %s %s   %d goroutines   %d pending   gc %d\n",
		humanBytes(m.snap.HeapAllocBytes),
		m.st.Muted.Render(sparkline(heapValues, 24)),
		m.snap.Goroutines,
		m.snap.DispatchPending,
		m.snap.NumGC,
	)

	if len(m.breakers) > 0 {
		parts := make([]string, 0, len(m.breakers))
		for _, br := range m.breakers {
			parts = append(parts, br.Name+"="+m.st.stateStyle(br.State).Render(br.State))
		}
		fmt.Fprintf(&b, "breakers %s\n", strings.Join(parts, "  "))
	}

	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")

	footer := fmt.Sprintf("q quit   refreshed %s", m.lastUpdate.Format("15:04:05"))
	if m.err != nil {
		footer = fmt.Sprintf("poll failed: %v (showing stale data)", m.err)
		b.WriteString(m.st.Bad.Render(footer))
	} else {
		b.WriteString(m.st.Muted.Render(footer))
	}
	return b.String()
}

func runTop(cmd *cobra.Command, args []string) {
	colored := colorEnabled()
	m := newTopModel(newClientFromFlags(), newStyles(colored), colored)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		exitErr("dashboard failed: %v", err)
	}
}
