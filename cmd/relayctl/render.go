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
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// styles carries the CLI's lipgloss styles. With color disabled every
// style is an empty lipgloss style, which renders text unchanged.
type styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Good  lipgloss.Style
	Warn  lipgloss.Style
	Bad   lipgloss.Style
	Muted lipgloss.Style
}

func newStyles(colored bool) styles {
	plain := lipgloss.NewStyle()
	st := styles{
		Title: plain, Label: plain, Good: plain,
		Warn: plain, Bad: plain, Muted: plain,
	}
	if !colored {
		return st
	}
	st.Title = plain.Bold(true).Foreground(lipgloss.Color("39"))
	st.Label = plain.Foreground(lipgloss.Color("245"))
	st.Good = plain.Foreground(lipgloss.Color("42"))
	st.Warn = plain.Foreground(lipgloss.Color("214"))
	st.Bad = plain.Foreground(lipgloss.Color("196")).Bold(true)
	st.Muted = plain.Foreground(lipgloss.Color("241"))
	return st
}

// colorEnabled honors --no-color and falls back to TTY detection.
func colorEnabled() bool {
	if noColor {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// stateStyle picks the style for a breaker or connection state.
func (st styles) stateStyle(state string) lipgloss.Style {
	switch state {
	case "CLOSED", "active", "ok":
		return st.Good
	case "HALF_OPEN", "draining":
		return st.Warn
	case "OPEN", "closed":
		return st.Bad
	}
	return st.Muted
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// humanUptime renders seconds in the two largest relevant units.
func humanUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd%dh", d/(24*time.Hour), (d%(24*time.Hour))/time.Hour)
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// agoShort renders how long ago a timestamp was, in one unit.
func agoShort(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// shortID truncates a UUID for table display.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

// sparkline renders values as unicode block bars, most recent on the
// right, capped at width runes.
func sparkline(values []uint64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	bars := []rune("▁▂▃▄▅▆▇█")
	span := hi - lo
	var sb strings.Builder
	for _, v := range values {
		idx := 0
		if span > 0 {
			idx = int((v - lo) * uint64(len(bars)-1) / span)
		}
		sb.WriteRune(bars[idx])
	}
	return sb.String()
}
