// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/passenger/lib/apppool"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	groupStyle   = lipgloss.NewStyle().Bold(true)
	columnStyle  = lipgloss.NewStyle().PaddingRight(2)
	spawnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

var workerColumns = []string{"PID", "Sessions", "Processed", "Uptime", "Idle", "GUPID"}

// renderSnapshot formats a pool snapshot as a summary followed by one
// worker table per group.
func renderSnapshot(snapshot apppool.Snapshot, now time.Time) string {
	var out strings.Builder

	out.WriteString(headingStyle.Render("----------- General information -----------"))
	out.WriteString("\n")
	summary := [][2]string{
		{"max", strconv.Itoa(snapshot.Max)},
		{"count", strconv.Itoa(snapshot.Count)},
		{"active", strconv.Itoa(snapshot.Active)},
		{"inactive", strconv.Itoa(snapshot.Inactive)},
		{"Waiting on global queue", strconv.Itoa(snapshot.WaitingOnGlobalQueue)},
	}
	if snapshot.MaxPerApp > 0 {
		summary = append(summary, [2]string{"max per app", strconv.Itoa(snapshot.MaxPerApp)})
	}
	for _, row := range summary {
		fmt.Fprintf(&out, "%s %s\n", labelStyle.Render(row[0]+" ="), row[1])
	}
	out.WriteString("\n")

	out.WriteString(headingStyle.Render("----------- Application groups -----------"))
	out.WriteString("\n")
	if len(snapshot.Groups) == 0 {
		out.WriteString(labelStyle.Render("(none)"))
		out.WriteString("\n")
	}
	for _, group := range snapshot.Groups {
		title := groupStyle.Render(group.Name + ":")
		if group.Spawning {
			title += " " + spawnStyle.Render("(spawning)")
		}
		out.WriteString(title)
		out.WriteString("\n")
		if group.AppRoot != group.Name {
			fmt.Fprintf(&out, "  %s %s\n", labelStyle.Render("App root:"), group.AppRoot)
		}
		out.WriteString(indent(workerTable(group.Workers, now), "  "))
		out.WriteString("\n")
	}
	return out.String()
}

func workerTable(workers []apppool.WorkerSnapshot, now time.Time) string {
	rows := [][]string{workerColumns}
	for _, worker := range workers {
		rows = append(rows, []string{
			strconv.Itoa(worker.PID),
			strconv.Itoa(worker.Sessions),
			strconv.FormatUint(worker.Processed, 10),
			formatAge(now.Sub(worker.StartedAt)),
			formatAge(now.Sub(worker.LastUsed)),
			worker.GUPID,
		})
	}

	columns := make([]string, len(workerColumns))
	for column := range workerColumns {
		cells := make([]string, len(rows))
		for i, row := range rows {
			cell := row[column]
			if i == 0 {
				cell = labelStyle.Render(cell)
			}
			cells[i] = cell
		}
		style := columnStyle
		if column == len(workerColumns)-1 {
			style = lipgloss.NewStyle()
		}
		columns[column] = style.Render(lipgloss.JoinVertical(lipgloss.Left, cells...))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, columns...)
}

// formatAge renders d like "1h 2m 3s", rounded to seconds.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	seconds := int(d % time.Minute / time.Second)
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
