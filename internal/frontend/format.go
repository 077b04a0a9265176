package frontend

import (
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/storyloom/internal/jobs"
)

const shortIDLen = 8

// ShortID abbreviates a job id for display.
func ShortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

// Footer renders the job counts shown under every reply.
func Footer(stats jobs.Stats) string {
	if stats.Total() == 0 {
		return "Sub-agents · idle"
	}
	counts := stats.Counts()
	parts := make([]string, 0, len(jobs.Statuses()))
	for _, status := range jobs.Statuses() {
		parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
	}
	return "Sub-agents · " + strings.Join(parts, " · ")
}

// FormatJob renders one status line.
func FormatJob(snap jobs.Snapshot) string {
	line := fmt.Sprintf("%s %-10s %-9s %s", ShortID(snap.ID), snap.Role, snap.Status, snap.CommandText)
	if snap.Terminal() {
		line += fmt.Sprintf(" (%s)", snap.Elapsed().Round(time.Millisecond))
	}
	if snap.Error != "" {
		line += " · " + snap.Error
	}
	return line
}

// FormatEvent renders a live notification for a job event.
func FormatEvent(evt jobs.Event) string {
	snap := evt.Job
	name := snap.RoleName
	if name == "" {
		name = snap.Role
	}
	line := fmt.Sprintf("[%s] job %s %s: %s", name, ShortID(snap.ID), evt.Type, snap.CommandText)
	switch evt.Type {
	case jobs.EventFailed:
		if snap.Error != "" {
			line += " · " + snap.Error
		}
	case jobs.EventSucceeded:
		if snap.LogPath != "" {
			line += " · log " + snap.LogPath
		}
	}
	return line
}
