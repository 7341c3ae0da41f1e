package pad

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/jogd/internal/events"
)

const maxEventLog = 50

func renderEventLog(eventLog []events.Event, theme Theme) string {
	if len(eventLog) == 0 {
		return theme.Dim.Render("  Waiting for events...")
	}
	lines := make([]string, 0, len(eventLog))
	for _, e := range eventLog {
		lines = append(lines, formatEvent(e, theme))
	}
	return strings.Join(lines, "\n")
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.CommandSent:
		typeStyle = theme.StatusOK
	case events.CommandFailed, events.DispatcherDead, events.CommandDiscarded:
		typeStyle = theme.StatusFailed
	case events.CommandPreempted:
		typeStyle = theme.Highlight
	case events.CommandSubmitted:
		typeStyle = theme.StatusRunning
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent pulls a one-line summary out of the event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if id, ok := data["id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if cmd, ok := data["command"].(string); ok {
		parts = append(parts, cmd)
	}
	if by, ok := data["submitted_by"].(string); ok && by != "" {
		parts = append(parts, "by "+by)
	}
	if discarded, ok := data["discarded"].([]any); ok {
		parts = append(parts, fmt.Sprintf("discarded %d", len(discarded)))
	}
	if ids, ok := data["ids"].([]any); ok {
		parts = append(parts, fmt.Sprintf("%d dropped", len(ids)))
	}
	if ms, ok := data["latency_ms"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%dms", int64(ms)))
	}
	if msg, ok := data["error"].(string); ok {
		parts = append(parts, msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
