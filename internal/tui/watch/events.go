package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/forkpool/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.WorkSettled, events.WorkerSpawned:
		typeStyle = theme.StatusOK
	case events.DeliveryFailed, events.ProtocolViolation:
		typeStyle = theme.StatusFailed
	case events.WorkerExited, events.WorkRetried:
		typeStyle = theme.StatusRunning
	case events.PoolStopped:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent renders the event payload as a short line.
func describeEvent(e events.Event) string {
	d := decodeEventData(e)

	var parts []string
	if d.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", d.PID))
	}
	switch {
	case d.ID != nil:
		parts = append(parts, fmt.Sprintf("#%d", *d.ID))
	case d.MsgID != nil && *d.MsgID >= 0:
		parts = append(parts, fmt.Sprintf("#%d", *d.MsgID))
	}
	if d.Kind != "" {
		parts = append(parts, d.Kind)
	}
	if d.Counter != nil {
		parts = append(parts, fmt.Sprintf("retry %d", *d.Counter))
	}
	if d.Outcome != "" {
		parts = append(parts, d.Outcome)
	}
	if e.Type == events.WorkerExited {
		if d.Signal != "" {
			parts = append(parts, "signal "+d.Signal)
		} else if d.ExitCode != nil {
			parts = append(parts, fmt.Sprintf("exit %d", *d.ExitCode))
		}
	}
	if d.Error != "" {
		parts = append(parts, d.Error)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
