package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/forkpool/internal/dispatch"
)

// HealthState tracks pool health from /healthz and /workers polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Workers       int
	Stats         dispatch.Stats
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("RUNNING")
	statusIcon := "✅"
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	case health.Status == "draining":
		statusText = theme.StatusRunning.Render("DRAINING")
		statusIcon = "⏳"
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render(strings.ToUpper(health.Status))
		statusIcon = "⚠️"
	}

	uptimeStr := formatDuration(time.Duration(health.UptimeSeconds) * time.Second)

	lastEventStr := "never"
	if !pulse.LastEvent().IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", now.Sub(pulse.LastEvent()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" FORKPOOL WATCH %s", tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	st := health.Stats
	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Workers: %d  Sent: %d  Recv: %d  Outstanding: %d",
		statusIcon, statusText,
		uptimeStr,
		health.Workers,
		st.Sent,
		st.Received,
		st.Outstanding,
	)

	faults := fmt.Sprintf("Failures: %d  Violations: %d  Panics: %d",
		st.DeliveryFailures, st.ProtocolViolations, st.HandlerPanics)
	if st.DeliveryFailures+st.ProtocolViolations+st.HandlerPanics > 0 {
		faults = theme.StatusFailed.Render(faults)
	} else {
		faults = theme.Dim.Render(faults)
	}

	activityLine := fmt.Sprintf(" Last event: %s %s  %s", lastEventStr, pulse.Render(theme), faults)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
