package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/forkpool/internal/dispatch"
	"github.com/mattjoyce/forkpool/internal/events"
)

// WorkerRow is the watch's view of one worker process. It is seeded from
// /workers and kept current by events between polls.
type WorkerRow struct {
	PID         int
	State       string
	SpawnedAt   time.Time
	ExitCode    *int
	Signal      string
	Outstanding int
	Settled     int
	Failed      int
}

func rowFromInfo(info dispatch.WorkerInfo, prev *WorkerRow) *WorkerRow {
	row := &WorkerRow{
		PID:         info.PID,
		State:       info.State.String(),
		SpawnedAt:   info.SpawnedAt,
		Outstanding: info.Outstanding,
	}
	if info.ExitStatus != nil {
		code := info.ExitStatus.Code
		row.ExitCode = &code
		row.Signal = info.ExitStatus.Signal
	}
	if prev != nil {
		row.Settled = prev.Settled
		row.Failed = prev.Failed
	}
	return row
}

// eventData is the union of fields carried by pool events.
type eventData struct {
	PID      int    `json:"pid"`
	ID       *int64 `json:"id"`
	MsgID    *int64 `json:"msg_id"`
	Kind     string `json:"kind"`
	ExitCode *int   `json:"exit_code"`
	Signal   string `json:"signal"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error"`
	Counter  *int   `json:"retry_counter"`
}

func decodeEventData(e events.Event) eventData {
	var d eventData
	_ = json.Unmarshal(e.Data, &d)
	return d
}

// applyEvent updates worker rows from one event.
func applyEvent(workers map[int]*WorkerRow, e events.Event) {
	d := decodeEventData(e)
	if d.PID == 0 {
		return
	}
	row, ok := workers[d.PID]
	if !ok {
		row = &WorkerRow{PID: d.PID, State: "active", SpawnedAt: e.At}
		workers[d.PID] = row
	}

	switch e.Type {
	case events.WorkerExited:
		row.State = "terminated"
		row.ExitCode = d.ExitCode
		row.Signal = d.Signal
		row.Outstanding = 0
	case events.WorkSubmitted, events.WorkRetried:
		row.Outstanding++
	case events.WorkSettled:
		if row.Outstanding > 0 {
			row.Outstanding--
		}
		if d.Outcome == "error" {
			row.Failed++
		} else {
			row.Settled++
		}
	}
}

func sortedRows(workers map[int]*WorkerRow) []*WorkerRow {
	rows := make([]*WorkerRow, 0, len(workers))
	for _, w := range workers {
		rows = append(rows, w)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PID < rows[j].PID })
	return rows
}

func workerColumns() []table.Column {
	return []table.Column{
		{Title: "PID", Width: 8},
		{Title: "STATE", Width: 11},
		{Title: "UP", Width: 9},
		{Title: "OUT", Width: 5},
		{Title: "DONE", Width: 6},
		{Title: "ERR", Width: 5},
		{Title: "EXIT", Width: 10},
	}
}

func tableRows(rows []*WorkerRow, now time.Time) []table.Row {
	out := make([]table.Row, 0, len(rows))
	for _, w := range rows {
		up := "-"
		if !w.SpawnedAt.IsZero() && w.State != "terminated" {
			up = formatDuration(now.Sub(w.SpawnedAt))
		}
		out = append(out, table.Row{
			fmt.Sprintf("%d", w.PID),
			w.State,
			up,
			fmt.Sprintf("%d", w.Outstanding),
			fmt.Sprintf("%d", w.Settled),
			fmt.Sprintf("%d", w.Failed),
			exitText(w),
		})
	}
	return out
}

func exitText(w *WorkerRow) string {
	switch {
	case w.Signal != "":
		return w.Signal
	case w.ExitCode != nil:
		return fmt.Sprintf("code %d", *w.ExitCode)
	default:
		return ""
	}
}

func newWorkerTable(theme Theme) table.Model {
	t := table.New(
		table.WithColumns(workerColumns()),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Foreground(theme.Header.GetForeground()).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(s)
	return t
}

func renderWorkers(t table.Model, rows []*WorkerRow, theme Theme, width int) string {
	counts := map[string]int{}
	for _, w := range rows {
		counts[w.State]++
	}
	summary := fmt.Sprintf("  %s  %s  %s",
		theme.stateStyle("active").Render(fmt.Sprintf("active %d", counts["active"])),
		theme.stateStyle("exiting").Render(fmt.Sprintf("exiting %d", counts["exiting"])),
		theme.stateStyle("terminated").Render(fmt.Sprintf("terminated %d", counts["terminated"])),
	)

	var body string
	if len(rows) == 0 {
		body = theme.Dim.Render("  No workers yet...")
	} else {
		body = t.View()
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("WORKERS")+summary,
		body,
	)
	return theme.Border.Width(width - 4).Render(content)
}
