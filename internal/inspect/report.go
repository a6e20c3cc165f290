// Package inspect renders journal runs for humans and machines.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/forkpool/internal/journal"
)

// Report is the structured JSON representation of one run.
type Report struct {
	Run      journal.RunSummary     `json:"run"`
	Duration string                 `json:"duration,omitempty"`
	Workers  []Worker               `json:"workers"`
	Messages []journal.MessageCount `json:"messages"`
}

// Worker is one worker process with its message totals.
type Worker struct {
	journal.WorkerRecord
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
	Outcome  string `json:"outcome"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, store *journal.Store, runID string) (string, error) {
	report, err := gatherReportData(ctx, store, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.Run.ID)
	fmt.Fprintf(&out, "Started     : %s\n", report.Run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Duration    : %s\n", renderUnset(report.Duration, "<running>"))
	fmt.Fprintf(&out, "Config hash : %s\n", renderUnset(shortHash(report.Run.ConfigHash), "<defaults>"))
	fmt.Fprintf(&out, "Workers     : %d (%d exited, %d abnormal)\n", report.Run.Workers, report.Run.Exited, report.Run.Abnormal)
	fmt.Fprintf(&out, "\n")

	tw := tabwriter.NewWriter(&out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tSENT\tRECEIVED\tOUTCOME")
	for _, w := range report.Workers {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", w.PID, w.Sent, w.Received, w.Outcome)
	}
	_ = tw.Flush()

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, store *journal.Store, runID string) (string, error) {
	report, err := gatherReportData(ctx, store, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, store *journal.Store, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := store.Workers(ctx, runID)
	if err != nil {
		return nil, err
	}
	counts, err := store.MessageCounts(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Run:      *run,
		Workers:  make([]Worker, 0, len(records)),
		Messages: counts,
	}
	if run.StoppedAt != nil {
		report.Duration = run.StoppedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}

	for _, rec := range records {
		w := Worker{WorkerRecord: rec, Outcome: outcome(rec)}
		for _, c := range counts {
			if c.PID != rec.PID {
				continue
			}
			switch c.Direction {
			case journal.DirectionOut:
				w.Sent += c.Count
			case journal.DirectionIn:
				w.Received += c.Count
			}
		}
		report.Workers = append(report.Workers, w)
	}
	return report, nil
}

func outcome(rec journal.WorkerRecord) string {
	switch {
	case rec.ExitedAt == nil:
		return "running"
	case rec.Signal != "":
		return "signal " + rec.Signal
	case rec.ExitCode != nil && *rec.ExitCode == 0:
		return "exit 0"
	case rec.ExitCode != nil:
		return fmt.Sprintf("exit %d", *rec.ExitCode)
	default:
		return "exited"
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
