package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	var logLevel, logFormat string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run as a pool worker on stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries protocol frames.
			log.SetupWriter(logLevel, logFormat, os.Stderr)

			// The coordinator owns shutdown; a terminal Ctrl+C reaches the
			// whole process group and must not kill workers mid-request.
			signal.Ignore(syscall.SIGINT)

			code := worker.Main(context.Background(), os.Stdin, os.Stdout, demoHandlers())
			if code != worker.ExitCodeGraceful {
				return &exitError{code: code, err: fmt.Errorf("worker exited with code %d", code)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "worker log level")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "worker log format (json, text)")
	return cmd
}

// workPayload is what the bundled worker understands. Unknown payloads are
// treated as no-ops.
type workPayload struct {
	SleepMS int `json:"sleep_ms,omitempty"`
	// FailAttempts makes the first N attempts answer Error.
	FailAttempts int `json:"fail_attempts,omitempty"`
	// Spawn is announced as new work before the request is answered.
	Spawn []json.RawMessage `json:"spawn,omitempty"`
}

func parsePayload(raw json.RawMessage) workPayload {
	var p workPayload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func demoHandlers() worker.Handlers {
	h := worker.DefaultHandlers()
	h.Work = func(ctx context.Context, m protocol.Work, n worker.Notifier) (protocol.WorkerMessage, error) {
		return attempt(ctx, m.ID, 0, m.Payload, n)
	}
	h.Retry = func(ctx context.Context, m protocol.Retry, n worker.Notifier) (protocol.WorkerMessage, error) {
		return attempt(ctx, m.ID, m.RetryCounter, m.Payload, n)
	}
	return h
}

func attempt(ctx context.Context, id int64, counter int, raw json.RawMessage, n worker.Notifier) (protocol.WorkerMessage, error) {
	p := parsePayload(raw)
	if p.SleepMS > 0 {
		select {
		case <-time.After(time.Duration(p.SleepMS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if counter < p.FailAttempts {
		return protocol.Error{ID: id, Message: fmt.Sprintf("attempt %d failed", counter+1)}, nil
	}
	if len(p.Spawn) > 0 {
		if err := n.NewWork(p.Spawn...); err != nil {
			return nil, err
		}
	}
	return protocol.Done{ID: id}, nil
}
