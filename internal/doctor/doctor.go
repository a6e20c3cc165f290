// Package doctor validates forkpool configuration and checks that a worker
// can actually be spawned and answer a request.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/dispatch"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

// DefaultSmokeTimeout bounds the spawn smoke test.
const DefaultSmokeTimeout = 10 * time.Second

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config. When a spawner is set it also runs a
// one-worker smoke test.
type Doctor struct {
	cfg          *config.Config
	spawner      dispatch.Spawner
	SmokeTimeout time.Duration
}

// New creates a Doctor. spawner may be nil to skip the smoke test.
func New(cfg *config.Config, spawner dispatch.Spawner) *Doctor {
	return &Doctor{cfg: cfg, spawner: spawner, SmokeTimeout: DefaultSmokeTimeout}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.warnWorkerCount(r)
	d.warnAPIExposure(r)
	d.warnJournalPath(r)
	if len(r.Errors) == 0 {
		d.checkSpawn(ctx, r)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports every config validation failure.
func (d *Doctor) validateConfig(r *Result) {
	for _, problem := range config.Problems(d.cfg) {
		field, _, _ := strings.Cut(problem, " ")
		field = strings.TrimSuffix(field, ":")
		d.addError(r, "config", field, problem)
	}
}

// warnWorkerCount flags pools much larger than the machine.
func (d *Doctor) warnWorkerCount(r *Result) {
	n := d.cfg.EffectiveWorkers()
	if n > 4*runtime.NumCPU() {
		d.addWarning(r, "pool", "pool.workers",
			fmt.Sprintf("%d workers on %d CPUs; expect heavy contention", n, runtime.NumCPU()))
	}
	if d.cfg.Pool.ShutdownGrace == 0 {
		d.addWarning(r, "pool", "pool.shutdown_grace",
			"shutdown_grace is 0; workers are killed as soon as shutdown starts")
	}
}

// warnAPIExposure warns when the API listens beyond loopback without a key.
func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.APIKey != "" {
		return
	}
	d.addWarning(r, "api", "api.api_key", "API enabled but no authentication configured")

	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("unauthenticated API listens on non-loopback address %q", d.cfg.API.Listen))
	}
}

// warnJournalPath checks that the journal directory exists or can be created.
func (d *Doctor) warnJournalPath(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	dir := filepath.Dir(d.cfg.Journal.Path)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		d.addWarning(r, "journal", "journal.path", fmt.Sprintf("directory %s does not exist yet; it will be created", dir))
	case err != nil:
		d.addError(r, "journal", "journal.path", fmt.Sprintf("cannot stat %s: %v", dir, err))
	case !info.IsDir():
		d.addError(r, "journal", "journal.path", fmt.Sprintf("%s is not a directory", dir))
	}
}

// checkSpawn starts one worker, sends it a single Work and expects Done.
func (d *Doctor) checkSpawn(ctx context.Context, r *Result) {
	if d.spawner == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.SmokeTimeout)
	defer cancel()

	answered := make(chan string, 1)
	report := func(outcome string) {
		select {
		case answered <- outcome:
		default:
		}
	}
	handlers := dispatch.Handlers{
		Done: func(_ context.Context, in dispatch.Inbound[protocol.Done]) {
			if in.Request != nil {
				report("")
			}
		},
		Error: func(_ context.Context, in dispatch.Inbound[protocol.Error]) {
			report("worker answered with error: " + in.Message.Message)
		},
		Retry: func(context.Context, dispatch.Inbound[protocol.RetryAck]) {},
		New:   func(context.Context, dispatch.Inbound[protocol.NewWork]) {},
	}

	pool, err := dispatch.Start(ctx, dispatch.Config{Workers: 1, Spawner: d.spawner}, handlers)
	if err != nil {
		d.addError(r, "spawn", "pool.worker_command", fmt.Sprintf("cannot spawn worker: %v", err))
		return
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.SmokeTimeout)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			d.addWarning(r, "spawn", "", fmt.Sprintf("worker did not exit cleanly: %v", err))
		}
	}()

	if _, _, err := pool.Submit(json.RawMessage(`{"doctor":true}`)); err != nil {
		d.addError(r, "spawn", "", fmt.Sprintf("cannot deliver to worker: %v", err))
		return
	}

	select {
	case outcome := <-answered:
		if outcome != "" {
			d.addError(r, "spawn", "", outcome)
		}
	case <-pool.Done():
		d.addError(r, "spawn", "", "worker exited before answering")
	case <-ctx.Done():
		d.addError(r, "spawn", "", fmt.Sprintf("worker did not answer within %s", d.SmokeTimeout))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
