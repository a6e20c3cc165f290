package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/forkpool/internal/api"
	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/dispatch"
	"github.com/mattjoyce/forkpool/internal/events"
	"github.com/mattjoyce/forkpool/internal/journal"
	"github.com/mattjoyce/forkpool/internal/lock"
	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/tracing"
)

type runOptions struct {
	workers int
	submit  int
	payload string
	drain   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the worker pool and route messages until stopped",
		Long: `Start the worker pool. With --submit N, N work items are sent round-robin
to the workers. With --drain, the pool shuts down once every item settled;
otherwise it runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Pool.Workers = opts.workers
			}
			if cfg.Pool.Workers < 0 {
				return fmt.Errorf("%w: --workers must not be negative", config.ErrInvalidConfiguration)
			}
			if opts.submit < 0 {
				return fmt.Errorf("--submit must not be negative")
			}
			if !json.Valid([]byte(opts.payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPool(ctx, cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "number of worker processes (0 = one per CPU minus one)")
	cmd.Flags().IntVar(&opts.submit, "submit", 0, "submit N work items after start")
	cmd.Flags().StringVar(&opts.payload, "payload", "{}", "JSON payload for submitted work items")
	cmd.Flags().BoolVar(&opts.drain, "drain", false, "shut down once every submitted item settled")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// workerSpawner re-execs this binary as `forkpool worker` unless the config
// names another worker command.
func workerSpawner(cfg *config.Config, stderr io.Writer) (dispatch.ExecSpawner, error) {
	if len(cfg.Pool.WorkerCommand) > 0 {
		return dispatch.ExecSpawner{
			Path:   cfg.Pool.WorkerCommand[0],
			Args:   cfg.Pool.WorkerCommand[1:],
			Stderr: stderr,
		}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return dispatch.ExecSpawner{}, fmt.Errorf("resolve executable: %w", err)
	}
	return dispatch.ExecSpawner{
		Path:   exe,
		Args:   []string{"worker", "--log-level", cfg.Log.Level, "--log-format", cfg.Log.Format},
		Stderr: stderr,
	}, nil
}

func runPool(ctx context.Context, cfg *config.Config, opts runOptions, stdout, stderr io.Writer) error {
	log.SetupWriter(cfg.Log.Level, cfg.Log.Format, stderr)
	logger := log.WithComponent("main")
	workers := cfg.EffectiveWorkers()
	logger.Info("forkpool starting",
		"version", version,
		"config", cfg.SourcePath,
		"config_hash", cfg.Fingerprint,
		"workers", workers,
	)

	pidLock, err := lock.AcquirePIDLock(cfg.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.LockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", cfg.LockPath)

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()
	tracer := tp.Tracer()

	runCtx, span := tracer.Start(ctx, tracing.SpanRun, trace.WithAttributes(attribute.Int("pool.workers", workers)))
	defer span.End()

	hub := events.NewHub(events.DefaultCapacity)
	defer hub.Close()

	var jrnl dispatch.Journal
	var jrun *journal.Run
	if cfg.Journal.Enabled {
		store, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return err
		}
		defer store.Close()

		jrun, err = store.BeginRun(ctx, cfg.Fingerprint, workers)
		if err != nil {
			return err
		}
		jrnl = jrun
		logger.Info("journal opened", "path", cfg.Journal.Path, "run_id", jrun.ID)
	}

	spawner, err := workerSpawner(cfg, stderr)
	if err != nil {
		return err
	}

	r := newRunner(cfg.Pool.MaxRetries, hub, log.WithComponent("runner"))
	p, err := dispatch.Start(runCtx, dispatch.Config{
		Workers:        workers,
		Spawner:        spawner,
		SendBuffer:     cfg.Pool.SendBuffer,
		OutstandingTTL: cfg.Pool.OutstandingTTL,
		Events:         exitWatcher{Publisher: hub, r: r},
		Journal:        jrnl,
		Tracer:         tracer,
		Logger:         log.WithComponent("dispatch"),
	}, r.handlers())
	if err != nil {
		logger.Error("failed to start worker pool", "error", err)
		return err
	}
	r.attach(p)

	apiCtx, cancelAPI := context.WithCancel(ctx)
	defer cancelAPI()
	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		server := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, p, hub, log.WithComponent("api"))
		go func() {
			if err := server.Start(apiCtx, nil); err != nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	for i := range opts.submit {
		if _, _, err := r.submit(json.RawMessage(opts.payload)); err != nil {
			logger.Error("submit failed", "item", i, "error", err)
		}
	}

	var idle <-chan struct{}
	if opts.drain {
		idle = r.Idle()
		logger.Info("draining", "pending", r.Pending())
	} else {
		logger.Info("forkpool running (press Ctrl+C to stop)")
	}

	var runErr error
	reason := "drained"
	select {
	case <-idle:
	case <-ctx.Done():
		reason = "signal"
		logger.Info("received shutdown signal")
	case <-p.Done():
		reason = "workers exited"
		logger.Warn("every worker exited")
	case err := <-errCh:
		reason = "component failed"
		logger.Error("component failed", "error", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Pool.ShutdownGrace)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("pool shutdown", "error", err)
	}
	cancelAPI()

	totals := r.totals()
	stats := p.Stats()
	hub.Publish(events.PoolStopped, map[string]any{"reason": reason, "stats": stats, "totals": totals})
	logger.Info("forkpool stopped",
		"reason", reason,
		"sent", stats.Sent,
		"received", stats.Received,
		"settled", totals.Settled,
		"failed", totals.Failed,
		"lost", totals.Lost,
		"pending", totals.Pending,
	)

	if jrun != nil {
		if err := jrun.Stop(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to stop journal run", "error", err)
		}
	}

	if opts.submit > 0 {
		summary, _ := json.Marshal(totals)
		fmt.Fprintln(stdout, string(summary))
	}
	if runErr == nil && opts.drain && totals.Failed+totals.Lost > 0 {
		runErr = &exitError{code: 2, err: fmt.Errorf("%d items failed, %d lost", totals.Failed, totals.Lost)}
	}
	return runErr
}
