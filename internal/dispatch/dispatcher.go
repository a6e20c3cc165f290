package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mattjoyce/forkpool/internal/events"
	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/tracing"
)

const (
	// DefaultSendBuffer is the per-worker outbox capacity.
	DefaultSendBuffer = 64

	// eventBuffer decouples reader goroutines from the event loop.
	eventBuffer = 256
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrWorkerNotFound       = errors.New("worker not found")
	ErrWorkerUnavailable    = errors.New("worker not accepting messages")
	ErrOutboxFull           = errors.New("worker outbox full")
	ErrNoActiveWorkers      = errors.New("no active workers")
	ErrPoolClosed           = errors.New("pool closed")
)

// State is a worker's lifecycle position as tracked by the pool.
type State int

const (
	StateSpawning State = iota
	StateActive
	StateExiting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateActive:
		return "active"
	case StateExiting:
		return "exiting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateSpawning, StateActive, StateExiting, StateTerminated} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}

// Inbound is a worker message delivered to a handler. Request is the
// outstanding request it answers, or nil when there is none (exit
// acknowledgements, new-work notifications, late answers).
type Inbound[M protocol.WorkerMessage] struct {
	PID     int
	Message M
	Request *Request
}

// Handlers holds one handler per worker kind. All four are required. They run
// on the pool's event loop, one at a time. They may call Dispatch, Submit,
// Retry and Exit, but must not call Shutdown or Wait, which block until the
// loop has returned.
type Handlers struct {
	Done  func(ctx context.Context, in Inbound[protocol.Done])
	Error func(ctx context.Context, in Inbound[protocol.Error])
	Retry func(ctx context.Context, in Inbound[protocol.RetryAck])
	New   func(ctx context.Context, in Inbound[protocol.NewWork])
}

func (h Handlers) validate() error {
	var missing []string
	if h.Done == nil {
		missing = append(missing, string(protocol.KindDone))
	}
	if h.Error == nil {
		missing = append(missing, string(protocol.KindError))
	}
	if h.Retry == nil {
		missing = append(missing, string(protocol.KindRetry))
	}
	if h.New == nil {
		missing = append(missing, string(protocol.KindNew))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing handler for %v", ErrInvalidConfiguration, missing)
	}
	return nil
}

// Publisher receives lifecycle events. *events.Hub implements it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Journal records lifecycle facts for later inspection.
type Journal interface {
	RecordSpawn(ctx context.Context, pid int, at time.Time) error
	RecordExit(ctx context.Context, pid int, code int, signal string, at time.Time) error
	RecordMessage(ctx context.Context, pid int, direction string, kind string, id int64, detail string) error
}

// Config configures Start.
type Config struct {
	// Workers is the number of processes to spawn. Must be positive.
	Workers int
	Spawner Spawner

	SendBuffer     int
	OutstandingTTL time.Duration

	Events  Publisher    // optional
	Journal Journal      // optional
	Tracer  trace.Tracer // optional
	Logger  *slog.Logger // optional
}

// Stats are cumulative pool counters.
type Stats struct {
	Sent               uint64 `json:"sent"` // frames written to a worker
	Received           uint64 `json:"received"`
	DeliveryFailures   uint64 `json:"delivery_failures"`
	ProtocolViolations uint64 `json:"protocol_violations"`
	HandlerPanics      uint64 `json:"handler_panics"`
	Outstanding        int    `json:"outstanding"`
}

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	PID         int         `json:"pid"`
	State       State       `json:"state"`
	SpawnedAt   time.Time   `json:"spawned_at"`
	ExitedAt    *time.Time  `json:"exited_at,omitempty"`
	ExitStatus  *ExitStatus `json:"exit_status,omitempty"`
	Outstanding int         `json:"outstanding"`
}

type workerEntry struct {
	pid           int
	proc          Process
	state         State
	spawnedAt     time.Time
	exitedAt      time.Time
	exit          *ExitStatus
	exitRequested bool
	outbox        chan protocol.CoordinatorMessage
	outboxClosed  bool
	logger        *slog.Logger
}

// closeOutbox must be called with Pool.mu held.
func (e *workerEntry) closeOutbox() {
	if !e.outboxClosed {
		e.outboxClosed = true
		close(e.outbox)
	}
}

// Pool is a running set of worker processes.
type Pool struct {
	handlers Handlers
	events   Publisher
	journal  Journal
	tracer   trace.Tracer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[int]*workerEntry
	order   []int
	next    int
	live    int

	inbox    chan poolEvent
	inflight *outstanding
	seq      atomic.Int64
	done     chan struct{}

	sent               atomic.Uint64
	received           atomic.Uint64
	deliveryFailures   atomic.Uint64
	protocolViolations atomic.Uint64
	handlerPanics      atomic.Uint64
}

// Start validates cfg and handlers, spawns cfg.Workers processes and starts
// routing their messages. Nothing is spawned when validation fails. If a
// spawn fails, the workers already started are killed before returning.
func Start(ctx context.Context, cfg Config, handlers Handlers) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("%w: worker count must be a positive number: %d", ErrInvalidConfiguration, cfg.Workers)
	}
	if err := handlers.validate(); err != nil {
		return nil, err
	}
	if cfg.Spawner == nil {
		return nil, fmt.Errorf("%w: spawner is required", ErrInvalidConfiguration)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.Events == nil {
		cfg.Events = discardEvents{}
	}
	if cfg.Journal == nil {
		cfg.Journal = discardJournal{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("forkpool/dispatch")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithComponent("dispatch")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Pool{
		handlers: handlers,
		events:   cfg.Events,
		journal:  cfg.Journal,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		ctx:      loopCtx,
		cancel:   cancel,
		workers:  make(map[int]*workerEntry, cfg.Workers),
		inbox:    make(chan poolEvent, eventBuffer),
		inflight: newOutstanding(cfg.OutstandingTTL),
		done:     make(chan struct{}),
	}

	entries := make([]*workerEntry, 0, cfg.Workers)
	for i := range cfg.Workers {
		proc, err := cfg.Spawner.Spawn(ctx)
		if err != nil {
			p.abort(entries)
			cancel()
			return nil, fmt.Errorf("spawn worker %d of %d: %w", i+1, cfg.Workers, err)
		}

		e := &workerEntry{
			pid:       proc.PID(),
			proc:      proc,
			state:     StateSpawning,
			spawnedAt: time.Now().UTC(),
			outbox:    make(chan protocol.CoordinatorMessage, cfg.SendBuffer),
			logger:    p.logger.With("pid", proc.PID()),
		}
		entries = append(entries, e)
		p.workers[e.pid] = e
		p.order = append(p.order, e.pid)
	}
	p.live = len(entries)

	go p.loop()

	for _, e := range entries {
		go p.writeLoop(e)
		go p.readLoop(e)

		p.mu.Lock()
		if e.state == StateSpawning {
			e.state = StateActive
		}
		p.mu.Unlock()

		e.logger.Info("worker spawned")
		p.events.Publish(events.WorkerSpawned, map[string]any{"pid": e.pid})
		if err := p.journal.RecordSpawn(context.WithoutCancel(p.ctx), e.pid, e.spawnedAt); err != nil {
			e.logger.Error("failed to journal spawn", "error", err)
		}
	}

	p.logger.Info("worker pool started", "workers", len(entries))
	return p, nil
}

// abort kills and reaps workers spawned before a failed Start.
func (p *Pool) abort(entries []*workerEntry) {
	for _, e := range entries {
		_ = e.proc.Stdin().Close()
		if err := e.proc.Kill(); err != nil {
			e.logger.Error("failed to kill worker after aborted start", "error", err)
		}
		if _, err := e.proc.Wait(); err != nil {
			e.logger.Warn("failed to reap worker after aborted start", "error", err)
		}
	}
}

// Dispatch queues msg for worker pid without blocking. Immediate failures are
// logged and returned wrapped in ErrDeliveryFailed; failures while writing to
// the pipe are reported asynchronously. Nothing is ever retried.
func (p *Pool) Dispatch(pid int, msg protocol.CoordinatorMessage) error {
	_, span := p.tracer.Start(p.ctx, tracing.SpanDispatch, trace.WithAttributes(
		attribute.Int(tracing.AttrWorkerPID, pid),
		attribute.String(tracing.AttrMessageKind, kindOf(msg)),
		attribute.Int64(tracing.AttrMessageID, idOf(msg)),
	))
	defer span.End()
	if r, ok := msg.(protocol.Retry); ok {
		span.SetAttributes(attribute.Int(tracing.AttrRetryCounter, r.RetryCounter))
	}

	err := p.enqueue(pid, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.deliveryFailed(pid, msg, err)
	}

	p.journalMessage(pid, "out", msg.MessageKind(), msg.MessageID(), "")
	return nil
}

func (p *Pool) enqueue(pid int, msg protocol.CoordinatorMessage) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}

	e, ok := p.workers[pid]
	if !ok {
		return fmt.Errorf("%w: pid %d", ErrWorkerNotFound, pid)
	}
	if e.state != StateActive {
		return fmt.Errorf("%w: pid %d is %s", ErrWorkerUnavailable, pid, e.state)
	}

	// Track before the frame can reach the worker so the answer always finds it.
	switch m := msg.(type) {
	case protocol.Work:
		p.inflight.track(Request{PID: pid, ID: m.ID, Kind: protocol.KindWork, Payload: m.Payload, SentAt: time.Now().UTC()})
	case protocol.Retry:
		p.inflight.track(Request{PID: pid, ID: m.ID, Kind: protocol.KindRetry, Payload: m.Payload, RetryCounter: m.RetryCounter, SentAt: time.Now().UTC()})
	}

	select {
	case e.outbox <- msg:
	default:
		if _, isExit := msg.(protocol.Exit); !isExit {
			p.inflight.forget(pid, msg.MessageID())
		}
		return fmt.Errorf("%w: pid %d (capacity %d)", ErrOutboxFull, pid, cap(e.outbox))
	}

	if _, isExit := msg.(protocol.Exit); isExit {
		e.state = StateExiting
		e.exitRequested = true
		e.closeOutbox()
	}
	return nil
}

func (p *Pool) deliveryFailed(pid int, msg protocol.CoordinatorMessage, cause error) error {
	p.deliveryFailures.Add(1)
	p.logger.Warn("delivery failed",
		"pid", pid,
		"kind", kindOf(msg),
		"msg_id", idOf(msg),
		"error", cause,
	)
	p.events.Publish(events.DeliveryFailed, map[string]any{
		"pid":    pid,
		"kind":   kindOf(msg),
		"msg_id": idOf(msg),
		"error":  cause.Error(),
	})
	return fmt.Errorf("%w: %w", ErrDeliveryFailed, cause)
}

// Submit sends payload as new Work to the next active worker (round-robin)
// and returns the chosen pid and the assigned correlation id.
func (p *Pool) Submit(payload json.RawMessage) (int, int64, error) {
	pid, ok := p.pickActive()
	if !ok {
		return 0, 0, p.deliveryFailed(0, protocol.Work{ID: 0, Payload: payload}, ErrNoActiveWorkers)
	}
	id := p.seq.Add(1) - 1
	if err := p.Dispatch(pid, protocol.Work{ID: id, Payload: payload}); err != nil {
		return pid, id, err
	}
	return pid, id, nil
}

// Retry sends a Retry for an earlier request to the given worker.
func (p *Pool) Retry(pid int, id int64, counter int, payload json.RawMessage) error {
	return p.Dispatch(pid, protocol.Retry{ID: id, RetryCounter: counter, Payload: payload})
}

// Exit asks worker pid to acknowledge and terminate. A second Exit for the
// same worker fails with ErrWorkerUnavailable.
func (p *Pool) Exit(pid int) error {
	return p.Dispatch(pid, protocol.Exit{})
}

func (p *Pool) pickActive() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for range len(p.order) {
		pid := p.order[p.next%len(p.order)]
		p.next++
		if p.workers[pid].state == StateActive {
			return pid, true
		}
	}
	return 0, false
}

// Lookup returns the outstanding request (pid, id), if any.
func (p *Pool) Lookup(pid int, id int64) (Request, bool) {
	return p.inflight.lookup(pid, id)
}

// Snapshot returns every worker ordered by pid.
func (p *Pool) Snapshot() []WorkerInfo {
	p.mu.Lock()
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, e := range p.workers {
		info := WorkerInfo{
			PID:       e.pid,
			State:     e.state,
			SpawnedAt: e.spawnedAt,
		}
		if e.exit != nil {
			at := e.exitedAt
			status := *e.exit
			info.ExitedAt = &at
			info.ExitStatus = &status
		}
		out = append(out, info)
	}
	p.mu.Unlock()

	for i := range out {
		out[i].Outstanding = p.inflight.countFor(out[i].PID)
	}
	slices.SortFunc(out, func(a, b WorkerInfo) int { return a.PID - b.PID })
	return out
}

// Stats returns cumulative counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Sent:               p.sent.Load(),
		Received:           p.received.Load(),
		DeliveryFailures:   p.deliveryFailures.Load(),
		ProtocolViolations: p.protocolViolations.Load(),
		HandlerPanics:      p.handlerPanics.Load(),
		Outstanding:        p.inflight.total(),
	}
}

// Done is closed once every worker has terminated.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Wait blocks until every worker has terminated or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown sends Exit to every active worker and waits for all of them to
// terminate. Workers still alive when ctx ends are killed.
func (p *Pool) Shutdown(ctx context.Context) error {
	for _, info := range p.Snapshot() {
		if info.State != StateActive {
			continue
		}
		if err := p.Exit(info.PID); err != nil {
			p.logger.Warn("could not request worker exit", "pid", info.PID, "error", err)
		}
	}

	select {
	case <-p.done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("shutdown deadline reached, killing remaining workers")
	p.mu.Lock()
	for _, e := range p.workers {
		if e.state == StateTerminated {
			continue
		}
		if err := e.proc.Kill(); err != nil {
			e.logger.Error("failed to kill worker", "error", err)
		}
	}
	p.mu.Unlock()

	<-p.done
	return ctx.Err()
}

func (p *Pool) journalMessage(pid int, direction string, kind protocol.Kind, id int64, detail string) {
	if err := p.journal.RecordMessage(context.WithoutCancel(p.ctx), pid, direction, string(kind), id, detail); err != nil {
		p.logger.Error("failed to journal message", "pid", pid, "error", err)
	}
}

func kindOf(msg protocol.Message) string {
	if msg == nil {
		return ""
	}
	return string(msg.MessageKind())
}

func idOf(msg protocol.Message) int64 {
	if msg == nil {
		return protocol.NoCorrelation
	}
	return msg.MessageID()
}

type discardEvents struct{}

func (discardEvents) Publish(string, any) {}

type discardJournal struct{}

func (discardJournal) RecordSpawn(context.Context, int, time.Time) error { return nil }
func (discardJournal) RecordExit(context.Context, int, int, string, time.Time) error {
	return nil
}
func (discardJournal) RecordMessage(context.Context, int, string, string, int64, string) error {
	return nil
}
