package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/forkpool/internal/dispatch"
	"github.com/mattjoyce/forkpool/internal/events"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

// Outcomes published with events.WorkSettled.
const (
	outcomeDone  = "done"
	outcomeError = "error"
	outcomeLost  = "lost"
)

// pool is the part of *dispatch.Pool the runner drives.
type pool interface {
	Submit(payload json.RawMessage) (int, int64, error)
	Retry(pid int, id int64, counter int, payload json.RawMessage) error
}

// item is one unit of work the run command is waiting on.
type item struct {
	pid     int
	payload json.RawMessage
	retries int
}

// runner holds the coordinator-side handlers of the run command: it tracks
// submitted work until it settles, retries failed work up to maxRetries on
// the same worker, and submits work announced by workers.
type runner struct {
	maxRetries int
	events     dispatch.Publisher
	logger     *slog.Logger

	pool atomic.Pointer[poolRef]

	mu      sync.Mutex
	pending map[int64]*item
	idle    chan struct{}

	settled atomic.Uint64
	failed  atomic.Uint64
	lost    atomic.Uint64
}

type poolRef struct{ pool }

func newRunner(maxRetries int, pub dispatch.Publisher, logger *slog.Logger) *runner {
	return &runner{
		maxRetries: maxRetries,
		events:     pub,
		logger:     logger,
		pending:    make(map[int64]*item),
	}
}

// attach sets the pool once dispatch.Start returned. Handler calls made
// before that cannot submit or retry.
func (r *runner) attach(p pool) {
	r.pool.Store(&poolRef{p})
}

func (r *runner) handlers() dispatch.Handlers {
	return dispatch.Handlers{
		Done:  r.onDone,
		Error: r.onError,
		Retry: r.onRetryAck,
		New:   r.onNewWork,
	}
}

// submit sends payload to the next active worker and tracks it.
func (r *runner) submit(payload json.RawMessage) (int, int64, error) {
	ref := r.pool.Load()
	if ref == nil {
		return 0, 0, dispatch.ErrPoolClosed
	}

	// The lock spans Submit so an answer cannot settle an id before it is
	// tracked.
	r.mu.Lock()
	pid, id, err := ref.Submit(payload)
	if err != nil {
		r.mu.Unlock()
		return pid, id, err
	}
	r.pending[id] = &item{pid: pid, payload: payload}
	r.mu.Unlock()

	r.events.Publish(events.WorkSubmitted, map[string]any{"pid": pid, "id": id})
	return pid, id, nil
}

func (r *runner) onDone(_ context.Context, in dispatch.Inbound[protocol.Done]) {
	if in.Message.ID == protocol.NoCorrelation {
		return
	}
	r.settle(in.PID, in.Message.ID, outcomeDone, "")
}

func (r *runner) onError(_ context.Context, in dispatch.Inbound[protocol.Error]) {
	id := in.Message.ID
	if id == protocol.NoCorrelation {
		r.logger.Warn("worker reported an uncorrelated error", "pid", in.PID, "error", in.Message.Message)
		return
	}

	r.mu.Lock()
	it, ok := r.pending[id]
	if !ok || it.retries >= r.maxRetries {
		r.mu.Unlock()
		r.settle(in.PID, id, outcomeError, in.Message.Message)
		return
	}
	it.retries++
	counter := it.retries
	payload := it.payload
	r.mu.Unlock()

	if in.Request != nil && len(in.Request.Payload) > 0 {
		payload = in.Request.Payload
	}

	ref := r.pool.Load()
	if ref == nil {
		r.settle(in.PID, id, outcomeError, in.Message.Message)
		return
	}
	if err := ref.Retry(in.PID, id, counter, payload); err != nil {
		r.logger.Warn("retry not delivered", "pid", in.PID, "msg_id", id, "error", err)
		r.settle(in.PID, id, outcomeError, err.Error())
		return
	}
	r.logger.Info("retrying failed work", "pid", in.PID, "msg_id", id, "retry_counter", counter, "error", in.Message.Message)
	r.events.Publish(events.WorkRetried, map[string]any{
		"pid":           in.PID,
		"id":            id,
		"retry_counter": counter,
		"error":         in.Message.Message,
	})
}

// onRetryAck treats an accepted retry as settled.
func (r *runner) onRetryAck(_ context.Context, in dispatch.Inbound[protocol.RetryAck]) {
	r.settle(in.PID, in.Message.ID, outcomeDone, "")
}

func (r *runner) onNewWork(_ context.Context, in dispatch.Inbound[protocol.NewWork]) {
	for _, payload := range in.Message.WorkItems {
		if _, _, err := r.submit(payload); err != nil {
			r.logger.Warn("new work from worker not submitted", "pid", in.PID, "error", err)
			if errors.Is(err, dispatch.ErrNoActiveWorkers) || errors.Is(err, dispatch.ErrPoolClosed) {
				return
			}
		}
	}
}

// workerExited settles every item still pending on pid as lost.
func (r *runner) workerExited(pid int) {
	r.mu.Lock()
	var ids []int64
	for id, it := range r.pending {
		if it.pid == pid {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.settle(pid, id, outcomeLost, "worker exited")
	}
}

func (r *runner) settle(pid int, id int64, outcome string, detail string) {
	r.mu.Lock()
	if _, ok := r.pending[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	empty := len(r.pending) == 0
	idle := r.idle
	if empty && idle != nil {
		r.idle = nil
	}
	r.mu.Unlock()

	switch outcome {
	case outcomeDone:
		r.settled.Add(1)
	case outcomeError:
		r.failed.Add(1)
		r.logger.Warn("work failed", "pid", pid, "msg_id", id, "error", detail)
	case outcomeLost:
		r.lost.Add(1)
	}

	data := map[string]any{"pid": pid, "id": id, "outcome": outcome}
	if detail != "" {
		data["error"] = detail
	}
	r.events.Publish(events.WorkSettled, data)

	if empty && idle != nil {
		close(idle)
	}
}

// Pending returns the number of unsettled items.
func (r *runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Idle returns a channel closed once nothing is pending.
func (r *runner) Idle() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	if len(r.pending) == 0 {
		close(ch)
		return ch
	}
	if r.idle == nil {
		r.idle = ch
	}
	return r.idle
}

// exitWatcher forwards pool events and settles a worker's pending items when
// it exits.
type exitWatcher struct {
	dispatch.Publisher
	r *runner
}

func (w exitWatcher) Publish(eventType string, data any) {
	w.Publisher.Publish(eventType, data)
	if eventType != events.WorkerExited {
		return
	}
	if m, ok := data.(map[string]any); ok {
		if pid, ok := m["pid"].(int); ok {
			w.r.workerExited(pid)
		}
	}
}

type runTotals struct {
	Settled uint64 `json:"settled"`
	Failed  uint64 `json:"failed"`
	Lost    uint64 `json:"lost"`
	Pending int    `json:"pending"`
}

func (r *runner) totals() runTotals {
	return runTotals{
		Settled: r.settled.Load(),
		Failed:  r.failed.Load(),
		Lost:    r.lost.Load(),
		Pending: r.Pending(),
	}
}
