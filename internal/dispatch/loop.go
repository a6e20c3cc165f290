package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/forkpool/internal/events"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/tracing"
)

// poolEvent is what reader goroutines hand to the event loop. Exactly one of
// msg, violation or exit is set.
type poolEvent struct {
	pid       int
	msg       protocol.WorkerMessage
	violation error
	exit      *exitEvent
}

type exitEvent struct {
	status ExitStatus
	err    error
}

// readLoop decodes frames from one worker until EOF or a fatal channel error,
// then reaps the process and reports its exit. It is the only sender of that
// worker's events, and the exit event is always its last.
func (p *Pool) readLoop(e *workerEntry) {
	dec := protocol.NewDecoder(e.proc.Stdout())
	for {
		msg, err := dec.DecodeWorker()
		if err == nil {
			p.inbox <- poolEvent{pid: e.pid, msg: msg}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, protocol.ErrUnknownKind) || errors.Is(err, protocol.ErrInvalidMessage) {
			p.inbox <- poolEvent{pid: e.pid, violation: err}
			continue
		}

		// Oversized frames and pipe errors leave the stream unusable.
		e.logger.Error("worker channel failed, killing worker", "error", err)
		if kerr := e.proc.Kill(); kerr != nil {
			e.logger.Error("failed to kill worker", "error", kerr)
		}
		_, _ = io.Copy(io.Discard, e.proc.Stdout())
		break
	}

	status, err := e.proc.Wait()
	p.inbox <- poolEvent{pid: e.pid, exit: &exitEvent{status: status, err: err}}
}

// writeLoop drains the outbox onto the worker's stdin in FIFO order and closes
// stdin once the outbox is closed.
func (p *Pool) writeLoop(e *workerEntry) {
	enc := protocol.NewEncoder(e.proc.Stdin())
	for msg := range e.outbox {
		if err := enc.Encode(msg); err != nil {
			if _, isExit := msg.(protocol.Exit); !isExit {
				p.inflight.forget(e.pid, msg.MessageID())
			}
			_ = p.deliveryFailed(e.pid, msg, err)
			p.journalMessage(e.pid, "out", msg.MessageKind(), msg.MessageID(), "write failed: "+err.Error())
			continue
		}
		p.sent.Add(1)
	}
	if err := e.proc.Stdin().Close(); err != nil {
		e.logger.Debug("close worker stdin", "error", err)
	}
}

// loop is the only goroutine that invokes handlers. It ends once every worker
// has been reported terminated.
func (p *Pool) loop() {
	defer close(p.done)
	defer p.cancel()

	for ev := range p.inbox {
		switch {
		case ev.exit != nil:
			if p.observeExit(ev.pid, *ev.exit) {
				return
			}
		case ev.violation != nil:
			p.protocolViolation(ev.pid, ev.violation)
		default:
			p.receive(ev.pid, ev.msg)
		}
	}
}

func (p *Pool) receive(pid int, msg protocol.WorkerMessage) {
	ctx, span := p.tracer.Start(p.ctx, tracing.SpanReceive, trace.WithAttributes(
		attribute.Int(tracing.AttrWorkerPID, pid),
		attribute.String(tracing.AttrMessageKind, kindOf(msg)),
		attribute.Int64(tracing.AttrMessageID, idOf(msg)),
	))
	defer span.End()

	p.received.Add(1)
	p.journalMessage(pid, "in", msg.MessageKind(), msg.MessageID(), detailOf(msg))

	var req *Request
	if id := msg.MessageID(); id != protocol.NoCorrelation {
		if r, ok := p.inflight.settle(pid, id); ok {
			req = &r
		} else {
			p.logger.Warn("response does not match an outstanding request",
				"pid", pid, "kind", kindOf(msg), "msg_id", id)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			p.handlerPanics.Add(1)
			span.SetStatus(codes.Error, "handler panic")
			p.logger.Error("handler panicked",
				"pid", pid,
				"kind", kindOf(msg),
				"msg_id", idOf(msg),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	switch m := msg.(type) {
	case protocol.Done:
		if m.ID == protocol.NoCorrelation {
			p.logger.Info("worker acknowledged exit", "pid", pid)
		}
		p.handlers.Done(ctx, Inbound[protocol.Done]{PID: pid, Message: m, Request: req})
	case protocol.Error:
		p.logger.Warn("worker reported error", "pid", pid, "msg_id", m.ID, "error", m.Message)
		p.handlers.Error(ctx, Inbound[protocol.Error]{PID: pid, Message: m, Request: req})
	case protocol.RetryAck:
		p.handlers.Retry(ctx, Inbound[protocol.RetryAck]{PID: pid, Message: m, Request: req})
	case protocol.NewWork:
		p.handlers.New(ctx, Inbound[protocol.NewWork]{PID: pid, Message: m, Request: req})
	default:
		p.protocolViolation(pid, &protocol.UnknownKindError{ID: idOf(msg), Kind: protocol.Kind(kindOf(msg))})
	}
}

func (p *Pool) protocolViolation(pid int, err error) {
	p.protocolViolations.Add(1)

	id := protocol.NoCorrelation
	kind := ""
	var unknown *protocol.UnknownKindError
	var invalid *protocol.InvalidMessageError
	switch {
	case errors.As(err, &unknown):
		id, kind = unknown.ID, string(unknown.Kind)
	case errors.As(err, &invalid):
		id, kind = invalid.ID, string(invalid.Kind)
	}

	p.logger.Error("PROTOCOL VIOLATION: message from worker dropped",
		"pid", pid,
		"msg_id", id,
		"kind", kind,
		"error", err,
	)
	p.events.Publish(events.ProtocolViolation, map[string]any{
		"pid":    pid,
		"msg_id": id,
		"kind":   kind,
		"error":  err.Error(),
	})
	p.journalMessage(pid, "in", protocol.Kind(kind), id, "protocol violation: "+err.Error())
}

// observeExit applies a worker's termination and reports whether it was the
// last live worker.
func (p *Pool) observeExit(pid int, ev exitEvent) bool {
	now := time.Now().UTC()

	p.mu.Lock()
	e, ok := p.workers[pid]
	if !ok || e.state == StateTerminated {
		p.mu.Unlock()
		return false
	}
	requested := e.exitRequested
	e.state = StateTerminated
	e.exitedAt = now
	status := ev.status
	e.exit = &status
	e.closeOutbox()
	p.live--
	last := p.live == 0
	p.mu.Unlock()

	if n := p.inflight.dropWorker(pid); n > 0 {
		e.logger.Warn("worker exited with unanswered requests", "unanswered", n)
	}

	attrs := []any{"exit_code", status.Code, "requested", requested}
	if status.Signal != "" {
		attrs = append(attrs, "signal", status.Signal)
	}
	if ev.err != nil {
		attrs = append(attrs, "error", ev.err)
	}
	if requested && status.Graceful() && ev.err == nil {
		e.logger.Info("worker exited", attrs...)
	} else {
		e.logger.Warn("worker exited unexpectedly", attrs...)
	}

	p.events.Publish(events.WorkerExited, map[string]any{
		"pid":       pid,
		"exit_code": status.Code,
		"signal":    status.Signal,
		"requested": requested,
	})
	if err := p.journal.RecordExit(context.WithoutCancel(p.ctx), pid, status.Code, status.Signal, now); err != nil {
		e.logger.Error("failed to journal exit", "error", err)
	}

	if last {
		p.logger.Info("all workers terminated")
	}
	return last
}

func detailOf(msg protocol.WorkerMessage) string {
	switch m := msg.(type) {
	case protocol.Error:
		return m.Message
	case protocol.NewWork:
		return fmt.Sprintf("%d items", len(m.WorkItems))
	default:
		return ""
	}
}
