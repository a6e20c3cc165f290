package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

// Process exit codes used by Main.
const (
	ExitCodeGraceful      = 0 // exit acknowledged
	ExitCodeFailure       = 1 // exit handler failed, or the loop broke
	ExitCodeChannelClosed = 3 // coordinator went away without asking us to exit
)

var (
	// ErrHandler wraps every failure raised by a handler.
	ErrHandler = errors.New("handler failed")

	// ErrExitRequested is returned by Run after an Exit request was answered.
	ErrExitRequested = errors.New("exit requested")

	// ErrChannelClosed is returned by Run when the coordinator closed our stdin.
	ErrChannelClosed = errors.New("coordinator channel closed")
)

// State is the worker's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StateHandling
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandling:
		return "handling"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Worker processes coordinator messages sequentially.
type Worker struct {
	handlers Handlers
	dec      *protocol.Decoder
	enc      *protocol.Encoder
	logger   *slog.Logger

	state   atomic.Int32
	handled atomic.Uint64
}

// New creates a Worker reading requests from r and writing responses to w.
func New(r io.Reader, w io.Writer, h Handlers) (*Worker, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		handlers: h,
		dec:      protocol.NewDecoder(r),
		enc:      protocol.NewEncoder(w),
		logger:   log.WithComponent("worker").With("pid", os.Getpid()),
	}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Handled returns how many requests have been answered.
func (w *Worker) Handled() uint64 { return w.handled.Load() }

// Run processes messages until an Exit request, the end of input, a write
// failure or ctx cancellation. It returns ErrExitRequested (possibly joined
// with a handler failure) after an exit, and ErrChannelClosed on EOF.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker loop started")
	defer w.state.Store(int32(StateTerminated))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := w.dec.DecodeCoordinator()
		if err != nil {
			var unknown *protocol.UnknownKindError
			var invalid *protocol.InvalidMessageError
			switch {
			case errors.Is(err, io.EOF):
				w.logger.Warn("coordinator closed the channel")
				return ErrChannelClosed
			case errors.As(err, &unknown):
				if rerr := w.protocolViolation(unknown.ID, unknown.Kind, err); rerr != nil {
					return rerr
				}
				continue
			case errors.As(err, &invalid):
				w.logger.Error("rejected malformed message", "msg_id", invalid.ID, "error", err)
				if rerr := w.reply(protocol.Error{ID: errorID(invalid.ID), Message: err.Error()}); rerr != nil {
					return rerr
				}
				continue
			default:
				return fmt.Errorf("read message: %w", err)
			}
		}

		if err := w.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// handle runs one message through its handler and sends the single response.
// A non-nil return ends the loop.
func (w *Worker) handle(ctx context.Context, msg protocol.CoordinatorMessage) error {
	w.state.Store(int32(StateHandling))
	logger := w.logger.With("kind", msg.MessageKind(), "msg_id", msg.MessageID())
	logger.Debug("handling message")

	resp, herr := w.invoke(ctx, msg)

	var unknown *protocol.UnknownKindError
	if errors.As(herr, &unknown) {
		if err := w.protocolViolation(unknown.ID, unknown.Kind, herr); err != nil {
			return err
		}
		w.state.Store(int32(StateIdle))
		return nil
	}

	if herr == nil {
		resp, herr = checkResponse(msg, resp)
	}
	if herr != nil {
		logger.Error("handler failed", "error", herr)
		resp = protocol.Error{ID: msg.MessageID(), Message: herr.Error()}
	}

	if err := w.reply(resp); err != nil {
		return err
	}
	w.handled.Add(1)

	if _, isExit := msg.(protocol.Exit); isExit {
		logger.Info("exit acknowledged, terminating")
		if herr != nil {
			return fmt.Errorf("%w: %w", ErrExitRequested, herr)
		}
		return ErrExitRequested
	}

	w.state.Store(int32(StateIdle))
	return nil
}

// invoke dispatches on the message type and converts panics into errors.
func (w *Worker) invoke(ctx context.Context, msg protocol.CoordinatorMessage) (resp protocol.WorkerMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()

	n := notifier{enc: w.enc}
	switch m := msg.(type) {
	case protocol.Work:
		resp, err = w.handlers.Work(ctx, m, n)
	case protocol.Retry:
		resp, err = w.handlers.Retry(ctx, m, n)
	case protocol.Exit:
		resp, err = w.handlers.Exit(ctx, m)
	default:
		// Unreachable while CoordinatorMessage stays sealed.
		return nil, &protocol.UnknownKindError{ID: msg.MessageID(), Kind: msg.MessageKind()}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return resp, nil
}

// checkResponse defaults a nil response to Done and rejects responses that do
// not answer msg.
func checkResponse(msg protocol.CoordinatorMessage, resp protocol.WorkerMessage) (protocol.WorkerMessage, error) {
	if resp == nil {
		return protocol.Done{ID: msg.MessageID()}, nil
	}
	if _, ok := resp.(protocol.NewWork); ok {
		return nil, fmt.Errorf("%w: new work must be sent through the notifier, not as a response", ErrHandler)
	}
	if resp.MessageID() != msg.MessageID() {
		return nil, fmt.Errorf("%w: response id %d does not match request id %d", ErrHandler, resp.MessageID(), msg.MessageID())
	}
	if err := protocol.Validate(resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return resp, nil
}

// protocolViolation reports a kind outside the closed set. The coordinator
// still gets an Error so it is not left waiting.
func (w *Worker) protocolViolation(id int64, kind protocol.Kind, cause error) error {
	w.logger.Error("PROTOCOL VIOLATION: unknown message kind",
		"msg_id", id,
		"kind", kind,
		"error", cause,
	)
	return w.reply(protocol.Error{ID: errorID(id), Message: fmt.Sprintf("protocol violation: %v", cause)})
}

// errorID maps an id that cannot be echoed back onto NoCorrelation.
func errorID(id int64) int64 {
	if id < protocol.NoCorrelation {
		return protocol.NoCorrelation
	}
	return id
}

func (w *Worker) reply(resp protocol.WorkerMessage) error {
	if err := w.enc.Encode(resp); err != nil {
		return fmt.Errorf("send %s response: %w", resp.MessageKind(), err)
	}
	return nil
}

// Main runs a worker over stdin/stdout and maps the outcome to a process
// exit code.
func Main(ctx context.Context, stdin io.Reader, stdout io.Writer, h Handlers) int {
	w, err := New(stdin, stdout, h)
	if err != nil {
		log.Error("worker setup failed", "error", err)
		return ExitCodeFailure
	}

	err = w.Run(ctx)
	switch {
	case errors.Is(err, ErrHandler):
		return ExitCodeFailure
	case errors.Is(err, ErrExitRequested):
		return ExitCodeGraceful
	case errors.Is(err, ErrChannelClosed):
		return ExitCodeChannelClosed
	default:
		log.Error("worker loop stopped", "error", err)
		return ExitCodeFailure
	}
}
