package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/forkpool/internal/protocol"
)

// Notifier lets a handler ask the coordinator to enqueue new work. Frames sent
// through it precede the handler's own response on the wire.
type Notifier interface {
	NewWork(items ...json.RawMessage) error
}

// WorkFunc handles a Work request. A nil response with a nil error answers Done.
type WorkFunc func(ctx context.Context, m protocol.Work, n Notifier) (protocol.WorkerMessage, error)

// RetryFunc handles a Retry request. A nil response with a nil error answers Done.
type RetryFunc func(ctx context.Context, m protocol.Retry, n Notifier) (protocol.WorkerMessage, error)

// ExitFunc handles an Exit request. The worker terminates after it returns,
// whatever the outcome.
type ExitFunc func(ctx context.Context, m protocol.Exit) (protocol.WorkerMessage, error)

// Handlers holds one handler per coordinator kind. All three are required.
type Handlers struct {
	Work  WorkFunc
	Retry RetryFunc
	Exit  ExitFunc
}

// ErrInvalidHandlers is returned by New when a handler is missing.
var ErrInvalidHandlers = errors.New("invalid worker handlers")

// Validate reports the first missing handler.
func (h Handlers) Validate() error {
	missing := make([]string, 0, 3)
	if h.Work == nil {
		missing = append(missing, string(protocol.KindWork))
	}
	if h.Retry == nil {
		missing = append(missing, string(protocol.KindRetry))
	}
	if h.Exit == nil {
		missing = append(missing, string(protocol.KindExit))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing handler for %v", ErrInvalidHandlers, missing)
	}
	return nil
}

// DefaultHandlers answers every request with Done. Work and retry perform no
// computation.
func DefaultHandlers() Handlers {
	return Handlers{
		Work: func(_ context.Context, m protocol.Work, _ Notifier) (protocol.WorkerMessage, error) {
			return protocol.Done{ID: m.ID}, nil
		},
		Retry: func(_ context.Context, m protocol.Retry, _ Notifier) (protocol.WorkerMessage, error) {
			return protocol.Done{ID: m.ID}, nil
		},
		Exit: func(_ context.Context, _ protocol.Exit) (protocol.WorkerMessage, error) {
			return protocol.Done{ID: protocol.NoCorrelation}, nil
		},
	}
}

type notifier struct {
	enc *protocol.Encoder
}

func (n notifier) NewWork(items ...json.RawMessage) error {
	if len(items) == 0 {
		return fmt.Errorf("new work notification needs at least one item")
	}
	return n.enc.Encode(protocol.NewWork{WorkItems: items})
}
