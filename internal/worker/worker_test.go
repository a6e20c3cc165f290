package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

// lockedBuffer collects log output written from worker goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var logs lockedBuffer

func TestMain(m *testing.M) {
	log.SetupWriter("DEBUG", "json", &logs)
	os.Exit(m.Run())
}

type harness struct {
	in        *os.File
	enc       *protocol.Encoder
	responses chan protocol.WorkerMessage
	done      chan error
	worker    *Worker
}

func startWorker(t *testing.T, h Handlers) *harness {
	t.Helper()

	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	w, err := New(inR, outW, h)
	require.NoError(t, err)

	hs := &harness{
		in:        inW,
		enc:       protocol.NewEncoder(inW),
		responses: make(chan protocol.WorkerMessage, 64),
		done:      make(chan error, 1),
		worker:    w,
	}

	go func() {
		err := w.Run(context.Background())
		_ = outW.Close()
		_ = inR.Close()
		hs.done <- err
	}()

	go func() {
		defer close(hs.responses)
		dec := protocol.NewDecoder(outR)
		for {
			msg, err := dec.DecodeWorker()
			if err != nil {
				_ = outR.Close()
				return
			}
			hs.responses <- msg
		}
	}()

	t.Cleanup(func() { _ = inW.Close() })
	return hs
}

func (h *harness) send(t *testing.T, msg protocol.CoordinatorMessage) {
	t.Helper()
	require.NoError(t, h.enc.Encode(msg))
}

func (h *harness) sendRaw(t *testing.T, frame string) {
	t.Helper()
	_, err := io.WriteString(h.in, frame+"\n")
	require.NoError(t, err)
}

func (h *harness) recv(t *testing.T) protocol.WorkerMessage {
	t.Helper()
	select {
	case msg, ok := <-h.responses:
		require.True(t, ok, "worker output closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker response")
		return nil
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker to stop")
		return nil
	}
}

func TestNew_RejectsMissingHandlers(t *testing.T) {
	h := DefaultHandlers()
	h.Retry = nil

	_, err := New(strings.NewReader(""), io.Discard, h)
	require.ErrorIs(t, err, ErrInvalidHandlers)
	assert.Contains(t, err.Error(), "retry")
}

func TestRun_DefaultHandlersAnswerDone(t *testing.T) {
	h := startWorker(t, DefaultHandlers())

	h.send(t, protocol.Work{ID: 1, Payload: json.RawMessage(`"x"`)})
	assert.Equal(t, protocol.Done{ID: 1}, h.recv(t))

	h.send(t, protocol.Retry{ID: 2, RetryCounter: 1})
	assert.Equal(t, protocol.Done{ID: 2}, h.recv(t))

	assert.Equal(t, uint64(2), h.worker.Handled())
}

func TestRun_ExitAnswersDoneThenTerminates(t *testing.T) {
	h := startWorker(t, DefaultHandlers())

	h.send(t, protocol.Work{ID: 2})
	h.send(t, protocol.Exit{})

	assert.Equal(t, protocol.Done{ID: 2}, h.recv(t))
	assert.Equal(t, protocol.Done{ID: protocol.NoCorrelation}, h.recv(t))

	err := h.wait(t)
	require.ErrorIs(t, err, ErrExitRequested)
	assert.NotErrorIs(t, err, ErrHandler)
	assert.Equal(t, StateTerminated, h.worker.State())

	_, open := <-h.responses
	assert.False(t, open, "no frames may follow the exit acknowledgement")
}

func TestRun_HandlerErrorKeepsWorkerAlive(t *testing.T) {
	handlers := DefaultHandlers()
	handlers.Work = func(_ context.Context, m protocol.Work, _ Notifier) (protocol.WorkerMessage, error) {
		if m.ID == 1 {
			return nil, errors.New("disk full")
		}
		return protocol.Done{ID: m.ID}, nil
	}
	h := startWorker(t, handlers)

	h.send(t, protocol.Work{ID: 1})
	h.send(t, protocol.Work{ID: 2})

	first := h.recv(t)
	require.IsType(t, protocol.Error{}, first)
	assert.Equal(t, int64(1), first.MessageID())
	assert.Contains(t, first.(protocol.Error).Message, "disk full")

	assert.Equal(t, protocol.Done{ID: 2}, h.recv(t))
	assert.Equal(t, StateIdle, h.worker.State())
}

func TestRun_HandlerPanicBecomesError(t *testing.T) {
	handlers := DefaultHandlers()
	handlers.Retry = func(context.Context, protocol.Retry, Notifier) (protocol.WorkerMessage, error) {
		panic("nil map write")
	}
	h := startWorker(t, handlers)

	h.send(t, protocol.Retry{ID: 9})
	resp := h.recv(t)
	require.IsType(t, protocol.Error{}, resp)
	assert.Equal(t, int64(9), resp.MessageID())
	assert.Contains(t, resp.(protocol.Error).Message, "panic: nil map write")

	h.send(t, protocol.Work{ID: 10})
	assert.Equal(t, protocol.Done{ID: 10}, h.recv(t))
}

func TestRun_UnknownKindIsReportedAndSurvived(t *testing.T) {
	h := startWorker(t, DefaultHandlers())

	h.sendRaw(t, `{"type":"teleport","id":5}`)
	resp := h.recv(t)
	require.IsType(t, protocol.Error{}, resp)
	assert.Equal(t, int64(5), resp.MessageID())
	assert.Contains(t, resp.(protocol.Error).Message, "protocol violation")
	assert.Contains(t, logs.String(), "PROTOCOL VIOLATION")

	h.send(t, protocol.Work{ID: 6})
	assert.Equal(t, protocol.Done{ID: 6}, h.recv(t))
}

func TestRun_MalformedFrameAnswersError(t *testing.T) {
	h := startWorker(t, DefaultHandlers())

	h.sendRaw(t, `{this is not json`)
	resp := h.recv(t)
	require.IsType(t, protocol.Error{}, resp)
	assert.Equal(t, protocol.NoCorrelation, resp.MessageID())

	h.sendRaw(t, `{"type":"exit","id":4}`)
	resp = h.recv(t)
	require.IsType(t, protocol.Error{}, resp)
	assert.Equal(t, int64(4), resp.MessageID())

	h.send(t, protocol.Work{ID: 7})
	assert.Equal(t, protocol.Done{ID: 7}, h.recv(t))
}

func TestRun_OutOfRangeIDAnswersUncorrelatedError(t *testing.T) {
	for _, frame := range []string{
		`{"type":"bogus","id":-5}`,
		`{"type":"work","id":-5}`,
	} {
		t.Run(frame, func(t *testing.T) {
			h := startWorker(t, DefaultHandlers())

			h.sendRaw(t, frame)
			resp := h.recv(t)
			require.IsType(t, protocol.Error{}, resp)
			assert.Equal(t, protocol.NoCorrelation, resp.MessageID())

			h.send(t, protocol.Work{ID: 7})
			assert.Equal(t, protocol.Done{ID: 7}, h.recv(t))
		})
	}
}

func TestRun_ExitHandlerFailureStillTerminates(t *testing.T) {
	handlers := DefaultHandlers()
	handlers.Exit = func(context.Context, protocol.Exit) (protocol.WorkerMessage, error) {
		return nil, errors.New("flush failed")
	}
	h := startWorker(t, handlers)

	h.send(t, protocol.Exit{})
	resp := h.recv(t)
	require.IsType(t, protocol.Error{}, resp)
	assert.Equal(t, protocol.NoCorrelation, resp.MessageID())

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrExitRequested)
	assert.ErrorIs(t, err, ErrHandler)
}

func TestRun_ResponseMustEchoRequestID(t *testing.T) {
	handlers := DefaultHandlers()
	handlers.Work = func(_ context.Context, m protocol.Work, _ Notifier) (protocol.WorkerMessage, error) {
		return protocol.Done{ID: m.ID + 100}, nil
	}
	h := startWorker(t, handlers)

	h.send(t, protocol.Work{ID: 3})
	resp := h.recv(t)
	require.IsType(t, protocol.Error{}, resp)
	assert.Equal(t, int64(3), resp.MessageID())
	assert.Contains(t, resp.(protocol.Error).Message, "does not match")
}

func TestRun_NilResponseMeansDone(t *testing.T) {
	handlers := DefaultHandlers()
	handlers.Work = func(context.Context, protocol.Work, Notifier) (protocol.WorkerMessage, error) {
		return nil, nil
	}
	h := startWorker(t, handlers)

	h.send(t, protocol.Work{ID: 11})
	assert.Equal(t, protocol.Done{ID: 11}, h.recv(t))
}

func TestRun_NotifierPrecedesResponse(t *testing.T) {
	handlers := DefaultHandlers()
	handlers.Work = func(_ context.Context, m protocol.Work, n Notifier) (protocol.WorkerMessage, error) {
		if err := n.NewWork(json.RawMessage(`"child-a"`), json.RawMessage(`"child-b"`)); err != nil {
			return nil, err
		}
		return protocol.Done{ID: m.ID}, nil
	}
	h := startWorker(t, handlers)

	h.send(t, protocol.Work{ID: 1})

	first := h.recv(t)
	require.IsType(t, protocol.NewWork{}, first)
	assert.Equal(t, protocol.NoCorrelation, first.MessageID())
	assert.Len(t, first.(protocol.NewWork).WorkItems, 2)

	assert.Equal(t, protocol.Done{ID: 1}, h.recv(t))
}

func TestRun_EOFReportsChannelClosed(t *testing.T) {
	h := startWorker(t, DefaultHandlers())
	require.NoError(t, h.in.Close())

	assert.ErrorIs(t, h.wait(t), ErrChannelClosed)
}

func TestMain_ExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		handlers Handlers
		want     int
	}{
		{
			name:     "graceful exit",
			input:    `{"type":"work","id":0}` + "\n" + `{"type":"exit","id":-1}` + "\n",
			handlers: DefaultHandlers(),
			want:     ExitCodeGraceful,
		},
		{
			name:     "input closed without exit",
			input:    `{"type":"work","id":0}` + "\n",
			handlers: DefaultHandlers(),
			want:     ExitCodeChannelClosed,
		},
		{
			name:     "missing handler",
			input:    "",
			handlers: Handlers{},
			want:     ExitCodeFailure,
		},
		{
			name:  "exit handler failure",
			input: `{"type":"exit","id":-1}` + "\n",
			handlers: Handlers{
				Work:  DefaultHandlers().Work,
				Retry: DefaultHandlers().Retry,
				Exit: func(context.Context, protocol.Exit) (protocol.WorkerMessage, error) {
					return nil, errors.New("boom")
				},
			},
			want: ExitCodeFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got := Main(context.Background(), strings.NewReader(tt.input), &out, tt.handlers)
			assert.Equal(t, tt.want, got, "stdout: %s", out.String())
		})
	}
}

// Each request reaches exactly the handler for its kind, exactly once, and
// responses come back in request order.
func TestProperty_RoutingIsExhaustiveAndOrdered(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var calls []string
		handlers := Handlers{
			Work: func(_ context.Context, m protocol.Work, _ Notifier) (protocol.WorkerMessage, error) {
				calls = append(calls, fmt.Sprintf("work:%d", m.ID))
				return protocol.Done{ID: m.ID}, nil
			},
			Retry: func(_ context.Context, m protocol.Retry, _ Notifier) (protocol.WorkerMessage, error) {
				calls = append(calls, fmt.Sprintf("retry:%d", m.ID))
				return protocol.RetryAck{ID: m.ID}, nil
			},
			Exit: func(context.Context, protocol.Exit) (protocol.WorkerMessage, error) {
				calls = append(calls, "exit:-1")
				return nil, nil
			},
		}

		n := rapid.IntRange(0, 30).Draw(rt, "n")
		var input bytes.Buffer
		enc := protocol.NewEncoder(&input)
		var want []string
		for i := range n {
			kind := rapid.SampledFrom([]protocol.Kind{protocol.KindWork, protocol.KindRetry}).Draw(rt, fmt.Sprintf("kind-%d", i))
			if kind == protocol.KindWork {
				_ = enc.Encode(protocol.Work{ID: int64(i)})
			} else {
				_ = enc.Encode(protocol.Retry{ID: int64(i)})
			}
			want = append(want, fmt.Sprintf("%s:%d", kind, i))
		}
		_ = enc.Encode(protocol.Exit{})
		want = append(want, "exit:-1")

		var output bytes.Buffer
		code := Main(context.Background(), &input, &output, handlers)
		if code != ExitCodeGraceful {
			rt.Fatalf("exit code %d", code)
		}
		if fmt.Sprint(calls) != fmt.Sprint(want) {
			rt.Fatalf("handler calls %v, want %v", calls, want)
		}

		dec := protocol.NewDecoder(&output)
		for i := range n + 1 {
			resp, err := dec.DecodeWorker()
			if err != nil {
				rt.Fatalf("response %d: %v", i, err)
			}
			wantID := int64(i)
			if i == n {
				wantID = protocol.NoCorrelation
			}
			if resp.MessageID() != wantID {
				rt.Fatalf("response %d has id %d, want %d", i, resp.MessageID(), wantID)
			}
		}
		if _, err := dec.DecodeWorker(); err != io.EOF {
			rt.Fatalf("extra output after exit: %v", err)
		}
	})
}
