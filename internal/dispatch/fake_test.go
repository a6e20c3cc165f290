package dispatch_test

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/forkpool/internal/dispatch"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/worker"
)

// runFunc plays the worker side of a fake process. ctx ends when the process
// is killed.
type runFunc func(ctx context.Context, in io.Reader, out io.Writer) int

// pipeSpawner runs workers as goroutines connected through OS pipes.
type pipeSpawner struct {
	run     runFunc
	nextPID atomic.Int64
	spawned atomic.Int64
}

func newPipeSpawner(run runFunc) *pipeSpawner {
	s := &pipeSpawner{run: run}
	s.nextPID.Store(1000)
	return s
}

func workerRun(h worker.Handlers) runFunc {
	return func(ctx context.Context, in io.Reader, out io.Writer) int {
		return worker.Main(ctx, in, out, h)
	}
}

func (s *pipeSpawner) Spawn(ctx context.Context) (dispatch.Process, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	runCtx, kill := context.WithCancel(context.Background())
	p := &fakeProcess{
		pid:   int(s.nextPID.Add(1)),
		stdin: inW,
		out:   outR,
		inR:   inR,
		kill:  kill,
		done:  make(chan int, 1),
	}
	s.spawned.Add(1)

	go func() {
		code := s.run(runCtx, inR, outW)
		_ = outW.Close()
		_ = inR.Close()
		p.done <- code
	}()
	return p, nil
}

type fakeProcess struct {
	pid    int
	stdin  *os.File
	out    *os.File
	inR    *os.File
	kill   context.CancelFunc
	killed atomic.Bool
	done   chan int

	once   sync.Once
	status dispatch.ExitStatus
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.Reader     { return p.out }

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.kill()
	_ = p.inR.Close()
	return nil
}

func (p *fakeProcess) Wait() (dispatch.ExitStatus, error) {
	p.once.Do(func() {
		code := <-p.done
		_ = p.out.Close()
		p.status = dispatch.ExitStatus{Code: code}
		if p.killed.Load() {
			p.status = dispatch.ExitStatus{Code: -1, Signal: "killed"}
		}
	})
	return p.status, nil
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []published
	notify chan struct{}
}

type published struct {
	Type string
	Data map[string]any
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) Publish(eventType string, data any) {
	m, _ := data.(map[string]any)
	r.mu.Lock()
	r.events = append(r.events, published{Type: eventType, Data: m})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) ofType(eventType string) []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []published
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// waitFor blocks until at least n events of eventType were published.
func (r *recorder) waitFor(t *testing.T, eventType string, n int) []published {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if got := r.ofType(eventType); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q events", n, eventType)
		}
	}
}

// inbound is one handler invocation, flattened for assertions.
type inbound struct {
	PID     int
	Kind    string
	ID      int64
	Request *dispatch.Request
	Text    string
	Items   int
}

// collector builds pool handlers that push every invocation to a channel.
type collector struct {
	ch chan inbound
}

func newCollector() *collector {
	return &collector{ch: make(chan inbound, 256)}
}

func (c *collector) handlers() dispatch.Handlers {
	return dispatch.Handlers{
		Done: func(_ context.Context, in dispatch.Inbound[protocol.Done]) {
			c.ch <- inbound{PID: in.PID, Kind: "done", ID: in.Message.ID, Request: in.Request}
		},
		Error: func(_ context.Context, in dispatch.Inbound[protocol.Error]) {
			c.ch <- inbound{PID: in.PID, Kind: "error", ID: in.Message.ID, Request: in.Request, Text: in.Message.Message}
		},
		Retry: func(_ context.Context, in dispatch.Inbound[protocol.RetryAck]) {
			c.ch <- inbound{PID: in.PID, Kind: "retry", ID: in.Message.ID, Request: in.Request}
		},
		New: func(_ context.Context, in dispatch.Inbound[protocol.NewWork]) {
			c.ch <- inbound{PID: in.PID, Kind: "new", ID: in.Message.MessageID(), Items: len(in.Message.WorkItems)}
		},
	}
}

func (c *collector) next(t *testing.T) inbound {
	t.Helper()
	select {
	case in := <-c.ch:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a worker message")
		return inbound{}
	}
}

func shutdown(t *testing.T, p *dispatch.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
