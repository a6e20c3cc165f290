package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/mattjoyce/forkpool/internal/dispatch"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

type routed struct {
	Kind string
	ID   int64
}

func drawWorkerMessage(rt *rapid.T, i int) protocol.WorkerMessage {
	kind := rapid.SampledFrom(protocol.WorkerKinds()).Draw(rt, fmt.Sprintf("kind-%d", i))
	id := rapid.Int64Range(0, 1000).Draw(rt, fmt.Sprintf("id-%d", i))
	switch kind {
	case protocol.KindDone:
		return protocol.Done{ID: id}
	case protocol.KindError:
		return protocol.Error{ID: id, Message: "failed"}
	case protocol.KindRetry:
		return protocol.RetryAck{ID: id}
	case protocol.KindNew:
		n := rapid.IntRange(1, 3).Draw(rt, fmt.Sprintf("items-%d", i))
		items := make([]json.RawMessage, n)
		for j := range items {
			items[j] = json.RawMessage(`{}`)
		}
		return protocol.NewWork{WorkItems: items}
	}
	rt.Fatalf("unhandled worker kind %q", kind)
	return nil
}

func TestProperty_EveryWorkerKindRoutesOnceInOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		script := make([]protocol.WorkerMessage, n)
		want := make([]routed, n)
		for i := range script {
			script[i] = drawWorkerMessage(rt, i)
			want[i] = routed{Kind: string(script[i].MessageKind()), ID: script[i].MessageID()}
		}

		scripted := func(_ context.Context, _ io.Reader, out io.Writer) int {
			enc := protocol.NewEncoder(out)
			for _, msg := range script {
				if err := enc.Encode(msg); err != nil {
					return 1
				}
			}
			return 0
		}

		c := newCollector()
		pool, err := dispatch.Start(context.Background(), dispatch.Config{
			Workers: 1,
			Spawner: newPipeSpawner(scripted),
		}, c.handlers())
		if err != nil {
			rt.Fatalf("start: %v", err)
		}
		if err := pool.Wait(context.Background()); err != nil {
			rt.Fatalf("wait: %v", err)
		}

		var got []routed
		for len(c.ch) > 0 {
			in := <-c.ch
			got = append(got, routed{Kind: in.Kind, ID: in.ID})
		}
		if diff := cmp.Diff(want, got); diff != "" {
			rt.Fatalf("routing mismatch (-want +got):\n%s", diff)
		}
		if v := pool.Stats().ProtocolViolations; v != 0 {
			rt.Fatalf("unexpected protocol violations: %d", v)
		}
	})
}
