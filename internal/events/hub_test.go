package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RingKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := range 5 {
		h.Publish(WorkSubmitted, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.EqualValues(t, 3, snap[0].ID)
	assert.EqualValues(t, 5, snap[2].ID)
	assert.JSONEq(t, `{"n":4}`, string(snap[2].Data))

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.EqualValues(t, 5, since[0].ID)
}

func TestHub_SubscribeReceivesLiveEvents(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(WorkerExited, map[string]any{"pid": 42, "exit_code": 0})

	select {
	case ev := <-ch:
		assert.Equal(t, WorkerExited, ev.Type)
		var data map[string]any
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.EqualValues(t, 42, data["pid"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	for range subscriberBuffer + 10 {
		h.Publish(WorkSettled, nil)
	}
	assert.EqualValues(t, 10, h.Dropped())
}

func TestHub_CancelAndClose(t *testing.T) {
	h := NewHub(4)
	ch1, cancel1 := h.Subscribe()
	ch2, _ := h.Subscribe()

	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open)

	h.Close()
	_, open = <-ch2
	assert.False(t, open)

	h.Publish(PoolStopped, nil)
	assert.Empty(t, h.SnapshotSince(0))

	ch3, cancel3 := h.Subscribe()
	defer cancel3()
	_, open = <-ch3
	assert.False(t, open)
}

func TestHub_UnmarshalablePayload(t *testing.T) {
	h := NewHub(1)
	h.Publish(DeliveryFailed, map[string]any{"bad": make(chan int)})
	assert.JSONEq(t, `{}`, string(h.SnapshotSince(0)[0].Data))
}
