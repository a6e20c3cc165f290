package api

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkpool/internal/events"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames reads n SSE frames, skipping keep-alive comments.
func readFrames(t *testing.T, r *bufio.Reader, n int) []sseFrame {
	t.Helper()
	var (
		out []sseFrame
		cur sseFrame
	)
	for len(out) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.id != "" {
				out = append(out, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func TestEvents_ReplaysThenStreams(t *testing.T) {
	hub := events.NewHub(16)
	defer hub.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(Config{}, &mockPool{}, hub, logger)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	hub.Publish(events.WorkerSpawned, map[string]any{"pid": 1})
	hub.Publish(events.WorkerSpawned, map[string]any{"pid": 2})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	replayed := readFrames(t, r, 1)
	assert.Equal(t, sseFrame{id: "2", event: events.WorkerSpawned, data: `{"pid":2}`}, replayed[0])

	hub.Publish(events.WorkerExited, map[string]any{"pid": 2, "exit_code": 0})
	live := readFrames(t, r, 1)
	assert.Equal(t, "3", live[0].id)
	assert.Equal(t, events.WorkerExited, live[0].event)
	assert.JSONEq(t, `{"pid":2,"exit_code":0}`, live[0].data)
}

func TestParseLastEventID(t *testing.T) {
	cases := map[string]int64{"": 0, "7": 7, "-3": 0, "x": 0}
	for in, want := range cases {
		if got := parseLastEventID(in); got != want {
			t.Errorf("parseLastEventID(%q) = %d, want %d", in, got, want)
		}
	}
}
