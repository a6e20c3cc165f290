package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/forkpool/internal/api"
	"github.com/mattjoyce/forkpool/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type workersMsg api.WorkersResponse

type exitRequestedMsg struct{ pid int }

type tickMsg time.Time

type errMsg error

// pollFailedMsg reports a failed poll so it can be rescheduled.
type pollFailedMsg struct {
	poll string
	err  error
}

const (
	pollHealth  = "health"
	pollWorkers = "workers"
)

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// Client talks to the pool API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	stream  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Second},
		stream:  &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var h api.HealthzResponse
	err := c.getJSON(ctx, "/healthz", &h)
	return h, err
}

func (c *Client) Workers(ctx context.Context) (api.WorkersResponse, error) {
	var w api.WorkersResponse
	err := c.getJSON(ctx, "/workers", &w)
	return w, err
}

// Exit asks the pool to stop worker pid.
func (c *Client) Exit(ctx context.Context, pid int) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/workers/"+strconv.Itoa(pid)+"/exit")
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return statusError(resp)
	}
	return nil
}

// Stream reads SSE frames from /events into ch until the connection drops or
// ctx ends. lastID resumes after an already-seen event.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events")
	if err != nil {
		return err
	}
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return readSSE(resp.Body, ch)
}

func readSSE(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var current events.Event

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Data != nil {
				if current.At.IsZero() {
					current.At = time.Now()
				}
				ch <- current
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func statusError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

// --- Commands ---

// subscribeToEvents feeds the SSE stream into ch and reports
// sseDisconnectedMsg when the connection drops.
func subscribeToEvents(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		_ = c.Stream(context.Background(), lastID, ch)
		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return pollFailedMsg{poll: pollHealth, err: err}
		}
		return healthMsg(h)
	}
}

func fetchWorkers(c *Client) tea.Cmd {
	return func() tea.Msg {
		w, err := c.Workers(context.Background())
		if err != nil {
			return pollFailedMsg{poll: pollWorkers, err: err}
		}
		return workersMsg(w)
	}
}

func requestExit(c *Client, pid int) tea.Cmd {
	return func() tea.Msg {
		if err := c.Exit(context.Background(), pid); err != nil {
			return errMsg(fmt.Errorf("exit pid %d: %w", pid, err))
		}
		return exitRequestedMsg{pid: pid}
	}
}
