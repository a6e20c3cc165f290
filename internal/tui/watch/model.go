package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/forkpool/internal/events"
)

const pollInterval = 5 * time.Second

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	health      HealthState
	workers     map[int]*WorkerRow
	eventLog    []events.Event
	lastEventID int64

	ticker Ticker
	pulse  Pulse

	theme Theme
	table table.Model

	hubEvents chan events.Event

	lastError string
	notice    string
}

// New creates a watch model for the API at apiURL.
func New(apiURL, apiKey string) Model {
	theme := NewDefaultTheme()
	return Model{
		client:    NewClient(apiURL, apiKey),
		workers:   make(map[int]*WorkerRow),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		theme:     theme,
		table:     newWorkerTable(theme),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.client),
		fetchWorkers(m.client),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, tea.Batch(fetchHealth(m.client), fetchWorkers(m.client))
		case "x":
			if pid, ok := m.selectedPID(); ok {
				return m, requestExit(m.client, pid)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(msg.Width - 8)

	case tickMsg:
		m.ticker.Tick()
		m.pulse.Decay(time.Time(msg))
		m.refreshTable(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.pulse.OnEvent(time.Now())
		applyEvent(m.workers, e)
		m.refreshTable(time.Now())

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Workers = msg.Workers
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""

		return m, m.poll(pollHealth)

	case workersMsg:
		next := make(map[int]*WorkerRow, len(msg.Workers))
		for _, info := range msg.Workers {
			next[info.PID] = rowFromInfo(info, m.workers[info.PID])
		}
		m.workers = next
		m.health.Stats = msg.Stats
		m.refreshTable(time.Now())

		return m, m.poll(pollWorkers)

	case exitRequestedMsg:
		m.notice = fmt.Sprintf("exit requested for pid %d", msg.pid)
		if row, ok := m.workers[msg.pid]; ok && row.State == "active" {
			row.State = "exiting"
			m.refreshTable(time.Now())
		}

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastEventID, m.hubEvents)

	case pollFailedMsg:
		m.health.Connected = false
		m.lastError = msg.err.Error()
		return m, m.poll(msg.poll)

	case errMsg:
		m.lastError = msg.Error()
	}

	return m, nil
}

// poll schedules the next run of the named poll.
func (m Model) poll(name string) tea.Cmd {
	fetch := fetchHealth(m.client)
	if name == pollWorkers {
		fetch = fetchWorkers(m.client)
	}
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return fetch() })
}

func (m *Model) refreshTable(now time.Time) {
	m.table.SetRows(tableRows(sortedRows(m.workers), now))
}

func (m Model) selectedPID() (int, bool) {
	rows := sortedRows(m.workers)
	i := m.table.Cursor()
	if i < 0 || i >= len(rows) {
		return 0, false
	}
	return rows[i].PID, true
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to pool..."
	}

	now := time.Now()
	header := renderHeader(m.health, m.ticker, m.pulse, m.theme, m.width, now)
	workers := renderWorkers(m.table, sortedRows(m.workers), m.theme, m.width)
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, workers, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.notice != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.notice))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select • [x] Exit worker • [r] Refresh")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
