package watch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/quan-xiao/testmanager/internal/api"
	"github.com/quan-xiao/testmanager/internal/events"
)

const (
	maxEventLog  = 50
	pollInterval = 5 * time.Second
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	// State
	health   HealthState
	fleet    []api.TestBoxView
	eventLog []events.Event

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme Theme
	table table.Model

	// Communication
	lastID    *atomic.Int64
	hubEvents chan events.Event

	// Error display
	lastError string

	now func() time.Time
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		lastID:    new(atomic.Int64),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		theme:     NewDefaultTheme(),
		table:     newFleetTable(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.pollHealth(0),
		m.pollFleet(0),
		tick(),
		tea.EnterAltScreen,
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) pollHealth(after time.Duration) tea.Cmd {
	if after == 0 {
		return func() tea.Msg { return fetchHealth(m.apiURL) }
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
}

func (m Model) pollFleet(after time.Duration) tea.Cmd {
	if after == 0 {
		return func() tea.Msg { return fetchFleet(m.apiURL, m.apiKey) }
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return fetchFleet(m.apiURL, m.apiKey) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.spinner.Decay(time.Time(msg))
		m.table.SetRows(fleetRows(m.fleet, m.theme, time.Time(msg)))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)

		// Newest first
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}

		now := m.now()
		m.spinner.OnEvent(now)
		if e.Type == events.SweepCompleted {
			m.ticker.OnSweep(now)
		}

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Tasks = msg.Tasks
		m.health.TestBoxes = msg.TestBoxes
		m.health.Connected = true
		m.health.LastCheck = m.now()
		m.lastError = ""
		return m, m.pollHealth(pollInterval)

	case fleetMsg:
		m.fleet = []api.TestBoxView(msg)
		m.table.SetRows(fleetRows(m.fleet, m.theme, m.now()))
		return m, m.pollFleet(pollInterval)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the channel and picks
		// up events from the next subscription.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Batch(m.pollHealth(pollInterval), m.pollFleet(pollInterval))
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing watch..."
	}

	header := renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width, m.now())
	fleet := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("FLEET (%d)", len(m.fleet))),
		m.table.View(),
	))
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, fleet, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll fleet"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
