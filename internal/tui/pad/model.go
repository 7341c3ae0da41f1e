package pad

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/jogd/internal/command"
	"github.com/mattjoyce/jogd/internal/events"
)

const (
	healthInterval = 5 * time.Second
	reconnectDelay = 3 * time.Second
	jogTimeout     = 2 * time.Second
)

// --- Message types ---

type eventMsg events.Event

type healthMsg Health

type healthErrMsg struct{ err error }

type ackMsg struct {
	cmd command.Command
	ack Ack
	err error
}

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// --- Key bindings ---

type keyMap struct {
	J1Plus  key.Binding
	J1Minus key.Binding
	J2Plus  key.Binding
	J2Minus key.Binding
	Stop    key.Binding
	Quit    key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		J1Plus: key.NewBinding(
			key.WithKeys("right", "l"),
			key.WithHelp("→/l", "J1+"),
		),
		J1Minus: key.NewBinding(
			key.WithKeys("left", "h"),
			key.WithHelp("←/h", "J1-"),
		),
		J2Plus: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "J2+"),
		),
		J2Minus: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "J2-"),
		),
		Stop: key.NewBinding(
			key.WithKeys(" ", "s"),
			key.WithHelp("space", "STOP"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.J1Minus, k.J1Plus, k.J2Plus, k.J2Minus, k.Stop, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.J1Minus, k.J1Plus},
		{k.J2Plus, k.J2Minus},
		{k.Stop, k.Quit},
	}
}

// Model is the BubbleTea model for the jog pad.
type Model struct {
	api    API
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	keys     keyMap
	help     help.Model
	viewport viewport.Model
	theme    Theme

	health    Health
	connected bool
	eventLog  []events.Event
	lastSent  string
	lastAck   string
	lastError string

	hubEvents chan events.Event
}

// New builds a pad model on top of api.
func New(api API) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
		keys:      defaultKeyMap(),
		help:      help.New(),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		m.receiveNextEvent(),
		m.fetchHealth(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			return m, tea.Quit
		case key.Matches(msg, m.keys.J1Plus):
			return m.send(command.J1Plus)
		case key.Matches(msg, m.keys.J1Minus):
			return m.send(command.J1Minus)
		case key.Matches(msg, m.keys.J2Plus):
			return m.send(command.J2Plus)
		case key.Matches(msg, m.keys.J2Minus):
			return m.send(command.J2Minus)
		case key.Matches(msg, m.keys.Stop):
			return m.send(command.Stop)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.viewport.Width = max(msg.Width-8, 10)
		m.viewport.Height = max(msg.Height-16, 3)
		m.viewport.SetContent(renderEventLog(m.eventLog, m.theme))

	case ackMsg:
		if msg.err != nil {
			m.lastError = fmt.Sprintf("%s: %v", msg.cmd, msg.err)
			return m, nil
		}
		m.lastError = ""
		m.lastAck = msg.cmd.String()
		if msg.ack.Discarded > 0 {
			m.lastAck = fmt.Sprintf("%s (discarded %d)", m.lastAck, msg.ack.Discarded)
		}

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		m.connected = true
		m.viewport.SetContent(renderEventLog(m.eventLog, m.theme))
		return m, m.receiveNextEvent()

	case healthMsg:
		m.health = Health(msg)
		m.connected = true
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return m.fetchHealth()()
		})

	case healthErrMsg:
		m.connected = false
		m.lastError = msg.err.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return m.fetchHealth()()
		})

	case sseDisconnectedMsg:
		if m.ctx.Err() != nil {
			return m, nil
		}
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, m.subscribe()
	}

	return m, nil
}

func (m Model) send(cmd command.Command) (tea.Model, tea.Cmd) {
	m.lastSent = cmd.String()
	return m, m.jog(cmd)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing jog pad..."
	}
	innerWidth := m.width - 4

	parts := []string{
		m.theme.Border.Width(innerWidth).Render(m.renderHeader()),
		m.theme.Border.Width(innerWidth).Render(m.renderPad()),
		m.theme.Border.Width(innerWidth).Render(
			lipgloss.JoinVertical(lipgloss.Left,
				m.theme.Title.Render("EVENT STREAM"),
				m.viewport.View(),
			),
		),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, " "+m.help.View(m.keys))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) renderHeader() string {
	var status string
	switch {
	case !m.connected:
		status = m.theme.StatusDim.Render("CONNECTING")
	case m.health.Status == "ok":
		status = m.theme.StatusOK.Render("READY")
	case m.health.Status == "stopping":
		status = m.theme.StatusRunning.Render("STOPPING")
	default:
		status = m.theme.StatusFailed.Render("DEAD")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	return fmt.Sprintf(" JOGD PAD  %s  ⏱ %s  Queue: %d  State: %s",
		status, uptime, m.health.QueueDepth, m.theme.Dim.Render(m.health.State))
}

func (m Model) renderPad() string {
	j1 := lipgloss.JoinHorizontal(lipgloss.Center,
		m.theme.Key.Render("← J1-"), m.theme.Title.Render("J1"), m.theme.Key.Render("J1+ →"))
	j2 := lipgloss.JoinHorizontal(lipgloss.Center,
		m.theme.Key.Render("↓ J2-"), m.theme.Title.Render("J2"), m.theme.Key.Render("J2+ ↑"))
	stop := m.theme.Stop.Render("STOP")

	last := m.theme.Dim.Render("sent: -")
	if m.lastSent != "" {
		last = fmt.Sprintf("sent: %s", m.theme.Highlight.Render(m.lastSent))
	}
	if m.lastAck != "" {
		last += fmt.Sprintf("  ack: %s", m.theme.StatusOK.Render(m.lastAck))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Center, j1, "   ", j2, "   ", stop),
		" "+last,
	)
}

// --- Commands ---

func (m Model) jog(cmd command.Command) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, jogTimeout)
		defer cancel()
		ack, err := m.api.Jog(ctx, cmd)
		return ackMsg{cmd: cmd, ack: ack, err: err}
	}
}

func (m Model) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		h, err := m.api.Health(m.ctx)
		if err != nil {
			return healthErrMsg{err: err}
		}
		return healthMsg(h)
	}
}

func (m Model) subscribe() tea.Cmd {
	return func() tea.Msg {
		err := m.api.Subscribe(m.ctx, m.hubEvents)
		return sseDisconnectedMsg{err: err}
	}
}

// receiveNextEvent waits for the next event; it outlives reconnects.
func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-m.hubEvents:
			return eventMsg(e)
		case <-m.ctx.Done():
			return nil
		}
	}
}

// Run starts the pad on the terminal and blocks until the user quits.
func Run(api API) error {
	m := New(api)
	defer m.cancel()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
