// Package app is the root Bubble Tea model of the operator console.
package app

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/theme"
	"github.com/agent-racer/conductor/internal/views/board"
	"github.com/agent-racer/conductor/internal/views/dashboard"
	"github.com/agent-racer/conductor/internal/views/detail"
	"github.com/agent-racer/conductor/internal/views/eventlog"
	"github.com/agent-racer/conductor/internal/views/status"
)

const (
	healthInterval = 5 * time.Second
	actionTimeout  = 10 * time.Second
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayLog
)

// Feed is the admin websocket as the model uses it.
type Feed interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop(ctx context.Context) tea.Cmd
	Reconnect() error
	Close()
}

// API is the admin REST surface as the model uses it.
type API interface {
	Health(ctx context.Context) (*client.Health, error)
	Session(ctx context.Context, id string) (*client.SessionState, error)
	Shutdown(ctx context.Context, id string) error
}

type healthMsg struct {
	health *client.Health
	err    error
}

type healthTickMsg struct{}

type sessionMsg struct {
	session *client.SessionState
	err     error
}

type shutdownMsg struct {
	id  string
	err error
}

// Model is the root Bubble Tea model.
type Model struct {
	feed   Feed
	api    API
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessions map[string]*client.SessionState
	overlay  Overlay

	board     board.Model
	statusBar status.Model
	dashboard dashboard.Model
	detail    detail.Model
	log       eventlog.Model

	connected   bool
	lastHealth  health.Status
	snapshotted bool
}

func New(feed Feed, api API) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		feed:      feed,
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		sessions:  make(map[string]*client.SessionState),
		board:     board.New(),
		statusBar: status.New(),
		dashboard: dashboard.New(),
		log:       eventlog.New(),
	}
}

// Init dials the feed and starts health polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.feed.Listen(m.ctx), m.fetchHealth(), healthTick())
}

func healthTick() tea.Cmd {
	return tea.Tick(healthInterval, func(time.Time) tea.Msg { return healthTickMsg{} })
}

func (m Model) fetchHealth() tea.Cmd {
	api, ctx := m.api, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		h, err := api.Health(ctx)
		return healthMsg{health: h, err: err}
	}
}

func (m Model) fetchSession(id string) tea.Cmd {
	api, ctx := m.api, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		s, err := api.Session(ctx, id)
		return sessionMsg{session: s, err: err}
	}
}

func (m Model) shutdown(id string) tea.Cmd {
	api, ctx := m.api, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		return shutdownMsg{id: id, err: api.Shutdown(ctx, id)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		m.board.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.statusBar.Retrying = 0
		m.log.Addf(eventlog.KindFeed, "connected")
		return m, m.feed.ReadLoop(m.ctx)

	case client.WSRetryMsg:
		m.statusBar.Retrying = msg.Attempt
		m.log.Addf(eventlog.KindError, "dial failed (attempt %d, waited %s): %v", msg.Attempt, msg.Delay, msg.Err)
		return m, m.feed.Listen(m.ctx)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.log.Addf(eventlog.KindError, "disconnected: %v", msg.Err)
		return m, m.feed.Listen(m.ctx)

	case client.WSSnapshotMsg:
		m.sessions = make(map[string]*client.SessionState, len(msg.Payload.Sessions))
		for _, s := range msg.Payload.Sessions {
			m.sessions[s.ID] = s
		}
		m.snapshotted = true
		m.log.Addf(eventlog.KindFeed, "snapshot: %d sessions", len(m.sessions))
		m.refreshViews()
		return m, m.feed.ReadLoop(m.ctx)

	case client.WSDeltaMsg:
		for _, s := range msg.Payload.Updates {
			m.sessions[s.ID] = s
		}
		for _, id := range msg.Payload.Removed {
			delete(m.sessions, id)
		}
		m.log.Addf(eventlog.KindFeed, "delta: %d updated, %d removed", len(msg.Payload.Updates), len(msg.Payload.Removed))
		m.refreshViews()
		return m, m.feed.ReadLoop(m.ctx)

	case client.WSErrorMsg:
		m.log.Addf(eventlog.KindError, "server: %s", msg.Message)
		return m, m.feed.ReadLoop(m.ctx)

	case healthTickMsg:
		return m, tea.Batch(m.fetchHealth(), healthTick())

	case healthMsg:
		if msg.err != nil {
			m.log.Addf(eventlog.KindError, "health: %v", msg.err)
			return m, nil
		}
		m.statusBar.Health = msg.health
		m.dashboard.SetHealth(msg.health)
		if msg.health.Status != m.lastHealth {
			m.log.Addf(eventlog.KindHealth, "overall %s", msg.health.Status)
			m.lastHealth = msg.health.Status
		}
		return m, nil

	case sessionMsg:
		if msg.err != nil {
			m.detail.ActionError = msg.err.Error()
			return m, nil
		}
		m.sessions[msg.session.ID] = msg.session
		m.refreshViews()
		return m, nil

	case shutdownMsg:
		if msg.err != nil {
			m.log.Addf(eventlog.KindError, "shutdown %s: %v", msg.id, msg.err)
			if m.detail.Session != nil && m.detail.Session.ID == msg.id {
				m.detail.ActionError = msg.err.Error()
			}
			return m, nil
		}
		m.log.Addf(eventlog.KindAction, "shutdown %s accepted", msg.id)
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) && !(m.overlay == OverlayDetail && m.detail.Confirming) {
		m.cancel()
		if m.feed != nil {
			m.feed.Close()
		}
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlayDetail:
		return m.handleDetailKey(msg)
	case OverlayLog:
		return m.handleLogKey(msg), nil
	}

	switch {
	case key.Matches(msg, m.keys.Down):
		m.board.MoveDown()
	case key.Matches(msg, m.keys.Up):
		m.board.MoveUp()
	case key.Matches(msg, m.keys.Tab):
		m.board.CycleZone()
	case key.Matches(msg, m.keys.Zone1):
		m.board.JumpToZone(board.ZoneLive)
	case key.Matches(msg, m.keys.Zone2):
		m.board.JumpToZone(board.ZoneLobby)
	case key.Matches(msg, m.keys.Zone3):
		m.board.JumpToZone(board.ZoneEnded)
	case key.Matches(msg, m.keys.Log):
		m.overlay = OverlayLog
	case key.Matches(msg, m.keys.Refresh):
		if err := m.feed.Reconnect(); err != nil {
			m.log.Addf(eventlog.KindError, "resync: %v", err)
		} else {
			m.log.Addf(eventlog.KindAction, "resync requested")
		}
		return m, m.fetchHealth()
	case key.Matches(msg, m.keys.Enter):
		if s := m.board.Selected(); s != nil {
			m.detail = detail.New(s, time.Now())
			m.overlay = OverlayDetail
		}
	}
	return m, nil
}

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	s := m.detail.Session
	if m.detail.Confirming {
		switch {
		case key.Matches(msg, m.keys.Confirm):
			m.detail.Confirming = false
			m.log.Addf(eventlog.KindAction, "shutdown %s requested", s.ID)
			return m, m.shutdown(s.ID)
		case key.Matches(msg, m.keys.Deny), key.Matches(msg, m.keys.Escape):
			m.detail.Confirming = false
		}
		return m, nil
	}
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.overlay = OverlayNone
		m.detail = detail.Model{}
	case key.Matches(msg, m.keys.Shutdown):
		if s != nil && !s.IsTerminal() {
			m.detail.Confirming = true
		}
	case key.Matches(msg, m.keys.Refresh):
		if s != nil {
			return m, m.fetchSession(s.ID)
		}
	}
	return m, nil
}

func (m Model) handleLogKey(msg tea.KeyMsg) Model {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.overlay = OverlayNone
	case key.Matches(msg, m.keys.Up):
		m.log.ScrollUp(1)
	case key.Matches(msg, m.keys.Down):
		m.log.ScrollDown(1)
	case key.Matches(msg, m.keys.FilterFeed):
		m.log.Toggle(eventlog.KindFeed)
	case key.Matches(msg, m.keys.FilterAction):
		m.log.Toggle(eventlog.KindAction)
	case key.Matches(msg, m.keys.FilterHealth):
		m.log.Toggle(eventlog.KindHealth)
	case key.Matches(msg, m.keys.FilterError):
		m.log.Toggle(eventlog.KindError)
	}
	return m
}

// refreshViews pushes the session map into every view and re-renders an
// open detail panel whose session changed.
func (m *Model) refreshViews() {
	m.board.SetSessions(m.sessions)
	m.statusBar.SetCounts(m.board.Counts())
	m.dashboard.SetSessions(m.sessions)
	if m.overlay == OverlayDetail && m.detail.Session != nil {
		id := m.detail.Session.ID
		s, ok := m.sessions[id]
		if !ok {
			s = m.detail.Session.Clone()
			s.Done = true
		}
		confirming, actionErr := m.detail.Confirming, m.detail.ActionError
		m.detail = detail.New(s, time.Now())
		m.detail.Confirming = confirming && !s.IsTerminal()
		m.detail.ActionError = actionErr
	}
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var body string
	switch {
	case !m.connected && !m.snapshotted:
		body = m.renderDisconnected()
	case m.overlay == OverlayDetail:
		body = lipgloss.Place(m.width, max(m.height-4, 10), lipgloss.Center, lipgloss.Center, m.detail.View())
	case m.overlay == OverlayLog:
		body = m.log.View(m.width, max(m.height-4, 10))
	default:
		body = lipgloss.JoinVertical(lipgloss.Left, m.dashboard.View(), m.board.View())
		if !m.connected {
			body = lipgloss.JoinVertical(lipgloss.Left, m.renderDisconnected(), body)
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		body,
		theme.StyleDimmed.Render("  j/k:navigate  tab/1-3:zone  enter:detail  l:log  r:resync  q:quit"),
	)
}

func (m Model) renderDisconnected() string {
	msg := lipgloss.JoinVertical(lipgloss.Center,
		lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("DISCONNECTED"),
		theme.StyleDimmed.Render("Reconnecting to the conductor admin feed..."),
	)
	return lipgloss.NewStyle().
		Width(max(m.width-2, 40)).
		Align(lipgloss.Center).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorDanger).
		Render(msg)
}
