// Package dashboard provides the aggregate stats row and per-app table of
// the operator console.
package dashboard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/theme"
	"github.com/agent-racer/conductor/internal/views/board"
)

// Model holds the dashboard state.
type Model struct {
	Width    int
	sessions []*client.SessionState
	health   *client.Health
}

func New() Model {
	return Model{}
}

func (m *Model) SetSessions(sessions map[string]*client.SessionState) {
	m.sessions = make([]*client.SessionState, 0, len(sessions))
	for _, s := range sessions {
		m.sessions = append(m.sessions, s)
	}
}

func (m *Model) SetHealth(h *client.Health) {
	m.health = h
}

// View renders the stats row and the app table.
func (m Model) View() string {
	width := max(m.Width, 40)
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatsRow(width),
		m.renderApps(width),
	)
}

func (m Model) renderStatsRow(width int) string {
	var live, lobby, ended, active, idle, spectators, windows int
	for _, s := range m.sessions {
		switch board.Classify(s) {
		case board.ZoneLive:
			live++
		case board.ZoneLobby:
			lobby++
		case board.ZoneEnded:
			ended++
		}
		active += s.ActiveCount
		idle += s.IdleCount
		spectators += s.SpectatorCount
		if s.WindowDeadline != nil {
			windows++
		}
	}

	statStyle := lipgloss.NewStyle().Padding(0, 1)
	stats := []string{
		statStyle.Foreground(theme.ColorLive).Render(fmt.Sprintf("Live: %d", live)),
		statStyle.Foreground(theme.ColorAnnounce).Render(fmt.Sprintf("Lobby: %d", lobby)),
		statStyle.Foreground(theme.ColorDimmed).Render(fmt.Sprintf("Ended: %d", ended)),
		statStyle.Foreground(theme.ColorActive).Render(fmt.Sprintf("Active: %d", active)),
		statStyle.Foreground(theme.ColorIdle).Render(fmt.Sprintf("Idle: %d", idle)),
		statStyle.Foreground(theme.ColorAccent).Render(fmt.Sprintf("Spectators: %d", spectators)),
		statStyle.Foreground(theme.ColorWarning).Render(fmt.Sprintf("Windows: %d", windows)),
	}
	if m.health != nil && m.health.Process != nil {
		p := m.health.Process
		stats = append(stats, statStyle.Foreground(theme.ColorDimmed).Render(
			fmt.Sprintf("CPU %.1f%%  RSS %s", p.CPUPercent, formatBytes(p.RSSBytes))))
	}

	content := strings.Join(stats, lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | "))
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

// renderApps lists each application's health report.
func (m Model) renderApps(width int) string {
	header := theme.StyleHeader.Render("  Applications")
	if m.health == nil || len(m.health.Apps) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, header, theme.StyleDimmed.Render("  No health data"))
	}

	const (
		colApp      = 16
		colStatus   = 10
		colState    = 12
		colConn     = 14
		colSessions = 9
		colFailures = 9
	)
	dim := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	tableHeader := fmt.Sprintf("  %-*s %-*s %-*s %-*s %*s %*s  %s",
		colApp, "App", colStatus, "Status", colState, "State", colConn, "Connection",
		colSessions, "Sessions", colFailures, "Failures", "Last error")
	lines := []string{
		header,
		dim.Render(tableHeader),
		dim.Render("  " + strings.Repeat("─", min(width-4, len(tableHeader)+20))),
	}

	reports := append([]health.Report(nil), m.health.Apps...)
	sort.Slice(reports, func(i, j int) bool { return reports[i].App < reports[j].App })
	for _, r := range reports {
		status := lipgloss.NewStyle().Foreground(theme.HealthColor(r.Status)).Width(colStatus).Render(string(r.Status))
		line := fmt.Sprintf("  %-*s %s %-*s %-*s %*d %*d  %s",
			colApp, r.App, status, colState, r.State, colConn, r.Connection,
			colSessions, r.Sessions, colFailures, r.BackendFailures,
			theme.StyleError.Render(r.LastError))
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d", n)
	}
}
