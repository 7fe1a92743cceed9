package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	Retrying  int
	Live      int
	Lobby     int
	Ended     int
	Health    *client.Health
	Width     int
}

func New() Model {
	return Model{}
}

// SetCounts updates the zone counts.
func (m *Model) SetCounts(live, lobby, ended int) {
	m.Live = live
	m.Lobby = lobby
	m.Ended = ended
}

// View renders the status bar.
func (m Model) View() string {
	width := max(m.Width, 40)

	var connStr string
	switch {
	case m.Connected:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	case m.Retrying > 0:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(fmt.Sprintf("○ Reconnecting (#%d)", m.Retrying))
	default:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	counts := fmt.Sprintf("%d live  %d lobby  %d ended", m.Live, m.Lobby, m.Ended)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + counts
	if h := m.healthString(); h != "" {
		content += sep + h
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func (m Model) healthString() string {
	if m.Health == nil {
		return ""
	}
	reports := append([]health.Report(nil), m.Health.Apps...)
	sort.Slice(reports, func(i, j int) bool { return reports[i].App < reports[j].App })
	parts := make([]string, 0, len(reports))
	for _, r := range reports {
		parts = append(parts, lipgloss.NewStyle().Foreground(theme.HealthColor(r.Status)).Render(
			fmt.Sprintf("%s: %s", r.App, r.Status),
		))
	}
	return strings.Join(parts, "  ")
}
