// Package board renders running sessions grouped into live, lobby and
// ended zones, with a per-zone selection cursor.
package board

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/theme"
)

const (
	idWidth  = 22
	appWidth = 12
	barWidth = 16
)

// Model holds the board state.
type Model struct {
	zones [zoneCount][]*client.SessionState

	SelectedIdx int
	ActiveZone  Zone

	Width int
	// Now is used for countdowns; nil means time.Now.
	Now func() time.Time
}

func New() Model {
	return Model{Now: time.Now}
}

// SetSessions rebuilds the zone groupings from the full session map.
func (m *Model) SetSessions(sessions map[string]*client.SessionState) {
	for z := range m.zones {
		m.zones[z] = nil
	}
	for _, s := range sessions {
		z := Classify(s)
		m.zones[z] = append(m.zones[z], s)
	}

	// Live: most participants first. Lobby: oldest first. Ended: newest first.
	sort.Slice(m.zones[ZoneLive], func(i, j int) bool {
		a, b := m.zones[ZoneLive][i], m.zones[ZoneLive][j]
		if a.ActiveCount != b.ActiveCount {
			return a.ActiveCount > b.ActiveCount
		}
		return a.ID < b.ID
	})
	sort.Slice(m.zones[ZoneLobby], func(i, j int) bool {
		a, b := m.zones[ZoneLobby][i], m.zones[ZoneLobby][j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
	sort.Slice(m.zones[ZoneEnded], func(i, j int) bool {
		a, b := m.zones[ZoneEnded][i], m.zones[ZoneEnded][j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	m.clampSelection()
}

// Counts returns the number of sessions in each zone.
func (m Model) Counts() (live, lobby, ended int) {
	return len(m.zones[ZoneLive]), len(m.zones[ZoneLobby]), len(m.zones[ZoneEnded])
}

func (m *Model) MoveDown() {
	if n := len(m.zones[m.ActiveZone]); n > 0 {
		m.SelectedIdx = (m.SelectedIdx + 1) % n
	}
}

func (m *Model) MoveUp() {
	if n := len(m.zones[m.ActiveZone]); n > 0 {
		m.SelectedIdx = (m.SelectedIdx - 1 + n) % n
	}
}

func (m *Model) CycleZone() {
	m.ActiveZone = (m.ActiveZone + 1) % zoneCount
	m.SelectedIdx = 0
}

func (m *Model) JumpToZone(z Zone) {
	m.ActiveZone = z
	m.SelectedIdx = 0
}

// Selected returns the session under the cursor, if any.
func (m Model) Selected() *client.SessionState {
	zone := m.zones[m.ActiveZone]
	if m.SelectedIdx >= 0 && m.SelectedIdx < len(zone) {
		return zone[m.SelectedIdx]
	}
	return nil
}

func (m *Model) clampSelection() {
	n := len(m.zones[m.ActiveZone])
	if m.SelectedIdx >= n {
		m.SelectedIdx = max(0, n-1)
	}
}

func (m Model) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// View renders every zone with its header rule.
func (m Model) View() string {
	width := max(m.Width, 60)
	var lines []string
	empty := true
	for z := Zone(0); z < zoneCount; z++ {
		lines = append(lines, m.zoneHeader(z, width))
		for i, s := range m.zones[z] {
			empty = false
			lines = append(lines, m.renderRow(s, z == m.ActiveZone && i == m.SelectedIdx))
		}
	}
	if empty {
		lines = append(lines, theme.StyleDimmed.Render("  No sessions running"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) zoneHeader(z Zone, width int) string {
	label := fmt.Sprintf("--- %s (%d) ", ZoneName(z), len(m.zones[z]))
	rule := label + strings.Repeat("-", max(0, width-len(label)-2))
	if z == m.ActiveZone {
		return theme.StyleHeader.Render(rule)
	}
	return theme.StyleDimmed.Render(rule)
}

func (m Model) renderRow(s *client.SessionState, selected bool) string {
	prefix := "  "
	if selected {
		prefix = "> "
	}
	color := theme.LifecycleColor(s.Lifecycle)
	glyph := lipgloss.NewStyle().Foreground(color).Width(2).Render(theme.LifecycleGlyph(s.Lifecycle))

	idStyle := lipgloss.NewStyle().Foreground(color).Width(idWidth)
	if selected {
		idStyle = idStyle.Bold(true)
	}
	id := idStyle.Render(truncate(s.ID, idWidth-1))
	app := theme.StyleDimmed.Width(appWidth).Render(truncate(s.AppID, appWidth-1))
	people := fmt.Sprintf("%2d act %2d idle %2d spec", s.ActiveCount, s.IdleCount, s.SpectatorCount)

	row := prefix + glyph + " " + id + app + people + "  " + m.renderWindow(s)
	if s.LastError != "" {
		row += "  " + theme.StyleError.Render(truncate(s.LastError, 30))
	}
	return row
}

// renderWindow shows response progress for an open window, otherwise the
// orchestrator phase.
func (m Model) renderWindow(s *client.SessionState) string {
	if s.WindowDeadline == nil {
		phase := s.Phase
		if s.LogicState != "" {
			phase += "/" + s.LogicState
		}
		return theme.StyleDimmed.Render(phase)
	}
	total := len(s.Participants)
	answered := total - len(s.PendingResponders)
	pct := 0.0
	if total > 0 {
		pct = float64(answered) / float64(total)
	}
	remaining := max(0, s.WindowDeadline.Sub(m.now())).Round(time.Second)
	return RenderBar(pct, barWidth, theme.WindowColor(pct)) +
		fmt.Sprintf(" %d/%d %s", answered, total, remaining)
}

// RenderBar draws a filled/empty progress bar of width cells.
func RenderBar(pct float64, width int, color lipgloss.Color) string {
	pct = min(max(pct, 0), 1)
	filled := int(pct * float64(width))
	return lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(strings.Repeat("░", width-filled))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
