// Package eventlog is the console's scrollable log of feed traffic,
// operator actions and errors.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/conductor/internal/theme"
)

const maxEntries = 200

// Kind tags an entry's origin.
type Kind string

const (
	KindFeed   Kind = "feed"
	KindAction Kind = "act"
	KindHealth Kind = "hlth"
	KindError  Kind = "err"
)

var kindOrder = []Kind{KindFeed, KindAction, KindHealth, KindError}

type Entry struct {
	Time    time.Time
	Kind    Kind
	Message string
}

// Model holds the log. Offset counts lines scrolled up from the bottom.
type Model struct {
	Entries []Entry
	Offset  int
	hidden  map[Kind]bool
	now     func() time.Time
}

func New() Model {
	return Model{hidden: make(map[Kind]bool), now: time.Now}
}

// Addf appends a formatted entry, drops the oldest beyond the cap and
// returns the view to the bottom.
func (m *Model) Addf(kind Kind, format string, args ...any) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	m.Entries = append(m.Entries, Entry{Time: now(), Kind: kind, Message: fmt.Sprintf(format, args...)})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// Toggle hides or shows entries of kind.
func (m *Model) Toggle(kind Kind) {
	if m.hidden == nil {
		m.hidden = make(map[Kind]bool)
	}
	m.hidden[kind] = !m.hidden[kind]
	m.Offset = 0
}

// Visible returns the entries not filtered out, oldest first.
func (m Model) Visible() []Entry {
	if len(m.hidden) == 0 {
		return m.Entries
	}
	out := make([]Entry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if !m.hidden[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}

func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(0, len(m.Visible())-1))
}

func (m *Model) ScrollDown(n int) {
	m.Offset = max(0, m.Offset-n)
}

// View renders the log as an overlay panel of the given outer size.
func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	visibleLines := max(height-7, 3)

	title := theme.StyleHeader.Render(" EVENT LOG ")
	filters := m.filterLine()
	entries := m.Visible()
	help := theme.StyleDimmed.Render(fmt.Sprintf("j/k:scroll  f/a/h/e:filter  esc:close  %d/%d entries", len(entries), len(m.Entries)))

	if len(entries) == 0 {
		body := theme.StyleDimmed.Render("  No events recorded yet.")
		return panel(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, filters, "", body, "", help))
	}

	end := max(len(entries)-m.Offset, 0)
	start := max(end-visibleLines, 0)
	lines := make([]string, 0, end-start)
	for _, e := range entries[start:end] {
		msg := e.Message
		if innerW > 23 && len(msg) > innerW-20 {
			msg = msg[:innerW-23] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s %s",
			theme.StyleDimmed.Render(e.Time.Format("15:04:05.000")),
			lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(4).Render(string(e.Kind)),
			msg))
	}

	scroll := ""
	if m.Offset > 0 {
		scroll = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset))
	}
	return panel(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, filters, strings.Join(lines, "\n"), scroll, help))
}

func (m Model) filterLine() string {
	parts := make([]string, 0, len(kindOrder))
	for _, k := range kindOrder {
		mark := "[x]"
		if m.hidden[k] {
			mark = "[ ]"
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(kindColor(k)).Render(mark+" "+string(k)))
	}
	return strings.Join(parts, "  ")
}

func panel(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)
}

func kindColor(k Kind) lipgloss.Color {
	switch k {
	case KindFeed:
		return theme.ColorAccent
	case KindAction:
		return theme.ColorCreated
	case KindHealth:
		return theme.ColorWarning
	case KindError:
		return theme.ColorDanger
	default:
		return theme.ColorDimmed
	}
}
