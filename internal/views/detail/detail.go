// Package detail renders the session flyout. The body is built as
// Markdown and rendered with glamour.
package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/theme"
)

const panelWidth = 72

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)
)

// Model holds the state for the detail overlay.
type Model struct {
	Session *client.SessionState
	// ActionError is the last failed operator action on this session.
	ActionError string
	// Confirming is set while a shutdown awaits confirmation.
	Confirming bool

	rendered string
}

// New renders the detail body for s. now anchors the relative times.
func New(s *client.SessionState, now time.Time) Model {
	m := Model{Session: s}
	if s != nil {
		m.rendered = render(Markdown(s, now))
	}
	return m
}

// View renders the detail panel, or "" when no session is set.
func (m Model) View() string {
	if m.Session == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(m.rendered)
	if m.ActionError != "" {
		b.WriteString("\n" + theme.StyleError.Render("Error: "+m.ActionError) + "\n")
	}
	b.WriteString("\n")
	switch {
	case m.Confirming:
		b.WriteString(theme.StyleError.Render("Shut this session down? [y] yes  [n] no"))
	case m.Session.IsTerminal():
		b.WriteString(styleFooter.Render("[r] refresh  [esc] close"))
	default:
		b.WriteString(styleFooter.Render("[x] shutdown  [r] refresh  [esc] close"))
	}
	return stylePanel.Width(panelWidth).Render(b.String())
}

func render(md string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(panelWidth-4),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

// Markdown builds the detail document for a session.
func Markdown(s *client.SessionState, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", s.ID)

	b.WriteString("| | |\n|---|---|\n")
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", label, value)
		}
	}
	row("App", s.AppID)
	row("Zone", s.ZoneID)
	row("Creator", s.CreatorID)
	row("Lifecycle", s.Lifecycle.String())
	row("Phase", s.Phase)
	row("Logic state", s.LogicState)
	row("Hosted", fmt.Sprintf("%t", s.Hosted))
	if len(s.Flags) > 0 {
		row("Flags", strings.Join(s.Flags, ", "))
	}
	row("Slot", fmt.Sprintf("%d", s.Slot))
	if !s.StartedAt.IsZero() {
		row("Started", formatAge(now, s.StartedAt))
	}
	if !s.UpdatedAt.IsZero() {
		row("Updated", formatAge(now, s.UpdatedAt))
	}
	if s.EndedAt != nil {
		row("Ended", formatAge(now, *s.EndedAt))
	}

	if s.WindowDeadline != nil {
		b.WriteString("\n## Response window\n\n")
		fmt.Fprintf(&b, "Closes in **%s**, %d of %d still to answer.\n",
			max(0, s.WindowDeadline.Sub(now)).Round(time.Second),
			len(s.PendingResponders), len(s.Participants))
		if len(s.PendingResponders) > 0 {
			b.WriteString("\n")
			for _, id := range s.PendingResponders {
				fmt.Fprintf(&b, "- `%s`\n", id)
			}
		}
	}

	fmt.Fprintf(&b, "\n## Participants (%d active, %d idle, %d spectators)\n\n",
		s.ActiveCount, s.IdleCount, s.SpectatorCount)
	if len(s.Participants) == 0 {
		b.WriteString("_none_\n")
	} else {
		b.WriteString("| # | Name | Role | Liveness | Last seen |\n|---|---|---|---|---|\n")
		for _, p := range s.Participants {
			name := p.Name
			if name == "" {
				name = p.ID
			}
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n",
				p.Seq, name, p.Role, p.Liveness, formatAge(now, p.LastSeen))
		}
	}

	if s.LastError != "" {
		b.WriteString("\n## Last error\n\n")
		if s.ErrorClass != "" {
			fmt.Fprintf(&b, "**%s**: ", s.ErrorClass)
		}
		fmt.Fprintf(&b, "%s\n", s.LastError)
	}
	return b.String()
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds ago", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}
