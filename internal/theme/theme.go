// Package theme provides the Lip Gloss palette and shared styles of the
// operator console. It is a leaf package with no internal imports apart
// from the session and health enums it colours.
package theme

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/session"
)

// Lifecycle colors.
var (
	ColorCreated  = lipgloss.Color("#7c3aed")
	ColorAnnounce = lipgloss.Color("#06b6d4")
	ColorLive     = lipgloss.Color("#22c55e")
	ColorClosing  = lipgloss.Color("#d97706")
	ColorClosed   = lipgloss.Color("#4b5563")
	ColorCanceled = lipgloss.Color("#dc2626")
	ColorDefault  = lipgloss.Color("#9ca3af")
)

// Participant liveness colors.
var (
	ColorActive = lipgloss.Color("#22c55e")
	ColorIdle   = lipgloss.Color("#854d0e")
	ColorPurged = lipgloss.Color("#374151")
	ColorHost   = lipgloss.Color("#a855f7")
)

// Response window bar thresholds.
var (
	ColorWindowLow  = lipgloss.Color("#22c55e") // <50% answered
	ColorWindowMid  = lipgloss.Color("#d97706")
	ColorWindowHigh = lipgloss.Color("#3b82f6") // >80% answered
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorAccent  = lipgloss.Color("#2563eb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

func LifecycleColor(l session.Lifecycle) lipgloss.Color {
	switch l {
	case session.Created:
		return ColorCreated
	case session.Announce:
		return ColorAnnounce
	case session.Live:
		return ColorLive
	case session.Closing:
		return ColorClosing
	case session.Closed:
		return ColorClosed
	case session.Canceled:
		return ColorCanceled
	default:
		return ColorDefault
	}
}

// LifecycleGlyph returns a one or two cell marker for a lifecycle.
func LifecycleGlyph(l session.Lifecycle) string {
	switch l {
	case session.Created:
		return "◎"
	case session.Announce:
		return "◌"
	case session.Live:
		return "●>"
	case session.Closing:
		return "◐"
	case session.Closed:
		return "✓"
	case session.Canceled:
		return "✗"
	default:
		return "·"
	}
}

func LivenessColor(l participant.Liveness) lipgloss.Color {
	switch l {
	case participant.Active:
		return ColorActive
	case participant.Idle:
		return ColorIdle
	case participant.Purged:
		return ColorPurged
	default:
		return ColorDefault
	}
}

func HealthColor(s health.Status) lipgloss.Color {
	switch s {
	case health.StatusHealthy:
		return ColorHealthy
	case health.StatusDegraded:
		return ColorWarning
	case health.StatusFailed:
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// WindowColor returns the color for the answered share of a response window.
func WindowColor(pct float64) lipgloss.Color {
	switch {
	case pct > 0.8:
		return ColorWindowHigh
	case pct > 0.5:
		return ColorWindowMid
	default:
		return ColorWindowLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
