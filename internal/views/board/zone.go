package board

import (
	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/session"
)

// Zone groups sessions by how far along their lifecycle they are.
type Zone int

const (
	ZoneLive Zone = iota
	ZoneLobby
	ZoneEnded
)

const zoneCount = 3

// Classify returns the zone a session belongs in.
func Classify(s *client.SessionState) Zone {
	if s.IsTerminal() {
		return ZoneEnded
	}
	switch s.Lifecycle {
	case session.Live:
		return ZoneLive
	case session.Closing:
		return ZoneEnded
	default:
		return ZoneLobby
	}
}

// ZoneName returns a display label.
func ZoneName(z Zone) string {
	switch z {
	case ZoneLive:
		return "LIVE"
	case ZoneLobby:
		return "LOBBY"
	case ZoneEnded:
		return "ENDED"
	default:
		return "?"
	}
}
