package client

import (
	"encoding/json"

	"github.com/agent-racer/conductor/internal/admin"
	"github.com/agent-racer/conductor/internal/session"
)

// envelope is an admin feed frame with its payload left undecoded.
type envelope struct {
	Type    admin.MessageType `json:"type"`
	Payload json.RawMessage   `json:"payload"`
}

// SessionState aliases the runtime's operator snapshot so views need not
// import the session package.
type SessionState = session.State

// Health aliases the /api/health body.
type Health = admin.HealthPayload
