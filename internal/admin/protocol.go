package admin

import (
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgError    MessageType = "error"
)

// Message is one frame of the /admin/ws feed.
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*session.State `json:"sessions"`
}

type DeltaPayload struct {
	Updates []*session.State `json:"updates"`
	Removed []string         `json:"removed,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// HealthPayload is the body of GET /api/health.
type HealthPayload struct {
	Status   health.Status        `json:"status"`
	Apps     []health.Report      `json:"apps"`
	Process  *health.ProcessStats `json:"process,omitempty"`
	Clients  int                  `json:"adminClients"`
	Sessions int                  `json:"activeSessions"`
}
