package hub

import (
	"encoding/json"

	"github.com/agent-racer/conductor/internal/transport"
)

// Action names a frame on the hub websocket protocol.
type Action string

// Client to hub.
const (
	ActionAttach          Action = "attach"
	ActionDetach          Action = "detach"
	ActionPublish         Action = "publish"
	ActionPresenceEnter   Action = "presence_enter"
	ActionPresenceUpdate  Action = "presence_update"
	ActionPresenceLeave   Action = "presence_leave"
	ActionPresenceGet     Action = "presence_get"
	ActionPresenceHistory Action = "presence_history"
)

// Hub to client.
const (
	ActionConnected Action = "connected"
	ActionResult    Action = "result"
	ActionError     Action = "error"
	ActionMessage   Action = "message"
	ActionPresence  Action = "presence"
	ActionSuspended Action = "suspended"
)

// Error codes carried by error frames.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeInternal     = 500
)

// Frame is one JSON text frame. Requests carry an ID that the hub echoes on
// the matching result or error frame.
type Frame struct {
	Action   Action                      `json:"action"`
	ID       string                      `json:"id,omitempty"`
	Channel  string                      `json:"channel,omitempty"`
	Name     string                      `json:"name,omitempty"`
	Data     json.RawMessage             `json:"data,omitempty"`
	Limit    int                         `json:"limit,omitempty"`
	ClientID string                      `json:"clientId,omitempty"`
	Message  *transport.Message          `json:"message,omitempty"`
	Presence *transport.PresenceMessage  `json:"presence,omitempty"`
	Members  []transport.PresenceMessage `json:"members,omitempty"`
	Code     int                         `json:"code,omitempty"`
	Error    string                      `json:"error,omitempty"`
}
