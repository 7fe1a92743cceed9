package orchestrator

import (
	"encoding/json"
	"slices"

	"github.com/agent-racer/conductor/internal/participant"
)

// Message names on the actions channel.
const (
	MsgClientAction    = "client_action"
	MsgEventTransition = "event_transition"
	MsgExitEvent       = "exit_event"
)

// Message names published by the orchestrator.
const (
	MsgPublicDisplay = "public_display"
	MsgBroadcast     = "broadcast"
)

// Host transitions carried by an event_transition message.
const (
	TransitionAnnounce = "announce"
	TransitionStart    = "start"
	TransitionClose    = "close"
	TransitionCancel   = "cancel"
)

// ClientAction is a participant action published on the actions channel.
type ClientAction struct {
	ParticipantID string          `json:"participantId" jsonschema:"required"`
	Name          string          `json:"name" jsonschema:"required"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// EventTransition asks for a lifecycle change. Only the creator may send it.
type EventTransition struct {
	ParticipantID string `json:"participantId" jsonschema:"required"`
	Transition    string `json:"transition" jsonschema:"required,enum=announce,enum=start,enum=close,enum=cancel"`
}

// ExitEvent is an explicit, permanent exit.
type ExitEvent struct {
	ParticipantID string `json:"participantId" jsonschema:"required"`
	Reason        string `json:"reason,omitempty"`
}

// PresenceData is what clients attach to presence on the actions and
// spectators channels.
type PresenceData struct {
	// Reason classifies a leave; see LeavePolicy.
	Reason      string                   `json:"reason,omitempty"`
	GeoLocation *participant.GeoLocation `json:"geoLocation,omitempty"`
}

// TransitionNotice is published on the session channel on lifecycle changes.
type TransitionNotice struct {
	EventID string `json:"eventId"`
	State   string `json:"state"`
}

// LeavePolicy decides whether a presence leave is a permanent exit or a
// transient disconnect. Leaves whose reason is listed in PermanentReasons
// are permanent; every other leave, including one without a reason, is a
// disconnect the participant may recover from.
type LeavePolicy struct {
	PermanentReasons []string `yaml:"permanent_reasons" json:"permanentReasons"`
}

// DefaultLeavePolicy treats explicit exits and boots as permanent.
func DefaultLeavePolicy() LeavePolicy {
	return LeavePolicy{PermanentReasons: []string{"exit", "boot"}}
}

func (p LeavePolicy) Permanent(reason string) bool {
	return reason != "" && slices.Contains(p.PermanentReasons, reason)
}
