// Package logic defines the capability interfaces the orchestrator drives for
// developer-supplied session and participant behaviour.
//
// The orchestrator never depends on how an implementation is built. It feeds
// normalised events through Handle and applies the returned effects; an
// implementation that also satisfies Observable reports its own internal
// transitions so they can be surfaced to operators.
package logic

import (
	"context"
	"encoding/json"
	"time"
)

// Canonical event names delivered by the orchestrator. Participant actions
// are delivered under the action's own name.
const (
	EventAnnounce              = "ANNOUNCE"
	EventStart                 = "START"
	EventParticipantEnter      = "PARTICIPANT_ENTER"
	EventParticipantReconnect  = "PARTICIPANT_RECONNECT"
	EventParticipantDisconnect = "PARTICIPANT_DISCONNECT"
	EventParticipantExit       = "PARTICIPANT_EXIT"
	EventParticipantUpdate     = "PARTICIPANT_UPDATE"
	EventParticipantTimeout    = "PARTICIPANT_TIMEOUT"
	EventParticipantsTimeout   = "PARTICIPANTS_TIMEOUT"
	EventSpectatorEnter        = "SPECTATOR_ENTER"
	EventSpectatorLeave        = "SPECTATOR_LEAVE"
)

// Event is the normalised (participantID, name, payload) triple handed to
// developer logic.
type Event struct {
	Name          string          `json:"name"`
	ParticipantID string          `json:"participantId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	// NonResponders is set on PARTICIPANTS_TIMEOUT.
	NonResponders []string `json:"nonResponders,omitempty"`
}

// EffectKind selects what the orchestrator does with an Effect.
type EffectKind string

const (
	EffectDisplay   EffectKind = "display"
	EffectBroadcast EffectKind = "broadcast"
	EffectPrivate   EffectKind = "private"
	EffectBoot      EffectKind = "boot"
	EffectClose     EffectKind = "close"
	EffectCancel    EffectKind = "cancel"
	EffectPause     EffectKind = "pause"
)

// Audience selects the display channel(s) of a display or broadcast effect.
type Audience string

const (
	AudienceParticipants Audience = "participants"
	AudienceSpectators   Audience = "spectators"
	AudienceAll          Audience = "all"
)

// Timeout requests a response deadline alongside a display. With All set on a
// participants display, every active non-host participant must act within
// Duration or the logic receives PARTICIPANTS_TIMEOUT. On a private display it
// arms that participant's own inactivity timer.
type Timeout struct {
	Duration time.Duration `json:"duration"`
	All      bool          `json:"all,omitempty"`
}

// Effect is one side effect requested by developer logic.
type Effect struct {
	Kind          EffectKind `json:"kind"`
	Audience      Audience   `json:"audience,omitempty"`
	ParticipantID string     `json:"participantId,omitempty"`
	Name          string     `json:"name,omitempty"`
	Data          any        `json:"data,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Timeout       *Timeout   `json:"timeout,omitempty"`
}

// Result is what Handle returns. Terminal without a close effect means the
// logic finished on its own and the session shuts down without reporting a
// lifecycle transition.
type Result struct {
	Effects  []Effect
	Terminal bool
	// State is an optional name for the logic's current state, for operators.
	State string
}

// SessionLogic is the session-level developer state machine.
type SessionLogic interface {
	Handle(ctx context.Context, ev Event) (Result, error)
}

// ParticipantLogic is the optional per-participant developer state machine.
type ParticipantLogic interface {
	Handle(ctx context.Context, ev Event) (Result, error)
}

// Transition is an internal state change reported by observable logic.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Observable logic reports its own transitions. The callback may be invoked
// from any goroutine.
type Observable interface {
	Observe(fn func(Transition))
}

// Snapshotter logic can serialise its context for pause/resume and for crash
// recovery.
type Snapshotter interface {
	Snapshot() (json.RawMessage, error)
}

// SessionInfo identifies the session a logic instance is created for.
type SessionInfo struct {
	AppID     string
	EventID   string
	ZoneID    string
	CreatorID string
	Hosted    bool
}

// ParticipantInfo identifies the participant a logic instance is created for.
type ParticipantInfo struct {
	EventID       string
	ParticipantID string
	UserID        string
	Name          string
	Host          bool
}

// Factory constructs logic instances. saved is the opaque context restored on
// resume or rehydration; it is nil for a fresh session.
type Factory interface {
	NewSession(ctx context.Context, info SessionInfo, saved json.RawMessage) (SessionLogic, error)
	// NewParticipant may return (nil, nil) when the application has no
	// participant-level logic.
	NewParticipant(ctx context.Context, info ParticipantInfo) (ParticipantLogic, error)
}

// HasEffect reports whether r carries an effect of the given kind.
func (r Result) HasEffect(kind EffectKind) bool {
	for _, e := range r.Effects {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
