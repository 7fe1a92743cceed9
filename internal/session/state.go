package session

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/jinzhu/copier"

	"github.com/agent-racer/conductor/internal/participant"
)

// Lifecycle is the externally visible lifecycle of a session.
type Lifecycle int

const (
	Created Lifecycle = iota
	Announce
	Live
	Closing
	Closed
	Canceled
)

var lifecycleNames = map[Lifecycle]string{
	Created:  "created",
	Announce: "announce",
	Live:     "live",
	Closing:  "closing",
	Closed:   "closed",
	Canceled: "canceled",
}

var lifecycleFromName = map[string]Lifecycle{
	"created":  Created,
	"announce": Announce,
	"live":     Live,
	"closing":  Closing,
	"closed":   Closed,
	"canceled": Canceled,
}

func (l Lifecycle) String() string {
	if s, ok := lifecycleNames[l]; ok {
		return s
	}
	return "unknown"
}

func (l Lifecycle) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Lifecycle) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := lifecycleFromName[s]; ok {
		*l = v
	}
	return nil
}

// ParseLifecycle maps a lifecycle name to its value.
func ParseLifecycle(name string) (Lifecycle, bool) {
	l, ok := lifecycleFromName[name]
	return l, ok
}

func (l Lifecycle) IsTerminal() bool {
	return l == Closed || l == Canceled
}

// FlagSpectators enables the spectators display channel.
const FlagSpectators = "spectators"

// ChannelSet names the shared channels of a session.
type ChannelSet struct {
	Session      string `json:"session"`
	Actions      string `json:"actions"`
	Participants string `json:"participants"`
	Spectators   string `json:"spectators,omitempty"`
}

// Session is one running event.
type Session struct {
	ID        string          `json:"id"`
	AppID     string          `json:"appId"`
	ZoneID    string          `json:"zoneId"`
	CreatorID string          `json:"creatorId"`
	Hosted    bool            `json:"hosted"`
	Lifecycle Lifecycle       `json:"lifecycle"`
	Flags     []string        `json:"flags,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"` // opaque developer context
	Channels  ChannelSet      `json:"channels"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Session) HasFlag(flag string) bool {
	return slices.Contains(s.Flags, flag)
}

// State is an operator-facing snapshot of one running session.
type State struct {
	ID                string                    `json:"id"`
	AppID             string                    `json:"appId"`
	ZoneID            string                    `json:"zoneId"`
	CreatorID         string                    `json:"creatorId"`
	Hosted            bool                      `json:"hosted"`
	Lifecycle         Lifecycle                 `json:"lifecycle"`
	Phase             string                    `json:"phase"`                // orchestrator state
	LogicState        string                    `json:"logicState,omitempty"` // reported by developer logic
	Flags             []string                  `json:"flags,omitempty"`
	ActiveCount       int                       `json:"activeCount"`
	IdleCount         int                       `json:"idleCount"`
	SpectatorCount    int                       `json:"spectatorCount"`
	Participants      []participant.Participant `json:"participants,omitempty"`
	PendingResponders []string                  `json:"pendingResponders,omitempty"`
	WindowDeadline    *time.Time                `json:"windowDeadline,omitempty"`
	Channels          map[string]string         `json:"channels,omitempty"` // channel name to attach state
	Backlog           int                       `json:"backlog"`            // queued plus deferred events
	LastError         string                    `json:"lastError,omitempty"`
	ErrorClass        string                    `json:"errorClass,omitempty"`
	StartedAt         time.Time                 `json:"startedAt"`
	UpdatedAt         time.Time                 `json:"updatedAt"`
	EndedAt           *time.Time                `json:"endedAt,omitempty"`
	Done              bool                      `json:"done"`
	Slot              int                       `json:"slot"`
}

// Clone returns a deep copy of the State so the copy can be mutated
// independently of the original.
func (s *State) Clone() *State {
	c := &State{}
	if err := copier.CopyWithOption(c, s, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds, impossible for same-type copies.
		panic(err)
	}
	return c
}

func (s *State) IsTerminal() bool {
	return s.Done || s.Lifecycle.IsTerminal()
}
