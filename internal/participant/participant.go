// Package participant holds the per-session participant registry and the
// actor that runs each admitted participant.
package participant

import (
	"encoding/json"
	"time"
)

// Role distinguishes the host of a hosted session from everyone else.
type Role int

const (
	RoleParticipant Role = iota
	RoleHost
)

var roleNames = map[Role]string{
	RoleParticipant: "participant",
	RoleHost:        "host",
}

var roleFromName = map[string]Role{
	"participant": RoleParticipant,
	"host":        RoleHost,
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := roleFromName[s]; ok {
		*r = v
	}
	return nil
}

// Liveness tracks how recently a participant was seen.
type Liveness int

const (
	Active Liveness = iota
	Idle
	Purged
)

var livenessNames = map[Liveness]string{
	Active: "active",
	Idle:   "idle",
	Purged: "purged",
}

var livenessFromName = map[string]Liveness{
	"active": Active,
	"idle":   Idle,
	"purged": Purged,
}

func (l Liveness) String() string {
	if s, ok := livenessNames[l]; ok {
		return s
	}
	return "unknown"
}

func (l Liveness) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Liveness) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := livenessFromName[s]; ok {
		*l = v
	}
	return nil
}

type GeoLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Participant is one user admitted into a session.
type Participant struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`
	Name           string       `json:"name,omitempty"`
	Role           Role         `json:"role"`
	PrivateChannel string       `json:"privateChannel"`
	GeoLocation    *GeoLocation `json:"geoLocation,omitempty"`
	Liveness       Liveness     `json:"liveness"`
	JoinedAt       time.Time    `json:"joinedAt"`
	LastSeen       time.Time    `json:"lastSeen"`
	// Seq is the join order within the session.
	Seq uint64 `json:"seq"`
}

// IsHost reports whether p is the session host.
func (p Participant) IsHost() bool {
	return p.Role == RoleHost
}

func (p Participant) clone() Participant {
	if p.GeoLocation != nil {
		g := *p.GeoLocation
		p.GeoLocation = &g
	}
	return p
}
