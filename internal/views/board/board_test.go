package board

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/session"
)

func TestSetSessionsGroupsAndSorts(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New()
	m.SetSessions(map[string]*client.SessionState{
		"small": {ID: "small", Lifecycle: session.Live, ActiveCount: 1},
		"big":   {ID: "big", Lifecycle: session.Live, ActiveCount: 9},
		"old":   {ID: "old", Lifecycle: session.Created, StartedAt: now.Add(-time.Hour)},
		"new":   {ID: "new", Lifecycle: session.Announce, StartedAt: now},
		"done":  {ID: "done", Lifecycle: session.Closed, UpdatedAt: now},
	})
	live, lobby, ended := m.Counts()
	assert.Equal(t, []int{2, 2, 1}, []int{live, lobby, ended})
	assert.Equal(t, "big", m.Selected().ID)

	m.JumpToZone(ZoneLobby)
	assert.Equal(t, "old", m.Selected().ID)
	m.MoveUp()
	assert.Equal(t, "new", m.Selected().ID)

	// Shrinking the active zone clamps the cursor.
	m.SetSessions(map[string]*client.SessionState{
		"old": {ID: "old", Lifecycle: session.Created},
	})
	require.NotNil(t, m.Selected())
	assert.Equal(t, "old", m.Selected().ID)
}

func TestViewShowsWindowProgress(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(7 * time.Second)
	m := New()
	m.Now = func() time.Time { return now }
	m.Width = 120
	m.SetSessions(map[string]*client.SessionState{
		"ev-1": {
			ID:                "ev-1",
			AppID:             "quiz",
			Lifecycle:         session.Live,
			Participants:      []participant.Participant{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}, {ID: "p4"}},
			PendingResponders: []string{"p4"},
			WindowDeadline:    &deadline,
		},
		"ev-2": {ID: "ev-2", Lifecycle: session.Announce, Phase: "announcing", LogicState: "lobby"},
	})
	v := m.View()
	assert.Contains(t, v, "3/4 7s")
	assert.Contains(t, v, "announcing/lobby")
	assert.Contains(t, v, "LIVE (1)")
	assert.Contains(t, v, "ENDED (0)")
}

func TestViewEmpty(t *testing.T) {
	assert.Contains(t, New().View(), "No sessions running")
}
