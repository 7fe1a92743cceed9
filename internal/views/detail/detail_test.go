package detail

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agent-racer/conductor/internal/client"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/session"
)

func TestMarkdown(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	deadline := now.Add(5 * time.Second)
	s := &client.SessionState{
		ID:                "ev-1",
		AppID:             "quiz",
		Lifecycle:         session.Live,
		Phase:             "running",
		Flags:             []string{session.FlagSpectators},
		WindowDeadline:    &deadline,
		PendingResponders: []string{"p2"},
		Participants: []participant.Participant{
			{ID: "p1", Name: "Ada", Role: participant.RoleHost, Seq: 1, LastSeen: now.Add(-2 * time.Second)},
			{ID: "p2", Role: participant.RoleParticipant, Liveness: participant.Idle, Seq: 2},
		},
		ActiveCount: 1,
		IdleCount:   1,
		LastError:   "backend unavailable",
		ErrorClass:  "infrastructure",
	}
	md := Markdown(s, now)
	assert.Contains(t, md, "# Session ev-1")
	assert.Contains(t, md, "| Lifecycle | live |")
	assert.Contains(t, md, "| Flags | spectators |")
	assert.Contains(t, md, "Closes in **5s**, 1 of 2 still to answer.")
	assert.Contains(t, md, "- `p2`")
	assert.Contains(t, md, "| 1 | Ada | host | active | 2s ago |")
	assert.Contains(t, md, "| 2 | p2 | participant | idle | - |")
	assert.Contains(t, md, "**infrastructure**: backend unavailable")
}

func TestViewFooter(t *testing.T) {
	now := time.Now()
	m := New(&client.SessionState{ID: "ev-1", Lifecycle: session.Live}, now)
	assert.Contains(t, m.View(), "[x] shutdown")

	m.Confirming = true
	assert.Contains(t, m.View(), "Shut this session down?")

	ended := New(&client.SessionState{ID: "ev-2", Lifecycle: session.Closed}, now)
	assert.NotContains(t, ended.View(), "[x] shutdown")

	assert.Empty(t, Model{}.View())
}
