package participant

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func ids(ps []Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestAddKeepsHostApartInHostedSession(t *testing.T) {
	r := NewRegistry("host", true, DefaultThresholds())
	r.Add(Participant{ID: "host"}, t0)
	r.Add(Participant{ID: "a"}, t0)
	r.Add(Participant{ID: "b"}, t0)

	assert.Equal(t, []string{"a", "b"}, ids(r.Active()))
	assert.Equal(t, 2, r.Count())
	h, ok := r.Host()
	require.True(t, ok)
	assert.True(t, h.IsHost())
	assert.Equal(t, []string{"host", "a", "b"}, ids(r.All()))
}

func TestHostCountsInUnhostedSession(t *testing.T) {
	r := NewRegistry("creator", false, DefaultThresholds())
	r.Add(Participant{ID: "creator"}, t0)
	assert.Equal(t, []string{"creator"}, ids(r.Active()))
	_, ok := r.Host()
	assert.False(t, ok)
}

func TestUnknownIDs(t *testing.T) {
	r := NewRegistry("", false, DefaultThresholds())
	_, ok := r.Get("nope")
	assert.False(t, ok)
	assert.False(t, r.Exists("nope"))
	assert.False(t, r.Remove("nope"))
	assert.ErrorIs(t, r.Touch("nope", t0), ErrNotFound)
	assert.ErrorIs(t, r.UpdateGeo("nope", nil), ErrNotFound)
}

func TestReAddKeepsJoinOrder(t *testing.T) {
	r := NewRegistry("", false, DefaultThresholds())
	r.Add(Participant{ID: "a"}, t0)
	r.Add(Participant{ID: "b"}, t0)
	r.Add(Participant{ID: "a", Name: "Ann"}, t0.Add(time.Minute))
	assert.Equal(t, []string{"a", "b"}, ids(r.All()))
	p, _ := r.Get("a")
	assert.Equal(t, "Ann", p.Name)
	assert.Equal(t, t0, p.JoinedAt)
}

func TestReservedSeqOrdersByEntry(t *testing.T) {
	r := NewRegistry("host", true, DefaultThresholds())
	host, s1, s2, s3 := r.Reserve(), r.Reserve(), r.Reserve(), r.Reserve()

	// Admissions complete out of order.
	r.Add(Participant{ID: "p3", Seq: s3, JoinedAt: t0.Add(3 * time.Second)}, t0.Add(time.Minute))
	r.Add(Participant{ID: "p1", Seq: s1, JoinedAt: t0.Add(time.Second)}, t0.Add(time.Minute))
	r.Add(Participant{ID: "host", Seq: host, JoinedAt: t0}, t0.Add(time.Minute))
	r.Add(Participant{ID: "p2", Seq: s2, JoinedAt: t0.Add(2 * time.Second)}, t0.Add(time.Minute))

	assert.Equal(t, []string{"p1", "p2", "p3"}, ids(r.Active()))
	assert.Equal(t, []string{"host", "p1", "p2", "p3"}, ids(r.All()))
	p1, ok := r.Get("p1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Second), p1.JoinedAt)
	assert.Equal(t, t0.Add(time.Minute), p1.LastSeen)

	r.Add(Participant{ID: "late"}, t0)
	assert.Equal(t, []string{"p1", "p2", "p3", "late"}, ids(r.Active()))
}

func TestSweepIdlesThenPurges(t *testing.T) {
	r := NewRegistry("", false, DefaultThresholds())
	r.Add(Participant{ID: "a"}, t0)
	r.Add(Participant{ID: "b"}, t0.Add(20*time.Minute))

	res := r.Sweep(t0.Add(DefaultIdleAfter))
	assert.Equal(t, []string{"a"}, res.Idled)
	assert.Empty(t, res.Purged)
	assert.Equal(t, []string{"a"}, ids(r.Idle()))

	// Far past both thresholds: b idles but is not purged in the same pass.
	res = r.Sweep(t0.Add(DefaultIdleAfter + DefaultPurgeAfter + time.Hour))
	assert.Equal(t, []string{"b"}, res.Idled)
	assert.Equal(t, []string{"a"}, res.Purged)
	assert.False(t, r.Exists("a"))
	assert.True(t, r.Exists("b"))
}

func TestTouchRevivesIdle(t *testing.T) {
	r := NewRegistry("", false, DefaultThresholds())
	r.Add(Participant{ID: "a"}, t0)
	r.Sweep(t0.Add(time.Hour))
	require.Len(t, r.Idle(), 1)
	require.NoError(t, r.Touch("a", t0.Add(time.Hour)))
	assert.Len(t, r.Active(), 1)
	assert.Empty(t, r.Idle())
}

func TestDisabledThresholds(t *testing.T) {
	r := NewRegistry("", false, Thresholds{})
	r.Add(Participant{ID: "a"}, t0)
	res := r.Sweep(t0.Add(1000 * time.Hour))
	assert.Empty(t, res.Idled)
	assert.Empty(t, res.Purged)

	idle := time.Minute
	r = NewRegistry("", false, Thresholds{Idle: &idle})
	r.Add(Participant{ID: "a"}, t0)
	r.Sweep(t0.Add(time.Hour))
	res = r.Sweep(t0.Add(1000 * time.Hour))
	assert.Empty(t, res.Purged, "purge disabled keeps idle participants")
	assert.Equal(t, []string{"a"}, ids(r.Idle()))
}

func TestPurgingHostClearsSlot(t *testing.T) {
	r := NewRegistry("host", true, DefaultThresholds())
	r.Add(Participant{ID: "host"}, t0)
	r.Sweep(t0.Add(DefaultIdleAfter))
	res := r.Sweep(t0.Add(DefaultIdleAfter + DefaultPurgeAfter))
	assert.Equal(t, []string{"host"}, res.Purged)
	_, ok := r.Host()
	assert.False(t, ok)
	assert.Zero(t, r.Count())
	assert.Empty(t, r.All())
}

// Random add/touch/sweep sequences never purge a participant that a prior
// sweep did not idle, and never count the host.
func TestSweepNeverSkipsIdle(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		r := NewRegistry("host", true, DefaultThresholds())
		now := t0
		idled := map[string]bool{}
		for step := 0; step < 40; step++ {
			now = now.Add(time.Duration(rng.Intn(90)) * time.Minute)
			switch rng.Intn(3) {
			case 0:
				id := string(rune('a' + rng.Intn(6)))
				if rng.Intn(4) == 0 {
					id = "host"
				}
				r.Add(Participant{ID: id}, now)
				delete(idled, id)
			case 1:
				for _, p := range r.All() {
					if rng.Intn(2) == 0 {
						require.NoError(t, r.Touch(p.ID, now))
						delete(idled, p.ID)
					}
				}
			default:
				res := r.Sweep(now)
				for _, id := range res.Purged {
					require.True(t, idled[id], "purged %s without idling first", id)
					delete(idled, id)
				}
				for _, id := range res.Idled {
					idled[id] = true
				}
			}
			for _, p := range append(r.Active(), r.Idle()...) {
				require.NotEqual(t, "host", p.ID)
			}
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	r := NewRegistry("host", true, DefaultThresholds())
	r.Add(Participant{ID: "host"}, t0)
	r.Add(Participant{ID: "a", GeoLocation: &GeoLocation{Latitude: 1, Longitude: 2}}, t0)
	r.Add(Participant{ID: "b"}, t0.Add(time.Minute))
	r.Sweep(t0.Add(DefaultIdleAfter))

	raw, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := Restore(snap, DefaultThresholds())
	assert.Equal(t, r.All(), restored.All())
	assert.Equal(t, ids(r.Idle()), ids(restored.Idle()))
	_, ok := restored.Host()
	assert.True(t, ok)

	restored.Add(Participant{ID: "c"}, t0.Add(time.Hour))
	assert.Equal(t, "c", restored.All()[3].ID)
}
