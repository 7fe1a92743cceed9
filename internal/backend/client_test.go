package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/backend/backendtest"
)

func TestFetchApp(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddApp(backend.App{ID: "trivia", Name: "Trivia", ZoneID: "z1", Hosted: true})
	c := backend.New(srv.URL, "", time.Second)

	app, err := c.FetchApp(context.Background(), "trivia")
	require.NoError(t, err)
	assert.Equal(t, backend.App{ID: "trivia", Name: "Trivia", ZoneID: "z1", Hosted: true}, app)

	_, err = c.FetchApp(context.Background(), "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestFetchZoneEventsFiltersByState(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddEvent(backend.Event{ID: "e1", ZoneID: "z1", State: backend.StateLive})
	srv.AddEvent(backend.Event{ID: "e2", ZoneID: "z1", State: backend.StateClosed})
	srv.AddEvent(backend.Event{ID: "e3", ZoneID: "z2", State: backend.StateLive})
	c := backend.New(srv.URL, "", time.Second)

	events, err := c.FetchZoneEvents(context.Background(), "z1", backend.StateAnnounce, backend.StateLive)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}

func TestFetchParticipantResolvesIncludedUser(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddParticipant(backend.Participant{ID: "p1", EventID: "e1", UserID: "u1", Name: "Ada"})
	c := backend.New(srv.URL, "", time.Second)

	p, err := c.FetchParticipant(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, backend.Participant{ID: "p1", EventID: "e1", UserID: "u1", Name: "Ada"}, p)
}

func TestTransitionAndContext(t *testing.T) {
	ctx := context.Background()
	srv := backendtest.New(t)
	c := backend.New(srv.URL, "", time.Second)

	require.NoError(t, c.Transition(ctx, "e1", backend.StateClosed))
	assert.Equal(t, []backendtest.Transition{{EventID: "e1", State: backend.StateClosed}}, srv.Transitions())

	saved, err := c.FetchContext(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, saved)

	require.NoError(t, c.SaveContext(ctx, "e1", json.RawMessage(`{"round":3}`)))
	saved, err = c.FetchContext(ctx, "e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"round":3}`, string(saved))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, backend.ErrUnauthorized},
		{http.StatusForbidden, backend.ErrUnauthorized},
		{http.StatusNotFound, backend.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()
			_, err := backend.New(srv.URL, "tok", time.Second).FetchApp(context.Background(), "a")
			assert.ErrorIs(t, err, tt.want)
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	_, err := backend.New(srv.URL, "tok", time.Second).FetchApp(context.Background(), "a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, backend.ErrNotFound)
	assert.Contains(t, err.Error(), "500")
}

func TestDocumentResolve(t *testing.T) {
	raw := `{"data":[{"type":"events","id":"e1","relationships":{"creator":{"data":{"type":"users","id":"u9"}}}}],
	         "included":[{"type":"users","id":"u9","attributes":{"name":"Host"}}]}`
	var doc backend.Document
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	_, err := doc.One()
	assert.Error(t, err)
	rs, err := doc.Many()
	require.NoError(t, err)
	require.Len(t, rs, 1)
	ref, ok := rs[0].Ref("creator")
	require.True(t, ok)
	user, ok := doc.Resolve(ref)
	require.True(t, ok)
	assert.Equal(t, "u9", user.ID)
	_, ok = doc.Resolve(backend.Identifier{Type: "users", ID: "nope"})
	assert.False(t, ok)
}
