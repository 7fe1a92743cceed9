package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/admin"
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/supervisor"
)

func feedServer(t *testing.T, frames ...admin.Message) (*httptest.Server, chan string) {
	t.Helper()
	tokens := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, tokens
}

func TestWSClientFeed(t *testing.T) {
	srv, tokens := feedServer(t,
		admin.Message{Type: "bogus", Payload: map[string]string{}},
		admin.Message{Type: admin.MsgSnapshot, Payload: admin.SnapshotPayload{Sessions: []*session.State{
			{ID: "ev-1", Lifecycle: session.Live, ActiveCount: 2},
		}}},
		admin.Message{Type: admin.MsgDelta, Payload: admin.DeltaPayload{Removed: []string{"ev-1"}}},
		admin.Message{Type: admin.MsgError, Payload: admin.ErrorPayload{Message: "too many clients"}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http")+"/admin/ws", "s3cret")
	defer c.Close()

	require.IsType(t, WSConnectedMsg{}, c.Listen(ctx)())
	assert.Equal(t, "s3cret", <-tokens)

	snap, ok := c.ReadLoop(ctx)().(WSSnapshotMsg)
	require.True(t, ok, "unknown frame types are skipped")
	require.Len(t, snap.Payload.Sessions, 1)
	assert.Equal(t, session.Live, snap.Payload.Sessions[0].Lifecycle)
	assert.Equal(t, 2, snap.Payload.Sessions[0].ActiveCount)

	delta, ok := c.ReadLoop(ctx)().(WSDeltaMsg)
	require.True(t, ok)
	assert.Equal(t, []string{"ev-1"}, delta.Payload.Removed)

	errMsg, ok := c.ReadLoop(ctx)().(WSErrorMsg)
	require.True(t, ok)
	assert.Equal(t, "too many clients", errMsg.Message)

	require.NoError(t, c.Reconnect())
	_, ok = c.ReadLoop(ctx)().(WSDisconnectedMsg)
	assert.True(t, ok)
}

func TestWSClientRetry(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1/admin/ws", "")
	c.retry.InitialInterval = 1
	c.retry.RandomizationFactor = 0
	c.retry.Reset()
	msg, ok := c.Listen(context.Background())().(WSRetryMsg)
	require.True(t, ok)
	assert.Equal(t, 1, msg.Attempt)
	assert.Error(t, msg.Err)

	_, ok = c.ReadLoop(context.Background())().(WSDisconnectedMsg)
	assert.True(t, ok, "no connection yet")
}

func TestHTTPClient(t *testing.T) {
	var created supervisor.CreateEvent
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(admin.HealthPayload{
			Status: health.StatusFailed,
			Apps:   []health.Report{{App: "quiz", Status: health.StatusFailed}},
		})
	})
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "ev-1" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(session.State{ID: "ev-1", Lifecycle: session.Closing})
	})
	mux.HandleFunc("POST /api/sessions/{id}/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "ev-1" {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /api/apps/{app}/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"eventId": created.EventID})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "tok")
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err, "503 still carries a health body")
	assert.Equal(t, health.StatusFailed, h.Status)

	s, err := c.Session(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, session.Closing, s.Lifecycle)

	_, err = c.Session(ctx, "nope")
	assert.ErrorContains(t, err, "404")

	require.NoError(t, c.Shutdown(ctx, "ev-1"))
	assert.ErrorContains(t, c.Shutdown(ctx, "nope"), "session not found")

	id, err := c.Create(ctx, "quiz", supervisor.CreateEvent{EventID: "ev-9", CreatorID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "ev-9", id)
	assert.Equal(t, "u-1", created.CreatorID)
}
