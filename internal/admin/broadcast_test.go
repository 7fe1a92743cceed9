package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/session"
)

// wsPair returns the server and client ends of a websocket.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-connCh:
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side websocket")
		return nil, nil
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (MessageType, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var raw struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	return raw.Type, raw.Payload
}

func newBroadcaster(t *testing.T, store *session.Store, filter *session.PrivacyFilter, maxClients int) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(store, filter, 10*time.Millisecond, time.Hour, maxClients, nil)
	t.Cleanup(b.Stop)
	return b
}

func TestAddClientSendsSnapshot(t *testing.T) {
	store := session.NewStore()
	store.Update(&session.State{ID: "ev1", AppID: "quiz"})
	store.Update(&session.State{ID: "ev2", AppID: "poll"})
	b := newBroadcaster(t, store, &session.PrivacyFilter{BlockedApps: []string{"poll"}}, 0)

	server, client := wsPair(t)
	_, err := b.AddClient(server)
	require.NoError(t, err)

	typ, payload := readMessage(t, client)
	require.Equal(t, MsgSnapshot, typ)
	var snap SnapshotPayload
	require.NoError(t, json.Unmarshal(payload, &snap))
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "ev1", snap.Sessions[0].ID)
}

func TestDeltaCoalescesUpdates(t *testing.T) {
	b := newBroadcaster(t, session.NewStore(), &session.PrivacyFilter{MaskEventIDs: true}, 0)
	server, client := wsPair(t)
	_, err := b.AddClient(server)
	require.NoError(t, err)
	typ, _ := readMessage(t, client)
	require.Equal(t, MsgSnapshot, typ)

	b.QueueUpdate([]*session.State{{ID: "ev1", Phase: "announce"}})
	b.QueueUpdate([]*session.State{{ID: "ev1", Phase: "live"}, {ID: "ev2", Phase: "created"}})
	b.QueueRemoval([]string{"ev3"})

	typ, payload := readMessage(t, client)
	require.Equal(t, MsgDelta, typ)
	var delta DeltaPayload
	require.NoError(t, json.Unmarshal(payload, &delta))
	require.Len(t, delta.Updates, 2)
	assert.Equal(t, "live", delta.Updates[0].Phase)
	assert.Equal(t, "created", delta.Updates[1].Phase)

	filter := session.PrivacyFilter{MaskEventIDs: true}
	assert.Equal(t, filter.MaskEventID("ev1"), delta.Updates[0].ID)
	assert.Equal(t, []string{filter.MaskEventID("ev3")}, delta.Removed)
	assert.NotEqual(t, "ev3", delta.Removed[0])
}

func TestQueueUpdateCopiesState(t *testing.T) {
	b := newBroadcaster(t, session.NewStore(), nil, 0)
	st := &session.State{ID: "ev1", Phase: "live"}
	b.QueueUpdate([]*session.State{st})
	st.Phase = "mutated"

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	require.Len(t, b.pendingUpdates, 1)
	assert.Equal(t, "live", b.pendingUpdates[0].Phase)
}

func TestAddClientMaxConnections(t *testing.T) {
	b := newBroadcaster(t, session.NewStore(), nil, 2)

	var clients []*client
	for range 2 {
		server, _ := wsPair(t)
		c, err := b.AddClient(server)
		require.NoError(t, err)
		clients = append(clients, c)
	}
	assert.Equal(t, 2, b.ClientCount())

	server, _ := wsPair(t)
	_, err := b.AddClient(server)
	assert.ErrorIs(t, err, ErrTooManyConnections)

	b.RemoveClient(clients[0])
	b.RemoveClient(clients[0])
	server, _ = wsPair(t)
	_, err = b.AddClient(server)
	require.NoError(t, err)
	assert.Equal(t, 2, b.ClientCount())
}

func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	b := newBroadcaster(t, session.NewStore(), nil, 0)
	server, _ := wsPair(t)

	c := &client{conn: server, b: b, send: make(chan []byte, clientBuffer)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	server.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopDisconnectsClients(t *testing.T) {
	b := NewBroadcaster(session.NewStore(), nil, time.Millisecond, time.Hour, 0, nil)
	server, client := wsPair(t)
	_, err := b.AddClient(server)
	require.NoError(t, err)
	readMessage(t, client)

	b.Stop()
	b.Stop()
	assert.Equal(t, 0, b.ClientCount())
	b.QueueUpdate([]*session.State{{ID: "ev1"}})

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	assert.Error(t, err)
}
