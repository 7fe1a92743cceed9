package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(NewBroker(), cfg, nil)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestServerHandshakeAndPublish(t *testing.T) {
	_, srv := newTestServer(t, ServerConfig{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?clientId=c1", nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, ActionConnected, hello.Action)
	assert.Equal(t, "c1", hello.ClientID)

	require.NoError(t, conn.WriteJSON(Frame{Action: ActionAttach, ID: "1", Channel: "room"}))
	var res Frame
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, ActionResult, res.Action)
	assert.Equal(t, "1", res.ID)

	require.NoError(t, conn.WriteJSON(Frame{Action: ActionPublish, ID: "2", Channel: "room", Name: "ping"}))
	var got []Frame
	for len(got) < 2 {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		got = append(got, f)
	}
	actions := []Action{got[0].Action, got[1].Action}
	assert.ElementsMatch(t, []Action{ActionMessage, ActionResult}, actions)
}

func TestServerRejectsBadFrames(t *testing.T) {
	_, srv := newTestServer(t, ServerConfig{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	assert.NotEmpty(t, hello.ClientID, "anonymous clients get a generated id")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, ActionError, f.Action)
	assert.Equal(t, CodeBadRequest, f.Code)

	require.NoError(t, conn.WriteJSON(Frame{Action: "bogus", ID: "9", Channel: "room"}))
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "9", f.ID)
	assert.Equal(t, ActionError, f.Action)
}

func TestServerRequiresToken(t *testing.T) {
	_, srv := newTestServer(t, ServerConfig{Secret: []byte("k")})
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := MintToken([]byte("k"), "svc", nil, time.Minute)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestServerConnectionLimit(t *testing.T) {
	s, srv := newTestServer(t, ServerConfig{MaxConns: 1})
	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return s.PeerCount() == 1 }, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"localhost", nil, "http://localhost:3000", "example.com", true},
		{"foreign", nil, "http://evil.test", "example.com", false},
		{"allow list hit", []string{"https://app.test"}, "https://app.test", "example.com", true},
		{"allow list miss", []string{"https://app.test"}, "http://localhost:3000", "example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(NewBroker(), ServerConfig{AllowedOrigins: tt.allowed}, nil)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(r))
		})
	}
}
