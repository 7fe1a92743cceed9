package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/supervisor"
)

type fakeApp struct {
	id     string
	status health.Status

	mu      sync.Mutex
	created []supervisor.CreateEvent
	removed []string
}

func (a *fakeApp) AppID() string { return a.id }

func (a *fakeApp) Health() health.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return health.Report{App: a.id, Status: a.status, State: "ready"}
}

func (a *fakeApp) Create(req supervisor.CreateEvent) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if req.EventID == "" {
		req.EventID = "generated"
	}
	a.created = append(a.created, req)
	return req.EventID
}

func (a *fakeApp) Remove(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, id)
	return true
}

func (a *fakeApp) removals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.removed...)
}

func (a *fakeApp) creates() []supervisor.CreateEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]supervisor.CreateEvent(nil), a.created...)
}

type harness struct {
	store *session.Store
	quiz  *fakeApp
	poll  *fakeApp
	srv   *httptest.Server
}

func newHarness(t *testing.T, cfg Config, filter *session.PrivacyFilter) *harness {
	t.Helper()
	h := &harness{
		store: session.NewStore(),
		quiz:  &fakeApp{id: "quiz", status: health.StatusHealthy},
		poll:  &fakeApp{id: "poll", status: health.StatusDegraded},
	}
	h.store.Update(&session.State{ID: "ev1", AppID: "quiz", CreatorID: "host", Phase: "live"})
	h.store.Update(&session.State{ID: "ev2", AppID: "poll", CreatorID: "host", Phase: "announce"})

	b := newBroadcaster(t, h.store, filter, 0)
	s := NewServer(h.store, b, []App{h.quiz, h.poll}, cfg, nil)
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSecurityHeaders(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	resp := h.do(t, http.MethodGet, "/api/sessions", "", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "default-src 'self'", resp.Header.Get("Content-Security-Policy"))
}

func TestAuthorization(t *testing.T) {
	h := newHarness(t, Config{AuthToken: "s3cret"}, nil)
	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{"missing", "/api/sessions", nil, http.StatusUnauthorized},
		{"wrong bearer", "/api/sessions", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized},
		{"bearer", "/api/sessions", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK},
		{"header", "/api/sessions", http.Header{"X-Conductor-Token": {"s3cret"}}, http.StatusOK},
		{"query", "/api/sessions?token=s3cret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.do(t, http.MethodGet, tt.path, "", tt.header).StatusCode)
		})
	}
}

func TestListSessions(t *testing.T) {
	h := newHarness(t, Config{}, &session.PrivacyFilter{MaskUserIDs: true})

	all := decode[[]session.State](t, h.do(t, http.MethodGet, "/api/sessions", "", nil))
	require.Len(t, all, 2)
	assert.Equal(t, "ev1", all[0].ID)
	assert.NotEqual(t, "host", all[0].CreatorID)

	polls := decode[[]session.State](t, h.do(t, http.MethodGet, "/api/sessions?app=poll", "", nil))
	require.Len(t, polls, 1)
	assert.Equal(t, "ev2", polls[0].ID)
}

func TestGetSession(t *testing.T) {
	h := newHarness(t, Config{}, &session.PrivacyFilter{BlockedApps: []string{"poll"}})

	resp := h.do(t, http.MethodGet, "/api/sessions/ev1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "live", decode[session.State](t, resp).Phase)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/sessions/ev2", "", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/sessions/missing", "", nil).StatusCode)
}

func TestShutdownSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/sessions/ev2/shutdown", "", nil).StatusCode)
	assert.Equal(t, []string{"ev2"}, h.poll.removals())
	assert.Empty(t, h.quiz.removals())

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/sessions/missing/shutdown", "", nil).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, http.MethodGet, "/api/sessions/ev2/shutdown", "", nil).StatusCode)
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	resp := h.do(t, http.MethodPost, "/api/apps/quiz/sessions", `{"creatorId":"host","flags":["spectators"]}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, map[string]string{"eventId": "generated"}, decode[map[string]string](t, resp))
	created := h.quiz.creates()
	require.Len(t, created, 1)
	assert.Equal(t, []string{"spectators"}, created[0].Flags)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/apps/quiz/sessions", `{}`, nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/apps/quiz/sessions", `{`, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/apps/other/sessions", `{"creatorId":"host"}`, nil).StatusCode)
}

func TestHealth(t *testing.T) {
	stats := health.ProcessStats{PID: 42, Goroutines: 7}
	h := newHarness(t, Config{Process: func(*http.Request) (health.ProcessStats, error) { return stats, nil }}, nil)

	resp := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[HealthPayload](t, resp)
	assert.Equal(t, health.StatusDegraded, body.Status)
	require.Len(t, body.Apps, 2)
	assert.Equal(t, "poll", body.Apps[0].App)
	require.NotNil(t, body.Process)
	assert.Equal(t, int32(42), body.Process.PID)
	assert.Equal(t, 2, body.Sessions)

	h.store.Update(&session.State{ID: "ev2", AppID: "poll", CreatorID: "host", Phase: "done", Done: true})
	body = decode[HealthPayload](t, h.do(t, http.MethodGet, "/api/health", "", nil))
	assert.Equal(t, 1, body.Sessions)

	h.quiz.mu.Lock()
	h.quiz.status = health.StatusFailed
	h.quiz.mu.Unlock()
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/api/health", "", nil).StatusCode)
}

func TestHealthWithoutProcessStats(t *testing.T) {
	h := newHarness(t, Config{Process: func(*http.Request) (health.ProcessStats, error) {
		return health.ProcessStats{}, errors.New("unsupported")
	}}, nil)
	body := decode[HealthPayload](t, h.do(t, http.MethodGet, "/api/health", "", nil))
	assert.Nil(t, body.Process)
}

func TestSchema(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	all := decode[map[string]json.RawMessage](t, h.do(t, http.MethodGet, "/api/schema", "", nil))
	for _, name := range []string{"client_action", "event_transition", "exit_event", "presence", "create_event", "remove_event"} {
		assert.Contains(t, all, name)
	}

	resp := h.do(t, http.MethodGet, "/api/schema?name=event_transition", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	schema := decode[struct {
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}](t, resp)
	assert.ElementsMatch(t, []string{"participantId", "transition"}, schema.Required)
	assert.Contains(t, string(schema.Properties["transition"]), "cancel")

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/schema?name=nope", "", nil).StatusCode)
}

func TestAdminFeed(t *testing.T) {
	h := newHarness(t, Config{AuthToken: "s3cret"}, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/admin/ws?token=s3cret"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	typ, payload := readMessage(t, conn)
	require.Equal(t, MsgSnapshot, typ)
	var snap SnapshotPayload
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Len(t, snap.Sessions, 2)
}
