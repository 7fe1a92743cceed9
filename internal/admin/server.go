package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"

	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/orchestrator"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/supervisor"
)

// App is the per-application control surface, satisfied by
// *supervisor.Supervisor.
type App interface {
	AppID() string
	Health() health.Report
	Create(req supervisor.CreateEvent) string
	Remove(id string) bool
}

// Config configures a Server.
type Config struct {
	AuthToken      string
	AllowedOrigins []string
	// Process reports process statistics on /api/health. Nil omits them.
	Process func(r *http.Request) (health.ProcessStats, error)
}

type Server struct {
	store          *session.Store
	broadcaster    *Broadcaster
	apps           map[string]App
	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	process        func(*http.Request) (health.ProcessStats, error)
	schemas        map[string]*jsonschema.Schema
	logger         *slog.Logger
}

func NewServer(store *session.Store, broadcaster *Broadcaster, apps []App, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		apps:           make(map[string]App, len(apps)),
		authToken:      cfg.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		process:        cfg.Process,
		schemas:        Schemas(),
		logger:         logger,
	}
	for _, a := range apps {
		s.apps[a.AppID()] = a
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Schemas returns the JSON schema of every inbound message, keyed by
// message name.
func Schemas() map[string]*jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true}
	return map[string]*jsonschema.Schema{
		orchestrator.MsgClientAction:    r.Reflect(&orchestrator.ClientAction{}),
		orchestrator.MsgEventTransition: r.Reflect(&orchestrator.EventTransition{}),
		orchestrator.MsgExitEvent:       r.Reflect(&orchestrator.ExitEvent{}),
		"presence":                      r.Reflect(&orchestrator.PresenceData{}),
		supervisor.MsgCreateEvent:       r.Reflect(&supervisor.CreateEvent{}),
		supervisor.MsgRemoveEvent:       r.Reflect(&supervisor.RemoveEvent{}),
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("GET /admin/ws", s.guard(s.handleWS))
	mux.Handle("GET /api/sessions", s.guard(s.handleSessions))
	mux.Handle("GET /api/sessions/{id}", s.guard(s.handleSession))
	mux.Handle("POST /api/sessions/{id}/shutdown", s.guard(s.handleShutdown))
	mux.Handle("POST /api/apps/{app}/sessions", s.guard(s.handleCreate))
	mux.Handle("GET /api/health", s.guard(s.handleHealth))
	mux.Handle("GET /api/schema", s.guard(s.handleSchema))
}

func (s *Server) guard(h http.HandlerFunc) http.Handler {
	return securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}))
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("admin ws upgrade failed", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		data, _ := json.Marshal(Message{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
		_ = conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}
	s.logger.Info("admin client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("admin client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	states := s.store.GetAll()
	if app := r.URL.Query().Get("app"); app != "" {
		kept := states[:0]
		for _, st := range states {
			if st.AppID == app {
				kept = append(kept, st)
			}
		}
		states = kept
	}
	writeJSON(w, http.StatusOK, s.broadcaster.FilterSessions(states))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	out := s.broadcaster.FilterSessions([]*session.State{st})
	if len(out) == 0 {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out[0])
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	app, ok := s.apps[st.AppID]
	if !ok || !app.Remove(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.logger.Info("admin shutdown requested", "app", st.AppID, "event", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	app, ok := s.apps[r.PathValue("app")]
	if !ok {
		http.Error(w, "unknown app", http.StatusNotFound)
		return
	}
	var req supervisor.CreateEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.CreatorID == "" {
		http.Error(w, "creatorId is required", http.StatusBadRequest)
		return
	}
	id := app.Create(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"eventId": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reports := make([]health.Report, 0, len(s.apps))
	for _, a := range s.apps {
		reports = append(reports, a.Health())
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].App < reports[j].App })

	body := HealthPayload{
		Status:   health.Worst(reports),
		Apps:     reports,
		Clients:  s.broadcaster.ClientCount(),
		Sessions: s.store.ActiveCount(),
	}
	if s.process != nil {
		if ps, err := s.process(r); err == nil {
			body.Process = &ps
		} else {
			s.logger.Debug("process stats unavailable", "error", err)
		}
	}
	status := http.StatusOK
	if body.Status == health.StatusFailed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusOK, s.schemas)
		return
	}
	schema, ok := s.schemas[name]
	if !ok {
		http.Error(w, "unknown message", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Conductor-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin] || s.allowedHosts[parsed.Host]
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
