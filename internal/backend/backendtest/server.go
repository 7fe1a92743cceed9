// Package backendtest is an in-memory backend served over httptest.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/agent-racer/conductor/internal/backend"
)

// Transition is a recorded lifecycle transition call.
type Transition struct {
	EventID string
	State   backend.State
}

// Server fakes the backend REST API.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	apps         map[string]backend.App
	events       map[string]backend.Event
	participants map[string]backend.Participant
	contexts     map[string]json.RawMessage
	transitions  []Transition
	appFailures  int
	// Gate, when set, is called before serving each request; tests use it
	// to inject latency.
	gate func(r *http.Request)
}

// New starts a server closed at test cleanup.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		apps:         make(map[string]backend.App),
		events:       make(map[string]backend.Event),
		participants: make(map[string]backend.Participant),
		contexts:     make(map[string]json.RawMessage),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) AddApp(a backend.App) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[a.ID] = a
}

func (s *Server) AddEvent(e backend.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

func (s *Server) AddParticipant(p backend.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
}

func (s *Server) SetContext(eventID string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[eventID] = raw
}

func (s *Server) Context(eventID string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts[eventID]
}

// FailAppFetches makes the next n app fetches return 503.
func (s *Server) FailAppFetches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appFailures = n
}

// SetGate installs a hook run before each request.
func (s *Server) SetGate(fn func(r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = fn
}

// Transitions returns the recorded transition calls in order.
func (s *Server) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.transitions...)
}

func writeDoc(w http.ResponseWriter, doc any) {
	w.Header().Set("Content-Type", "application/vnd.api+json")
	json.NewEncoder(w).Encode(doc)
}

func resource(typ, id string, attrs any) map[string]any {
	return map[string]any{"type": typ, "id": id, "attributes": attrs}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		gate(r)
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case len(parts) == 2 && parts[0] == "apps" && r.Method == http.MethodGet:
		if s.appFailures > 0 {
			s.appFailures--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		app, ok := s.apps[parts[1]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeDoc(w, map[string]any{"data": resource("apps", app.ID, app)})

	case len(parts) == 3 && parts[0] == "zones" && parts[2] == "events":
		wanted := map[string]bool{}
		if f := r.URL.Query().Get("filter[state]"); f != "" {
			for _, st := range strings.Split(f, ",") {
				wanted[st] = true
			}
		}
		data := []any{}
		for _, ev := range s.events {
			if ev.ZoneID != parts[1] || (len(wanted) > 0 && !wanted[string(ev.State)]) {
				continue
			}
			data = append(data, resource("events", ev.ID, ev))
		}
		writeDoc(w, map[string]any{"data": data})

	case len(parts) == 2 && parts[0] == "participants":
		p, ok := s.participants[parts[1]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		res := resource("participants", p.ID, map[string]string{"eventId": p.EventID})
		res["relationships"] = map[string]any{
			"user": map[string]any{"data": map[string]string{"type": "users", "id": p.UserID}},
		}
		writeDoc(w, map[string]any{
			"data":     res,
			"included": []any{resource("users", p.UserID, map[string]string{"name": p.Name})},
		})

	case len(parts) == 3 && parts[0] == "events" && parts[2] == "transitions" && r.Method == http.MethodPost:
		var body struct {
			Data struct {
				Attributes struct {
					State backend.State `json:"state"`
				} `json:"attributes"`
			} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.transitions = append(s.transitions, Transition{EventID: parts[1], State: body.Data.Attributes.State})
		if ev, ok := s.events[parts[1]]; ok {
			ev.State = body.Data.Attributes.State
			s.events[parts[1]] = ev
		}
		w.WriteHeader(http.StatusNoContent)

	case len(parts) == 3 && parts[0] == "events" && parts[2] == "context":
		switch r.Method {
		case http.MethodGet:
			raw, ok := s.contexts[parts[1]]
			if !ok {
				http.NotFound(w, r)
				return
			}
			writeDoc(w, map[string]any{"data": resource("contexts", parts[1], map[string]json.RawMessage{"context": raw})})
		case http.MethodPut:
			var body struct {
				Data struct {
					Attributes struct {
						Context json.RawMessage `json:"context"`
					} `json:"attributes"`
				} `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.contexts[parts[1]] = body.Data.Attributes.Context
			w.WriteHeader(http.StatusNoContent)
		}

	default:
		http.NotFound(w, r)
	}
}
