package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/agent-racer/conductor/internal/backend"
)

// Backend is an in-memory stand-in for the REST backend, used when the
// conductor runs simulated sessions without a real one.
type Backend struct {
	mu           sync.Mutex
	apps         map[string]backend.App
	events       map[string]backend.Event
	participants map[string]backend.Participant
	contexts     map[string]json.RawMessage
}

func NewBackend() *Backend {
	return &Backend{
		apps:         make(map[string]backend.App),
		events:       make(map[string]backend.Event),
		participants: make(map[string]backend.Participant),
		contexts:     make(map[string]json.RawMessage),
	}
}

func (b *Backend) AddApp(app backend.App) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apps[app.ID] = app
}

func (b *Backend) AddEvent(ev backend.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[ev.ID] = ev
}

func (b *Backend) AddParticipant(p backend.Participant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.participants[p.ID] = p
}

// Event returns the backend's view of an event.
func (b *Backend) Event(id string) (backend.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.events[id]
	return ev, ok
}

// Forget drops an event and its participants.
func (b *Backend) Forget(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, eventID)
	delete(b.contexts, eventID)
	for id, p := range b.participants {
		if p.EventID == eventID {
			delete(b.participants, id)
		}
	}
}

func (b *Backend) FetchApp(_ context.Context, appID string) (backend.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	app, ok := b.apps[appID]
	if !ok {
		return backend.App{}, fmt.Errorf("app %s: %w", appID, backend.ErrNotFound)
	}
	return app, nil
}

func (b *Backend) FetchZoneEvents(_ context.Context, zoneID string, states ...backend.State) ([]backend.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.Event
	for _, ev := range b.events {
		if ev.ZoneID != zoneID || (len(states) > 0 && !slices.Contains(states, ev.State)) {
			continue
		}
		out = append(out, ev)
	}
	slices.SortFunc(out, func(a, c backend.Event) int {
		switch {
		case a.ID < c.ID:
			return -1
		case a.ID > c.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (b *Backend) FetchParticipant(_ context.Context, participantID string) (backend.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.participants[participantID]
	if !ok {
		return backend.Participant{}, fmt.Errorf("participant %s: %w", participantID, backend.ErrNotFound)
	}
	return p, nil
}

func (b *Backend) Transition(_ context.Context, eventID string, state backend.State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, backend.ErrNotFound)
	}
	ev.State = state
	b.events[eventID] = ev
	return nil
}

func (b *Backend) FetchContext(_ context.Context, eventID string) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.contexts[eventID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return raw, nil
}

func (b *Backend) SaveContext(_ context.Context, eventID string, data json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contexts[eventID] = append(json.RawMessage(nil), data...)
	return nil
}
