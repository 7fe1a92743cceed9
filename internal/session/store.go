package session

import (
	"sort"
	"sync"
)

// Store is the status board of running sessions. Each session keeps the
// display slot it was first given.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*State
	nextSlot int
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*State),
	}
}

func (s *Store) Get(id string) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// GetAll returns copies of every session ordered by slot.
func (s *Store) GetAll() []*State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allLocked()
}

func (s *Store) allLocked() []*State {
	result := make([]*State, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slot < result[j].Slot })
	return result
}

func (s *Store) Update(state *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked(state)
}

func (s *Store) updateLocked(state *State) {
	if existing, ok := s.sessions[state.ID]; ok {
		state.Slot = existing.Slot
	} else {
		state.Slot = s.nextSlot
		s.nextSlot++
	}
	s.sessions[state.ID] = state.Clone()
}

// UpdateAndNotify stores state and runs notify before releasing the lock,
// so readers never see the update before observers are told about it.
func (s *Store) UpdateAndNotify(state *State, notify func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked(state)
	if notify != nil {
		notify()
	}
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// BatchRemoveAndNotify removes every id and runs notify under one lock.
func (s *Store) BatchRemoveAndNotify(ids []string, notify func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.sessions, id)
	}
	if notify != nil {
		notify()
	}
}

// Len is the number of sessions on the board, terminal or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if !st.IsTerminal() {
			count++
		}
	}
	return count
}
