// Package timer provides per-entity one-shot countdowns with pause and resume.
//
// A Service holds any number of timers keyed by an opaque id. Each arm cycle
// fires its callback at most once; cancelling, re-arming or pausing a timer
// invalidates the pending callback even if the underlying clock has already
// scheduled it.
package timer

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotRunning is returned by Pause when the timer is not counting down.
	ErrNotRunning = errors.New("timer: not running")
	// ErrNotPaused is returned by Resume when the timer is not paused.
	ErrNotPaused = errors.New("timer: not paused")
)

// State is the lifecycle position of a single timer.
type State int

const (
	Off State = iota
	Running
	Paused
	Expired
)

var stateNames = map[State]string{
	Off:     "off",
	Running: "running",
	Paused:  "paused",
	Expired: "expired",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

type entry struct {
	state     State
	gen       uint64
	remaining time.Duration
	startedAt time.Time
	onExpire  func()
	stop      Stopper
}

// Service manages named timers. It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	clock   Clock
	gen     uint64
	entries map[string]*entry
}

// New creates a Service on the given clock. A nil clock uses wall time.
func New(clock Clock) *Service {
	if clock == nil {
		clock = RealClock{}
	}
	return &Service{
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Start arms a one-shot timer. An existing timer with the same id is
// superseded and its callback will not run.
func (s *Service) Start(id string, d time.Duration, onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok && e.stop != nil {
		e.stop.Stop()
	}
	e := &entry{
		state:     Running,
		gen:       s.nextGenLocked(),
		remaining: d,
		startedAt: s.clock.Now(),
		onExpire:  onExpire,
	}
	s.entries[id] = e
	e.stop = s.armLocked(id, e.gen, d)
}

// Pause freezes a running timer and records the time left as of now.
func (s *Service) Pause(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != Running {
		return ErrNotRunning
	}
	if e.stop != nil {
		e.stop.Stop()
		e.stop = nil
	}
	elapsed := now.Sub(e.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	e.remaining -= elapsed
	if e.remaining < 0 {
		e.remaining = 0
	}
	e.state = Paused
	e.gen = s.nextGenLocked()
	return nil
}

// Resume restarts a paused timer with the time it had left.
func (s *Service) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.state != Paused {
		return ErrNotPaused
	}
	e.state = Running
	e.startedAt = s.clock.Now()
	e.gen = s.nextGenLocked()
	e.stop = s.armLocked(id, e.gen, e.remaining)
	return nil
}

// Cancel disarms the timer. Cancelling an unknown or expired timer is a no-op.
func (s *Service) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(id)
}

// Reset is an alias for Cancel; the timer returns to Off.
func (s *Service) Reset(id string) { s.Cancel(id) }

// CancelAll disarms every timer owned by the service.
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entries {
		s.cancelLocked(id)
	}
}

// State reports the current state of the timer with the given id.
func (s *Service) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.state
	}
	return Off
}

// Remaining reports how much time is left on a running or paused timer.
func (s *Service) Remaining(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return 0
	}
	switch e.state {
	case Paused:
		return e.remaining
	case Running:
		left := e.remaining - s.clock.Now().Sub(e.startedAt)
		if left < 0 {
			return 0
		}
		return left
	default:
		return 0
	}
}

func (s *Service) cancelLocked(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if e.stop != nil {
		e.stop.Stop()
	}
	delete(s.entries, id)
}

func (s *Service) nextGenLocked() uint64 {
	s.gen++
	return s.gen
}

func (s *Service) armLocked(id string, gen uint64, d time.Duration) Stopper {
	return s.clock.AfterFunc(d, func() { s.fire(id, gen) })
}

func (s *Service) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || e.state != Running {
		s.mu.Unlock()
		return
	}
	e.state = Expired
	e.remaining = 0
	e.stop = nil
	fn := e.onExpire
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}
