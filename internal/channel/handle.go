package channel

import (
	"sync"

	"github.com/agent-racer/conductor/internal/transport"
)

// State is the attachment state of a Handle.
type State int

const (
	Initializing State = iota
	Attaching
	Attached
	Detaching
	Detached
	Failed
	Suspended
)

var stateNames = map[State]string{
	Initializing: "initializing",
	Attaching:    "attaching",
	Attached:     "attached",
	Detaching:    "detaching",
	Detached:     "detached",
	Failed:       "failed",
	Suspended:    "suspended",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// DefaultReplayLimit bounds how many present members a presence
// subscription replays.
const DefaultReplayLimit = 25

// Options configure a channel at creation.
type Options struct {
	// Presence marks channels whose presence feed the owner consumes.
	Presence    bool
	ReplayLimit int
}

// Handle is one channel owned by a Supervisor.
type Handle struct {
	name string
	opts Options
	ch   transport.Channel

	mu       sync.Mutex
	state    State
	unsubs   []func()
	replayed bool
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Change is an attach or detach state transition reported to the owner.
type Change struct {
	Channel string
	From    State
	To      State
	Err     error
}
