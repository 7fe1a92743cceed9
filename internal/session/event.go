package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventNew      EventType = iota // orchestrator spawned
	EventUpdate                    // state changed
	EventTerminal                  // orchestrator reached done
)

var eventTypeNames = map[EventType]string{
	EventNew:      "new",
	EventUpdate:   "update",
	EventTerminal: "terminal",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event carries a session state snapshot to observers.
type Event struct {
	Type        EventType
	State       *State // snapshot (safe to retain)
	ActiveCount int    // non-terminal sessions at event time
}
