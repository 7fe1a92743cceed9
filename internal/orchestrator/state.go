package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/transport"
)

// State is the orchestrator's top-level position.
type State int

const (
	SettingUpChannels State = iota
	RegisteringCreator
	Created
	Announcing
	Live
	Closing
	Canceled
	ShutdownOnly
	Failed
	Done
)

var stateNames = map[State]string{
	SettingUpChannels:  "settingUpChannels",
	RegisteringCreator: "registeringCreator",
	Created:            "created",
	Announcing:         "announcing",
	Live:               "live",
	Closing:            "closing",
	Canceled:           "canceled",
	ShutdownOnly:       "shutdownOnly",
	Failed:             "failed",
	Done:               "done",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// draining reports whether s tears the session down.
func (s State) draining() bool {
	switch s {
	case Closing, Canceled, ShutdownOnly, Failed, Done:
		return true
	}
	return false
}

// lifecycle maps the orchestrator state onto the external lifecycle. prev is
// the lifecycle before the session started draining.
func (s State) lifecycle(prev session.Lifecycle) session.Lifecycle {
	switch s {
	case SettingUpChannels, RegisteringCreator, Created:
		return session.Created
	case Announcing:
		return session.Announce
	case Live:
		return session.Live
	case Closing:
		return session.Closing
	case Canceled:
		return session.Canceled
	}
	return prev
}

// ErrorClass is the taxonomy recorded for a failed session.
type ErrorClass string

const (
	ClassInfrastructure ErrorClass = "infrastructure"
	ClassValidation     ErrorClass = "validation"
	ClassProtocol       ErrorClass = "protocol"
	ClassLogic          ErrorClass = "logic"
)

type eventKind int

const (
	evEnter eventKind = iota
	evLeave
	evUpdate
	evSpectatorEnter
	evSpectatorLeave
	evAction
	evTransition
	evExit

	// Internal events below are never deferred.
	evFetched
	evTimer
	evLogicTransition
	evChannel
	evShutdown
)

var eventKindNames = map[eventKind]string{
	evEnter:           "enter",
	evLeave:           "leave",
	evUpdate:          "update",
	evSpectatorEnter:  "spectator_enter",
	evSpectatorLeave:  "spectator_leave",
	evAction:          "action",
	evTransition:      "transition",
	evExit:            "exit",
	evFetched:         "fetched",
	evTimer:           "timer",
	evLogicTransition: "logic_transition",
	evChannel:         "channel",
	evShutdown:        "shutdown",
}

func (k eventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

func (k eventKind) deferrable() bool { return k < evFetched }

type timerKind int

const (
	timerCreated timerKind = iota
	timerAnnounce
	timerWindow
	timerSweep
	timerDrain
)

// inbound is one item in the orchestrator mailbox.
type inbound struct {
	kind          eventKind
	participantID string
	name          string
	payload       json.RawMessage
	reason        string
	presence      transport.PresenceMessage
	at            time.Time

	admit      *admission
	timer      timerKind
	gen        uint64
	transition logic.Transition
}

// receptive is the per-state allow-list. Events that are not receptive are
// deferred and replayed when the state changes.
func (o *Orchestrator) receptive(ev inbound) bool {
	switch o.state {
	case SettingUpChannels:
		return false
	case RegisteringCreator:
		return ev.kind == evEnter && ev.participantID == o.sess.CreatorID
	case Created:
		switch ev.kind {
		case evTransition:
			return true
		case evEnter, evLeave, evUpdate, evAction, evExit:
			// Only the creator configures before the announce.
			return ev.participantID == o.sess.CreatorID || o.registry.Exists(ev.participantID)
		}
		return false
	default:
		return true
	}
}

// blocked reports whether ev must wait in the deferred queue, either for an
// admission in flight or for a state that accepts it.
func (o *Orchestrator) blocked(ev inbound) bool {
	if !ev.kind.deferrable() {
		return false
	}
	if ev.participantID != "" {
		if _, ok := o.admissions[ev.participantID]; ok {
			return true
		}
	}
	return !o.receptive(ev)
}
