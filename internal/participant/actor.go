package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agent-racer/conductor/internal/channel"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/mailbox"
	"github.com/agent-racer/conductor/internal/timer"
	"github.com/agent-racer/conductor/internal/transport"
)

// shutdownWait bounds teardown after the owner's context is cancelled.
const shutdownWait = 5 * time.Second

// PrivateDisplay is the message name of displays sent on a private channel.
const PrivateDisplay = "private_display"

// ActorState is the lifecycle position of an Actor.
type ActorState int32

const (
	Initializing ActorState = iota
	Running
	Exiting
	Done
)

var actorStateNames = map[ActorState]string{
	Initializing: "initializing",
	Running:      "active",
	Exiting:      "exiting",
	Done:         "done",
}

func (s ActorState) String() string {
	if n, ok := actorStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// CommandKind selects what an Actor does with a Command.
type CommandKind int

const (
	CmdAction CommandKind = iota
	CmdReconnect
	CmdDisconnect
	CmdExit
	CmdDisplay
	CmdCancelTimeout
	CmdPhase

	cmdInactivityExpired
	cmdGraceExpired
)

// Command is sent to an Actor by its owner.
type Command struct {
	Kind    CommandKind
	Name    string
	Payload json.RawMessage
	// Data is published as-is by CmdDisplay.
	Data    any
	Timeout time.Duration
	Reason  string

	gen uint64
}

// SignalKind classifies an upward notification from an Actor.
type SignalKind int

const (
	SignalReady SignalKind = iota
	SignalFailed
	SignalTimedOut
	SignalGraceExpired
	SignalDone
)

var signalNames = map[SignalKind]string{
	SignalReady:        "ready",
	SignalFailed:       "failed",
	SignalTimedOut:     "timed_out",
	SignalGraceExpired: "grace_expired",
	SignalDone:         "done",
}

func (k SignalKind) String() string {
	if n, ok := signalNames[k]; ok {
		return n
	}
	return "unknown"
}

// Signal is an upward notification. LogicErr is set when a Failed signal
// came from participant logic rather than infrastructure.
type Signal struct {
	Kind          SignalKind
	ParticipantID string
	Err           error
	LogicErr      bool
	Reason        string
}

// ActorConfig configures an Actor.
type ActorConfig struct {
	Participant Participant
	Channels    transport.ChannelSource
	Timers      *timer.Service
	// Logic is the optional participant-level developer logic.
	Logic logic.ParticipantLogic
	// ReconnectGrace, when positive, bounds how long a disconnected
	// participant may stay away before SignalGraceExpired.
	ReconnectGrace time.Duration
	// Signals is owned by the orchestrator and shared by all its actors.
	Signals chan<- Signal
	Logger  *slog.Logger
}

// Actor runs one participant. Only its owner may send it commands.
type Actor struct {
	cfg    ActorConfig
	id     string
	inbox  *mailbox.Mailbox[Command]
	state  atomic.Int32
	done   chan struct{}
	logger *slog.Logger

	sup          *channel.Supervisor
	private      *channel.Handle
	phase        string
	inactivityID string
	graceID      string
	graceGen     uint64
}

// Spawn starts an actor goroutine. It attaches the private channel and then
// reports SignalReady or SignalFailed.
func Spawn(ctx context.Context, cfg ActorConfig) *Actor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.Participant.ID
	logger = logger.With("participant", id)
	a := &Actor{
		cfg:          cfg,
		id:           id,
		inbox:        mailbox.New[Command](),
		done:         make(chan struct{}),
		logger:       logger,
		sup:          channel.NewSupervisor(cfg.Channels, logger),
		inactivityID: "participant:" + id + ":inactivity",
		graceID:      "participant:" + id + ":grace",
	}
	go a.run(ctx)
	return a
}

func (a *Actor) ID() string { return a.id }

func (a *Actor) State() ActorState { return ActorState(a.state.Load()) }

// Done is closed after the private channel is detached and SignalDone sent.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Send queues cmd. Commands sent after the actor finished are dropped.
func (a *Actor) Send(cmd Command) {
	a.inbox.Put(cmd)
}

func (a *Actor) signal(ctx context.Context, s Signal) {
	s.ParticipantID = a.id
	select {
	case a.cfg.Signals <- s:
	case <-ctx.Done():
	}
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)
	defer a.inbox.Close()

	a.private = a.sup.Create(a.cfg.Participant.PrivateChannel, channel.Options{})
	if err := a.sup.Attach(ctx, a.private); err != nil {
		a.logger.Warn("private channel attach failed", "error", err)
		a.signal(ctx, Signal{Kind: SignalFailed, Err: err})
		a.finish(ctx, "attach_failed")
		return
	}
	a.state.Store(int32(Running))
	a.signal(ctx, Signal{Kind: SignalReady})

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWait)
			a.finish(fctx, "shutdown")
			cancel()
			return
		case <-a.inbox.Ready():
			for {
				cmd, ok := a.inbox.Pop()
				if !ok {
					break
				}
				if !a.handle(ctx, cmd) {
					a.finish(ctx, cmd.Reason)
					return
				}
			}
		}
	}
}

// handle runs one command and reports whether the actor keeps running.
func (a *Actor) handle(ctx context.Context, cmd Command) bool {
	timers := a.cfg.Timers
	switch cmd.Kind {
	case CmdAction:
		timers.Cancel(a.inactivityID)
		return a.forward(ctx, logic.Event{Name: cmd.Name, ParticipantID: a.id, Payload: cmd.Payload})

	case CmdDisplay:
		if err := a.sup.Publish(ctx, a.private, PrivateDisplay, cmd.Data); err != nil {
			a.logger.Warn("private display failed", "error", err)
		}
		if cmd.Timeout > 0 {
			timers.Start(a.inactivityID, cmd.Timeout, func() {
				a.inbox.Put(Command{Kind: cmdInactivityExpired})
			})
		}

	case CmdCancelTimeout:
		timers.Cancel(a.inactivityID)

	case CmdDisconnect:
		if timers.State(a.inactivityID) == timer.Running {
			_ = timers.Pause(a.inactivityID, timers.Now())
		}
		if a.cfg.ReconnectGrace > 0 {
			a.graceGen++
			gen := a.graceGen
			timers.Start(a.graceID, a.cfg.ReconnectGrace, func() {
				a.inbox.Put(Command{Kind: cmdGraceExpired, gen: gen})
			})
		}
		return a.forward(ctx, logic.Event{Name: logic.EventParticipantDisconnect, ParticipantID: a.id})

	case CmdReconnect:
		timers.Cancel(a.graceID)
		a.graceGen++
		if timers.State(a.inactivityID) == timer.Paused {
			_ = timers.Resume(a.inactivityID)
		}
		return a.forward(ctx, logic.Event{Name: logic.EventParticipantReconnect, ParticipantID: a.id})

	case CmdPhase:
		a.phase = cmd.Name
		return a.forward(ctx, logic.Event{Name: cmd.Name, ParticipantID: a.id, Payload: cmd.Payload})

	case CmdExit:
		return false

	case cmdInactivityExpired:
		a.signal(ctx, Signal{Kind: SignalTimedOut})
		return a.forward(ctx, logic.Event{Name: logic.EventParticipantTimeout, ParticipantID: a.id})

	case cmdGraceExpired:
		if cmd.gen == a.graceGen {
			a.signal(ctx, Signal{Kind: SignalGraceExpired, Reason: "grace_expired"})
		}
	}
	return true
}

// forward hands ev to participant logic and publishes any private displays
// it asks for. A logic error is reported upward and keeps the actor running;
// the owner decides what happens to the session.
func (a *Actor) forward(ctx context.Context, ev logic.Event) bool {
	if a.cfg.Logic == nil {
		return true
	}
	res, err := a.callLogic(ctx, ev)
	if err != nil {
		a.logger.Error("participant logic failed", "event", ev.Name, "error", err)
		a.signal(ctx, Signal{Kind: SignalFailed, Err: err, LogicErr: true})
		return true
	}
	for _, eff := range res.Effects {
		if eff.Kind != logic.EffectPrivate && eff.Kind != logic.EffectDisplay {
			continue
		}
		if err := a.sup.Publish(ctx, a.private, PrivateDisplay, eff.Data); err != nil {
			a.logger.Warn("private display failed", "error", err)
		}
		if eff.Timeout != nil && eff.Timeout.Duration > 0 {
			a.cfg.Timers.Start(a.inactivityID, eff.Timeout.Duration, func() {
				a.inbox.Put(Command{Kind: cmdInactivityExpired})
			})
		}
	}
	return true
}

func (a *Actor) callLogic(ctx context.Context, ev logic.Event) (res logic.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("participant logic panic: %v", r)
		}
	}()
	return a.cfg.Logic.Handle(ctx, ev)
}

// finish tears the actor down: timers first, then the exit notification to
// logic, then the private channel, and only then SignalDone.
func (a *Actor) finish(ctx context.Context, reason string) {
	a.state.Store(int32(Exiting))
	a.cfg.Timers.Cancel(a.inactivityID)
	a.cfg.Timers.Cancel(a.graceID)
	if a.cfg.Logic != nil {
		if _, err := a.callLogic(ctx, logic.Event{Name: logic.EventParticipantExit, ParticipantID: a.id}); err != nil {
			a.logger.Warn("participant logic exit failed", "error", err)
		}
	}
	a.sup.DetachAll(ctx)
	a.state.Store(int32(Done))
	a.signal(ctx, Signal{Kind: SignalDone, Reason: reason})
}
