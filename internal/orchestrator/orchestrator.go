// Package orchestrator runs one event session: channel setup, creator
// registration, the announce/live/close/cancel lifecycle, participant
// admission and exit, action-timeout windows and the final drain.
//
// Each Orchestrator is a single goroutine. Transport callbacks, timer expiry
// and backend completions are posted to an unbounded mailbox, and participant
// actors report on a bounded signal channel the orchestrator owns, so every
// mutation of a session happens on that one goroutine. Events that arrive
// while the session is not ready for them are held in a FIFO deferred queue
// and replayed, in order and exactly once, when it becomes ready.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/channel"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/mailbox"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/store"
	"github.com/agent-racer/conductor/internal/timer"
	"github.com/agent-racer/conductor/internal/transport"
)

const scope = "github.com/agent-racer/conductor/internal/orchestrator"

var (
	tracer = otel.Tracer(scope)
	meter  = otel.Meter(scope)

	activeSessions, _ = meter.Int64UpDownCounter("conductor.sessions.active",
		metric.WithDescription("Sessions currently running"))
	admitted, _ = meter.Int64Counter("conductor.participants.admitted",
		metric.WithDescription("Participants admitted into a session"))
)

// signalBuffer bounds the participant signal channel.
const signalBuffer = 64

// Backend is the part of the REST backend an orchestrator uses.
type Backend interface {
	FetchParticipant(ctx context.Context, participantID string) (backend.Participant, error)
	Transition(ctx context.Context, eventID string, state backend.State) error
	FetchContext(ctx context.Context, eventID string) (json.RawMessage, error)
	SaveContext(ctx context.Context, eventID string, data json.RawMessage) error
}

// Timeouts groups the orchestrator's durations. A non-positive phase timeout
// or sweep interval disables it.
type Timeouts struct {
	Created        time.Duration `yaml:"created"`
	Announce       time.Duration `yaml:"announce"`
	Drain          time.Duration `yaml:"drain"`
	Sweep          time.Duration `yaml:"sweep"`
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Created:  5 * time.Minute,
		Announce: 5 * time.Minute,
		Drain:    10 * time.Second,
		Sweep:    time.Minute,
	}
}

// Config configures an Orchestrator.
type Config struct {
	Session     session.Session
	Channels    transport.ChannelSource
	Backend     Backend
	Store       store.Store
	Logic       logic.Factory
	Clock       timer.Clock
	Timeouts    Timeouts
	Thresholds  participant.Thresholds
	LeavePolicy LeavePolicy
	// OnState, if set, receives a status snapshot after every handled event.
	// It runs on the orchestrator goroutine.
	OnState func(session.State)
	Logger  *slog.Logger
}

// Result is the outcome of a finished orchestrator.
type Result struct {
	Lifecycle session.Lifecycle
	Err       error
	Class     ErrorClass
}

// Orchestrator runs one session.
type Orchestrator struct {
	cfg    Config
	sess   session.Session
	names  channel.Names
	logger *slog.Logger
	timers *timer.Service
	inbox  *mailbox.Mailbox[inbound]
	done   chan struct{}
	status atomic.Pointer[session.State]

	signals     chan participant.Signal
	actorCtx    context.Context
	stopActors  context.CancelFunc
	sup         *channel.Supervisor
	sessionCh   *channel.Handle
	actionsCh   *channel.Handle
	displayCh   *channel.Handle
	spectatorCh *channel.Handle

	state      State
	lifecycle  session.Lifecycle
	logic      logic.SessionLogic
	logicState string
	registry   *participant.Registry
	restored   bool
	resume     session.Lifecycle

	actors       map[string]*participant.Actor
	admissions   map[string]*admission
	exiting      map[string]bool
	disconnected map[string]bool
	spectators   map[string]bool
	window       *window
	windowGen    uint64

	deferred    []inbound
	deferredFor map[string]int

	drainTransition backend.State
	drainGen        uint64
	phaseGen        uint64
	keepSnapshot    bool
	startedAt       time.Time
	endedAt         *time.Time

	resultMu sync.Mutex
	result   Result

	// Written by channel change callbacks on any goroutine.
	channelsMu sync.Mutex
	channels   map[string]string
}

// Start launches the orchestrator goroutine for cfg.Session.
func Start(ctx context.Context, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeouts.Drain <= 0 {
		cfg.Timeouts.Drain = DefaultTimeouts().Drain
	}
	if cfg.LeavePolicy.PermanentReasons == nil {
		cfg.LeavePolicy = DefaultLeavePolicy()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	sess := cfg.Session
	names := channel.Names{App: sess.AppID, Event: sess.ID}
	sess.Channels = session.ChannelSet{
		Session:      names.Session(),
		Actions:      names.Actions(),
		Participants: names.Participants(),
	}
	if sess.HasFlag(session.FlagSpectators) {
		sess.Channels.Spectators = names.Spectators()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	logger = logger.With("app", sess.AppID, "event", sess.ID)

	actorCtx, stopActors := context.WithCancel(context.WithoutCancel(ctx))
	o := &Orchestrator{
		cfg:          cfg,
		sess:         sess,
		names:        names,
		logger:       logger,
		timers:       timer.New(cfg.Clock),
		inbox:        mailbox.New[inbound](),
		done:         make(chan struct{}),
		signals:      make(chan participant.Signal, signalBuffer),
		actorCtx:     actorCtx,
		stopActors:   stopActors,
		sup:          channel.NewSupervisor(cfg.Channels, logger),
		registry:     participant.NewRegistry(sess.CreatorID, sess.Hosted, cfg.Thresholds),
		resume:       sess.Lifecycle,
		actors:       make(map[string]*participant.Actor),
		admissions:   make(map[string]*admission),
		exiting:      make(map[string]bool),
		disconnected: make(map[string]bool),
		spectators:   make(map[string]bool),
		deferredFor:  make(map[string]int),
		channels:     make(map[string]string),
	}
	o.sup.OnChange(o.onChannelChange)
	o.startedAt = o.timers.Now()
	st := o.snapshotStatus()
	o.status.Store(&st)
	go o.run(ctx)
	return o
}

func (o *Orchestrator) ID() string { return o.sess.ID }

// Done is closed once the session reached its terminal state, its channels
// are detached and its snapshot is removed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Result is meaningful after Done is closed.
func (o *Orchestrator) Result() Result {
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	return o.result
}

// Status returns the latest status snapshot. Safe from any goroutine.
func (o *Orchestrator) Status() session.State {
	return *o.status.Load().Clone()
}

// Shutdown tears the session down without reporting a lifecycle transition.
func (o *Orchestrator) Shutdown() {
	o.inbox.Put(inbound{kind: evShutdown})
}

func (o *Orchestrator) post(ev inbound) {
	if ev.at.IsZero() {
		ev.at = o.timers.Now()
	}
	o.inbox.Put(ev)
}

func (o *Orchestrator) run(ctx context.Context) {
	activeSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("app", o.sess.AppID)))
	defer activeSessions.Add(context.WithoutCancel(ctx), -1, metric.WithAttributes(attribute.String("app", o.sess.AppID)))
	defer close(o.done)
	defer o.inbox.Close()

	o.setup(ctx)
	o.publishStatus()

	cancelled := ctx.Done()
	for o.state != Done {
		select {
		case <-cancelled:
			cancelled = nil
			// Process shutdown: drain on a context of our own.
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeouts.Drain+time.Second)
			defer cancel()
			o.logger.Info("context cancelled, shutting session down")
			if !o.state.draining() {
				// Keep the snapshot so the session can be rehydrated.
				o.keepSnapshot = true
				o.beginDrain(ctx, ShutdownOnly, "")
			}
		case <-o.inbox.Ready():
			for o.state != Done {
				ev, ok := o.inbox.Pop()
				if !ok {
					break
				}
				o.dispatch(ctx, ev)
			}
		case sig := <-o.signals:
			o.handleSignal(ctx, sig)
		}
		o.publishStatus()
	}
	o.publishStatus()
}

// setup attaches the session channels and constructs the developer logic in
// parallel, then subscribes and moves on to creator registration.
func (o *Orchestrator) setup(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "orchestrator.setup")
	defer span.End()

	o.state = SettingUpChannels
	o.sessionCh = o.sup.Create(o.names.Session(), channel.Options{})
	o.actionsCh = o.sup.Create(o.names.Actions(), channel.Options{Presence: true})
	o.displayCh = o.sup.Create(o.names.Participants(), channel.Options{})
	handles := []*channel.Handle{o.sessionCh, o.actionsCh, o.displayCh}
	if o.sess.HasFlag(session.FlagSpectators) {
		o.spectatorCh = o.sup.Create(o.names.Spectators(), channel.Options{Presence: true})
		handles = append(handles, o.spectatorCh)
	}

	var snap *snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := o.sup.AttachAll(gctx, handles...); err != nil {
			return &classifiedError{class: ClassInfrastructure, err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		snap, err = o.loadSnapshot(gctx)
		if err != nil {
			return &classifiedError{class: ClassInfrastructure, err: err}
		}
		saved := json.RawMessage(nil)
		if snap != nil {
			saved = snap.Context
		} else if saved, err = o.cfg.Backend.FetchContext(gctx, o.sess.ID); err != nil && !errors.Is(err, backend.ErrNotFound) {
			return &classifiedError{class: ClassInfrastructure, err: fmt.Errorf("fetch context: %w", err)}
		}
		sl, err := o.newLogic(gctx, saved)
		if err != nil {
			return &classifiedError{class: ClassLogic, err: err}
		}
		o.logic = sl
		return nil
	})
	if err := g.Wait(); err != nil {
		var ce *classifiedError
		if errors.As(err, &ce) {
			o.fail(ctx, ce.class, ce.err)
		} else {
			o.fail(ctx, ClassInfrastructure, err)
		}
		return
	}

	if obs, ok := o.logic.(logic.Observable); ok {
		obs.Observe(func(t logic.Transition) {
			o.post(inbound{kind: evLogicTransition, transition: t})
		})
	}

	if err := o.sup.Subscribe(o.actionsCh, "", o.onActionsMessage); err != nil {
		o.fail(ctx, ClassInfrastructure, err)
		return
	}
	if err := o.sup.SubscribePresence(ctx, o.actionsCh, o.onPresence(false)); err != nil {
		o.logger.Warn("participant presence replay failed", "error", err)
	}
	if o.spectatorCh != nil {
		if err := o.sup.SubscribePresence(ctx, o.spectatorCh, o.onPresence(true)); err != nil {
			o.logger.Warn("spectator presence replay failed", "error", err)
		}
	}

	if snap != nil {
		o.restore(ctx, snap)
	}
	o.armSweep()
	o.enterState(RegisteringCreator)
	o.registerCreator(ctx)
	o.replayDeferred(ctx)
}

func (o *Orchestrator) newLogic(ctx context.Context, saved json.RawMessage) (sl logic.SessionLogic, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session logic panic: %v", r)
		}
	}()
	return o.cfg.Logic.NewSession(ctx, logic.SessionInfo{
		AppID:     o.sess.AppID,
		EventID:   o.sess.ID,
		ZoneID:    o.sess.ZoneID,
		CreatorID: o.sess.CreatorID,
		Hosted:    o.sess.Hosted,
	}, saved)
}

// registerCreator resolves the creator through an immediate presence lookup
// and otherwise waits for the creator's enter.
func (o *Orchestrator) registerCreator(ctx context.Context) {
	if o.restored && len(o.admissions) > 0 {
		// Restored participants are re-attaching; finishRestore continues.
		return
	}
	if o.registry.Exists(o.sess.CreatorID) {
		o.creatorRegistered(ctx)
		return
	}
	members, err := o.sup.Presence(o.actionsCh).PresenceGet(ctx)
	if err != nil {
		o.logger.Warn("creator presence lookup failed, waiting for enter", "error", err)
		return
	}
	for _, m := range members {
		if m.ClientID == o.sess.CreatorID {
			o.admit(ctx, m.ClientID, m)
			return
		}
	}
	o.logger.Debug("creator not present yet, waiting for enter")
}

// creatorRegistered moves on from creator registration to the session's
// lifecycle state, which is created unless it was restored further along.
func (o *Orchestrator) creatorRegistered(ctx context.Context) {
	target := Created
	switch o.resume {
	case session.Announce:
		target = Announcing
	case session.Live:
		target = Live
	}
	o.resume = session.Created
	o.enterPhase(ctx, target)
}

func (o *Orchestrator) onActionsMessage(m transport.Message) {
	switch m.Name {
	case MsgClientAction:
		var a ClientAction
		if err := m.Decode(&a); err != nil || a.Name == "" {
			o.protocolError(m, err)
			return
		}
		o.post(inbound{kind: evAction, participantID: orClient(a.ParticipantID, m.ClientID), name: a.Name, payload: a.Payload})
	case MsgEventTransition:
		var t EventTransition
		if err := m.Decode(&t); err != nil || t.Transition == "" {
			o.protocolError(m, err)
			return
		}
		o.post(inbound{kind: evTransition, participantID: orClient(t.ParticipantID, m.ClientID), name: t.Transition})
	case MsgExitEvent:
		var x ExitEvent
		if err := m.Decode(&x); err != nil {
			o.protocolError(m, err)
			return
		}
		o.post(inbound{kind: evExit, participantID: orClient(x.ParticipantID, m.ClientID), reason: x.Reason})
	}
}

func (o *Orchestrator) protocolError(m transport.Message, err error) {
	o.logger.Warn("discarding malformed message", "name", m.Name, "client", m.ClientID, "error", err, "class", ClassProtocol)
}

func orClient(id, clientID string) string {
	if id != "" {
		return id
	}
	return clientID
}

func (o *Orchestrator) onPresence(spectator bool) func(transport.PresenceMessage) {
	return func(p transport.PresenceMessage) {
		ev := inbound{participantID: p.ClientID, presence: p, at: p.Timestamp}
		var data PresenceData
		if err := p.Decode(&data); err != nil {
			o.logger.Warn("discarding malformed presence data", "client", p.ClientID, "error", err, "class", ClassProtocol)
		}
		ev.reason = data.Reason
		switch p.Action {
		case transport.PresenceEnter, transport.PresencePresent:
			ev.kind = evEnter
		case transport.PresenceLeave:
			ev.kind = evLeave
		case transport.PresenceUpdate:
			ev.kind = evUpdate
		default:
			return
		}
		if spectator {
			switch ev.kind {
			case evEnter:
				ev.kind = evSpectatorEnter
			case evLeave:
				ev.kind = evSpectatorLeave
			default:
				return
			}
		}
		o.post(ev)
	}
}

// dispatch routes one mailbox item, deferring it when the current state is
// not ready for it. A new event also queues behind earlier deferred events
// of the same participant.
func (o *Orchestrator) dispatch(ctx context.Context, ev inbound) {
	queued := ev.kind.deferrable() && ev.participantID != "" && o.deferredFor[ev.participantID] > 0
	if queued || o.blocked(ev) {
		o.deferEvent(ev)
		return
	}
	o.handle(ctx, ev)
}

func (o *Orchestrator) deferEvent(ev inbound) {
	o.logger.Debug("deferring event", "kind", ev.kind, "participant", ev.participantID, "state", o.state)
	o.deferred = append(o.deferred, ev)
	if ev.participantID != "" {
		o.deferredFor[ev.participantID]++
	}
}

// replayDeferred runs every deferred event that the current state accepts,
// in arrival order. Once an event of a participant stays blocked, that
// participant's later events stay queued behind it for the rest of the pass.
func (o *Orchestrator) replayDeferred(ctx context.Context) {
	held := make(map[string]bool)
	for i := 0; i < len(o.deferred); {
		if o.state == Done {
			return
		}
		ev := o.deferred[i]
		pid := ev.participantID
		if (pid != "" && held[pid]) || o.blocked(ev) {
			if pid != "" && ev.kind.deferrable() {
				held[pid] = true
			}
			i++
			continue
		}
		o.deferred = append(o.deferred[:i:i], o.deferred[i+1:]...)
		if pid != "" {
			if o.deferredFor[pid]--; o.deferredFor[pid] <= 0 {
				delete(o.deferredFor, pid)
			}
		}
		o.handle(ctx, ev)
		// Handling may have changed state; rescan from the start so that
		// earlier events that just became receptive keep their order.
		i = 0
		clear(held)
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev inbound) {
	switch ev.kind {
	case evEnter:
		o.onEnter(ctx, ev)
	case evLeave:
		o.onLeave(ctx, ev)
	case evUpdate:
		o.onUpdate(ctx, ev)
	case evSpectatorEnter, evSpectatorLeave:
		o.onSpectator(ctx, ev)
	case evAction:
		o.onAction(ctx, ev)
	case evTransition:
		o.onTransition(ctx, ev)
	case evExit:
		o.exitParticipant(ctx, ev.participantID, orReason(ev.reason, "exit"), true)
	case evFetched:
		o.onFetched(ctx, ev.admit)
	case evTimer:
		o.onTimer(ctx, ev)
	case evChannel:
		// Status is republished after every mailbox item.
	case evLogicTransition:
		o.logger.Debug("logic transition", "from", ev.transition.From, "to", ev.transition.To)
		o.logicState = ev.transition.To
	case evShutdown:
		if !o.state.draining() {
			o.logger.Info("shutdown requested")
			o.beginDrain(ctx, ShutdownOnly, "")
		}
	}
	if ev.kind.deferrable() && !o.state.draining() {
		o.persist(ctx)
	}
}

func orReason(reason, def string) string {
	if reason == "" {
		return def
	}
	return reason
}

// active reports whether developer logic may still be called.
func (o *Orchestrator) active() bool {
	return o.logic != nil && !o.state.draining()
}

// setState moves to s. Callers replay deferred events once the state's
// entry work is done.
func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.logger.Info("session state", "from", o.state, "to", s)
	o.state = s
	o.lifecycle = s.lifecycle(o.lifecycle)
}

type classifiedError struct {
	class ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// fail records err and starts a best-effort drain without a lifecycle
// transition. Logic is not called again.
func (o *Orchestrator) fail(ctx context.Context, class ErrorClass, err error) {
	o.logger.Error("session failed", "class", class, "error", err)
	o.resultMu.Lock()
	if o.result.Err == nil {
		o.result.Err = err
		o.result.Class = class
	}
	o.resultMu.Unlock()
	if o.state == Failed || o.state == Done {
		return
	}
	o.beginDrain(ctx, Failed, "")
}

func (o *Orchestrator) publishStatus() {
	st := o.snapshotStatus()
	o.status.Store(&st)
	if o.cfg.OnState != nil {
		o.cfg.OnState(st)
	}
}

// onChannelChange records the attach state of a session channel for status
// reporting and wakes the orchestrator so the change is published.
func (o *Orchestrator) onChannelChange(c channel.Change) {
	o.channelsMu.Lock()
	o.channels[c.Channel] = c.To.String()
	o.channelsMu.Unlock()
	switch {
	case c.Err != nil:
		o.logger.Warn("channel state", "channel", c.Channel, "from", c.From, "to", c.To, "error", c.Err)
	default:
		o.logger.Debug("channel state", "channel", c.Channel, "from", c.From, "to", c.To)
	}
	o.post(inbound{kind: evChannel})
}

func (o *Orchestrator) snapshotStatus() session.State {
	o.resultMu.Lock()
	res := o.result
	o.resultMu.Unlock()
	o.channelsMu.Lock()
	channels := maps.Clone(o.channels)
	o.channelsMu.Unlock()

	st := session.State{
		ID:             o.sess.ID,
		AppID:          o.sess.AppID,
		ZoneID:         o.sess.ZoneID,
		CreatorID:      o.sess.CreatorID,
		Hosted:         o.sess.Hosted,
		Lifecycle:      o.lifecycle,
		Phase:          o.state.String(),
		LogicState:     o.logicState,
		Flags:          o.sess.Flags,
		ActiveCount:    len(o.registry.Active()),
		IdleCount:      len(o.registry.Idle()),
		SpectatorCount: len(o.spectators),
		Participants:   o.registry.All(),
		Channels:       channels,
		Backlog:        o.inbox.Len() + len(o.deferred),
		StartedAt:      o.startedAt,
		UpdatedAt:      o.timers.Now(),
		EndedAt:        o.endedAt,
		Done:           o.state == Done,
	}
	if res.Err != nil {
		st.LastError = res.Err.Error()
		st.ErrorClass = string(res.Class)
	}
	if o.window != nil {
		st.PendingResponders = o.window.pendingIDs()
		d := o.window.deadline
		st.WindowDeadline = &d
	}
	return st
}
