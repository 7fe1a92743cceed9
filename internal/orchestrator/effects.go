package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/channel"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/store"
	"github.com/agent-racer/conductor/internal/transport"
)

// invoke hands ev to session logic and applies the result. It reports
// whether the session is still running afterwards.
func (o *Orchestrator) invoke(ctx context.Context, ev logic.Event) bool {
	if !o.active() {
		return false
	}
	lctx, span := tracer.Start(ctx, "orchestrator.logic", trace.WithAttributes(
		attribute.String("event.name", ev.Name),
		attribute.String("participant", ev.ParticipantID),
	))
	res, err := o.callLogic(lctx, ev)
	span.End()
	if err != nil {
		o.fail(ctx, ClassLogic, fmt.Errorf("%s: %w", ev.Name, err))
		return false
	}
	if res.State != "" {
		o.logicState = res.State
	}
	o.apply(ctx, res)
	return !o.state.draining()
}

func (o *Orchestrator) callLogic(ctx context.Context, ev logic.Event) (res logic.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session logic panic: %v", r)
		}
	}()
	return o.logic.Handle(ctx, ev)
}

func (o *Orchestrator) apply(ctx context.Context, res logic.Result) {
	for _, eff := range res.Effects {
		if o.state == Failed || o.state == Done {
			return
		}
		switch eff.Kind {
		case logic.EffectDisplay:
			o.publishTo(ctx, eff.Audience, MsgPublicDisplay, eff.Data)
			if t := eff.Timeout; t != nil && t.All && t.Duration > 0 && !o.state.draining() {
				o.openWindow(t.Duration)
			}
		case logic.EffectBroadcast:
			name := orReason(eff.Name, MsgBroadcast)
			if eff.Audience == "" {
				o.publish(ctx, o.sessionCh, name, eff.Data)
			} else {
				o.publishTo(ctx, eff.Audience, name, eff.Data)
			}
		case logic.EffectPrivate:
			actor, ok := o.actors[eff.ParticipantID]
			if !ok || o.exiting[eff.ParticipantID] {
				o.logger.Warn("private display for unknown participant", "participant", eff.ParticipantID)
				continue
			}
			cmd := participant.Command{Kind: participant.CmdDisplay, Data: eff.Data}
			if eff.Timeout != nil {
				cmd.Timeout = eff.Timeout.Duration
			}
			actor.Send(cmd)
		case logic.EffectBoot:
			o.exitParticipant(ctx, eff.ParticipantID, orReason(eff.Reason, "boot"), true)
		case logic.EffectClose:
			o.requestClose(ctx)
		case logic.EffectCancel:
			o.requestCancel(ctx)
		case logic.EffectPause:
			o.pause(ctx, eff)
		default:
			o.logger.Warn("unknown effect ignored", "kind", eff.Kind)
		}
	}
	if res.Terminal && !o.state.draining() {
		o.logger.Info("logic finished without close")
		o.beginDrain(ctx, ShutdownOnly, "")
	}
}

func (o *Orchestrator) publishTo(ctx context.Context, audience logic.Audience, name string, data any) {
	switch audience {
	case logic.AudienceSpectators:
		o.publish(ctx, o.spectatorCh, name, data)
	case logic.AudienceAll:
		o.publish(ctx, o.displayCh, name, data)
		o.publish(ctx, o.spectatorCh, name, data)
	default:
		o.publish(ctx, o.displayCh, name, data)
	}
}

func (o *Orchestrator) publish(ctx context.Context, h *channel.Handle, name string, data any) {
	if h == nil {
		return
	}
	if err := o.sup.Publish(ctx, h, name, data); err != nil {
		o.logger.Warn("publish failed", "channel", h.Name(), "name", name, "error", err)
	}
}

func (o *Orchestrator) requestClose(ctx context.Context) {
	switch {
	case o.state == Canceled:
		o.logger.Debug("close ignored, session canceled")
	case o.state.draining():
	default:
		o.beginDrain(ctx, Closing, backend.StateClosed)
	}
}

func (o *Orchestrator) requestCancel(ctx context.Context) {
	if o.state.draining() {
		return
	}
	o.beginDrain(ctx, Canceled, backend.StateCanceled)
}

// pause saves the developer context to the backend and shuts down without a
// lifecycle transition; the session resumes from that context later.
func (o *Orchestrator) pause(ctx context.Context, eff logic.Effect) {
	var (
		data []byte
		err  error
	)
	if sn, ok := o.logic.(logic.Snapshotter); ok {
		data, err = sn.Snapshot()
	} else {
		data, err = transport.Marshal(eff.Data)
	}
	if err != nil {
		o.fail(ctx, ClassLogic, fmt.Errorf("pause snapshot: %w", err))
		return
	}
	if err := o.cfg.Backend.SaveContext(ctx, o.sess.ID, data); err != nil {
		o.fail(ctx, ClassInfrastructure, fmt.Errorf("save context: %w", err))
		return
	}
	o.logger.Info("session paused")
	o.beginDrain(ctx, ShutdownOnly, "")
}

// onTransition handles a host's event_transition.
func (o *Orchestrator) onTransition(ctx context.Context, ev inbound) {
	if ev.participantID != o.sess.CreatorID {
		o.logger.Warn("transition from non-host rejected", "participant", ev.participantID, "transition", ev.name, "class", ClassValidation)
		return
	}
	switch ev.name {
	case TransitionAnnounce:
		if o.state != Created {
			o.logger.Warn("announce ignored", "state", o.state)
			return
		}
		o.advance(ctx, Announcing, backend.StateAnnounce, logic.EventAnnounce)
	case TransitionStart:
		if o.state != Created && o.state != Announcing {
			o.logger.Warn("start ignored", "state", o.state)
			return
		}
		o.advance(ctx, Live, backend.StateLive, logic.EventStart)
	case TransitionClose:
		if o.state != Live {
			o.logger.Warn("close ignored", "state", o.state)
			return
		}
		o.requestClose(ctx)
	case TransitionCancel:
		o.requestCancel(ctx)
	default:
		o.logger.Warn("unknown transition", "transition", ev.name, "class", ClassProtocol)
	}
}

// advance reports the new lifecycle to the backend, announces it on the
// session channel, tells every actor and then session logic, and finally
// replays events that were waiting for the new state. Actors drop any
// pending private display timeout on the way.
func (o *Orchestrator) advance(ctx context.Context, to State, remote backend.State, event string) {
	if err := o.cfg.Backend.Transition(ctx, o.sess.ID, remote); err != nil {
		o.fail(ctx, ClassInfrastructure, fmt.Errorf("transition %s: %w", remote, err))
		return
	}
	o.enterState(to)
	o.publish(ctx, o.sessionCh, MsgEventTransition, TransitionNotice{EventID: o.sess.ID, State: string(remote)})
	for _, id := range slices.Sorted(maps.Keys(o.actors)) {
		if !o.exiting[id] {
			// Private display timeouts belong to the phase that armed them.
			o.actors[id].Send(participant.Command{Kind: participant.CmdCancelTimeout})
			o.actors[id].Send(participant.Command{Kind: participant.CmdPhase, Name: event})
		}
	}
	if !o.invoke(ctx, logic.Event{Name: event}) {
		return
	}
	o.replayDeferred(ctx)
}

func (o *Orchestrator) phaseTimerID() string { return "event:" + o.sess.ID + ":phase" }
func (o *Orchestrator) sweepTimerID() string { return "event:" + o.sess.ID + ":sweep" }
func (o *Orchestrator) drainTimerID() string { return "event:" + o.sess.ID + ":drain" }

// enterState moves to one of the running states and arms its phase timeout.
// Waiting for the creator is bounded by the created timeout too; the created
// phase then starts a fresh one.
func (o *Orchestrator) enterState(s State) {
	o.timers.Cancel(o.phaseTimerID())
	o.phaseGen++
	o.setState(s)

	var (
		d    = o.cfg.Timeouts.Created
		kind = timerCreated
	)
	switch s {
	case RegisteringCreator, Created:
	case Announcing:
		d, kind = o.cfg.Timeouts.Announce, timerAnnounce
	default:
		return
	}
	if d <= 0 {
		return
	}
	gen := o.phaseGen
	o.timers.Start(o.phaseTimerID(), d, func() {
		o.post(inbound{kind: evTimer, timer: kind, gen: gen})
	})
}

func (o *Orchestrator) enterPhase(ctx context.Context, s State) {
	o.enterState(s)
	o.replayDeferred(ctx)
}

func (o *Orchestrator) armSweep() {
	if o.cfg.Timeouts.Sweep <= 0 {
		return
	}
	o.timers.Start(o.sweepTimerID(), o.cfg.Timeouts.Sweep, func() {
		o.post(inbound{kind: evTimer, timer: timerSweep})
	})
}

func (o *Orchestrator) onTimer(ctx context.Context, ev inbound) {
	switch ev.timer {
	case timerCreated, timerAnnounce:
		if ev.gen != o.phaseGen || o.state.draining() {
			return
		}
		o.logger.Info("phase timed out", "state", o.state)
		o.requestCancel(ctx)
	case timerWindow:
		o.onWindowExpired(ctx, ev.gen)
	case timerSweep:
		if o.state.draining() {
			return
		}
		o.sweep(ctx)
		o.armSweep()
	case timerDrain:
		if ev.gen != o.drainGen || o.state == Done {
			return
		}
		o.logger.Warn("drain timed out", "actors", len(o.actors), "admissions", len(o.admissions))
		o.finalize(ctx)
	}
}

// sweep ages participants; purged participants take the exit path.
func (o *Orchestrator) sweep(ctx context.Context) {
	res := o.registry.Sweep(o.timers.Now())
	for _, id := range res.Idled {
		o.logger.Info("participant idle", "participant", id)
	}
	for _, id := range res.Purged {
		if !o.active() {
			return
		}
		o.exitParticipant(ctx, id, "purged", true)
	}
	if len(res.Idled)+len(res.Purged) > 0 && !o.state.draining() {
		o.persist(ctx)
	}
}

// beginDrain enters one of the teardown states: every actor is told to exit
// and the session finishes once they all reported done, or when the drain
// timeout passes.
func (o *Orchestrator) beginDrain(ctx context.Context, s State, remote backend.State) {
	if o.state == Done || (o.state.draining() && s != Failed) {
		return
	}
	o.drainTransition = remote
	if s == Failed {
		o.drainTransition = ""
	}
	o.timers.Cancel(o.phaseTimerID())
	o.timers.Cancel(o.sweepTimerID())
	o.phaseGen++
	o.closeWindow()
	o.setState(s)

	for _, id := range slices.Sorted(maps.Keys(o.actors)) {
		if !o.exiting[id] {
			o.exiting[id] = true
			o.actors[id].Send(participant.Command{Kind: participant.CmdExit, Reason: "shutdown"})
		}
	}
	o.drainGen++
	gen := o.drainGen
	o.timers.Start(o.drainTimerID(), o.cfg.Timeouts.Drain, func() {
		o.post(inbound{kind: evTimer, timer: timerDrain, gen: gen})
	})
	o.checkDrained(ctx)
}

func (o *Orchestrator) checkDrained(ctx context.Context) {
	if !o.state.draining() || o.state == Done {
		return
	}
	if len(o.actors) == 0 && len(o.admissions) == 0 {
		o.finalize(ctx)
	}
}

// finalize reports the final lifecycle, detaches every channel and removes
// the snapshot. Actors still running at this point are cancelled.
func (o *Orchestrator) finalize(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "orchestrator.finalize", trace.WithAttributes(
		attribute.String("state", o.state.String()),
	))
	defer span.End()

	final := o.lifecycle
	switch o.state {
	case Closing:
		final = session.Closed
	case Canceled:
		final = session.Canceled
	}

	if o.drainTransition != "" {
		if err := o.cfg.Backend.Transition(ctx, o.sess.ID, o.drainTransition); err != nil {
			o.logger.Error("final transition failed", "state", o.drainTransition, "error", err)
			o.resultMu.Lock()
			if o.result.Err == nil {
				o.result.Err = fmt.Errorf("transition %s: %w", o.drainTransition, err)
				o.result.Class = ClassInfrastructure
			}
			o.resultMu.Unlock()
		} else {
			o.publish(ctx, o.sessionCh, MsgEventTransition, TransitionNotice{EventID: o.sess.ID, State: string(o.drainTransition)})
		}
	}

	o.timers.CancelAll()
	o.sup.DetachAll(ctx)
	if !o.keepSnapshot {
		if err := o.cfg.Store.Remove(ctx, o.key()); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("remove snapshot failed", "error", err)
		}
	}

	o.stopActors()
	if len(o.actors) > 0 {
		pending := slices.Collect(maps.Values(o.actors))
		go func() {
			// Keep the signal channel moving until the cancelled actors finish.
			for _, a := range pending {
				for waiting := true; waiting; {
					select {
					case <-a.Done():
						waiting = false
					case <-o.signals:
					}
				}
			}
		}()
	}

	now := o.timers.Now()
	o.endedAt = &now
	o.lifecycle = final
	o.resultMu.Lock()
	o.result.Lifecycle = final
	o.resultMu.Unlock()
	o.logger.Info("session done", "lifecycle", final)
	o.state = Done
}
