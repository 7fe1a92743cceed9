package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/transport"
)

// admission tracks one participant between the first enter and the actor
// reporting ready. Events for that participant are deferred meanwhile.
type admission struct {
	id       string
	presence transport.PresenceMessage
	restored bool
	// Join order is fixed at entry, before the asynchronous lookup.
	seq      uint64
	joinedAt time.Time

	// Filled in off the orchestrator goroutine before evFetched is posted.
	record backend.Participant
	logic  logic.ParticipantLogic
	err    error

	actor *participant.Actor
}

// admit starts admitting id. The backend lookup and participant logic
// construction run on their own goroutine; the result comes back as
// evFetched.
func (o *Orchestrator) admit(ctx context.Context, id string, p transport.PresenceMessage) {
	if _, ok := o.admissions[id]; ok || id == "" {
		return
	}
	a := &admission{id: id, presence: p, seq: o.registry.Reserve(), joinedAt: o.timers.Now()}
	o.admissions[id] = a
	o.logger.Debug("admitting participant", "participant", id)
	go func() {
		a.record, a.err = o.cfg.Backend.FetchParticipant(ctx, id)
		if a.err == nil && a.record.EventID != "" && a.record.EventID != o.sess.ID {
			a.err = fmt.Errorf("participant %s belongs to event %s: %w", id, a.record.EventID, backend.ErrUnauthorized)
		}
		if a.err == nil {
			a.logic, a.err = o.newParticipantLogic(ctx, a.record)
		}
		o.post(inbound{kind: evFetched, participantID: id, admit: a})
	}()
}

func (o *Orchestrator) newParticipantLogic(ctx context.Context, rec backend.Participant) (pl logic.ParticipantLogic, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("participant logic panic: %v", r)
		}
	}()
	pl, err = o.cfg.Logic.NewParticipant(ctx, logic.ParticipantInfo{
		EventID:       o.sess.ID,
		ParticipantID: rec.ID,
		UserID:        rec.UserID,
		Name:          rec.Name,
		Host:          rec.ID == o.sess.CreatorID,
	})
	if err != nil {
		return nil, fmt.Errorf("participant logic: %w", err)
	}
	return pl, nil
}

func (o *Orchestrator) onFetched(ctx context.Context, a *admission) {
	if o.admissions[a.id] != a {
		return
	}
	if o.state.draining() {
		o.dropAdmission(ctx, a.id)
		return
	}
	if a.err != nil {
		class := ClassInfrastructure
		if errors.Is(a.err, backend.ErrNotFound) || errors.Is(a.err, backend.ErrUnauthorized) {
			class = ClassValidation
		}
		o.logger.Warn("participant not admitted", "participant", a.id, "class", class, "error", a.err)
		o.dropAdmission(ctx, a.id)
		if a.id == o.sess.CreatorID && o.state == RegisteringCreator {
			o.fail(ctx, class, fmt.Errorf("creator %s: %w", a.id, a.err))
		}
		return
	}
	o.spawn(a, o.newParticipant(a.record, a.presence))
}

func (o *Orchestrator) newParticipant(rec backend.Participant, p transport.PresenceMessage) participant.Participant {
	np := participant.Participant{
		ID:             rec.ID,
		UserID:         rec.UserID,
		Name:           rec.Name,
		Role:           participant.RoleParticipant,
		PrivateChannel: o.names.Private(rec.ID),
	}
	if o.sess.Hosted && rec.ID == o.sess.CreatorID {
		np.Role = participant.RoleHost
	}
	var data PresenceData
	if err := p.Decode(&data); err == nil {
		np.GeoLocation = data.GeoLocation
	}
	return np
}

func (o *Orchestrator) spawn(a *admission, p participant.Participant) {
	a.actor = participant.Spawn(o.actorCtx, participant.ActorConfig{
		Participant:    p,
		Channels:       o.cfg.Channels,
		Timers:         o.timers,
		Logic:          a.logic,
		ReconnectGrace: o.cfg.Timeouts.ReconnectGrace,
		Signals:        o.signals,
		Logger:         o.logger,
	})
	o.actors[a.id] = a.actor
}

// dropAdmission forgets a failed admission and releases events that were
// waiting for it.
func (o *Orchestrator) dropAdmission(ctx context.Context, id string) {
	delete(o.admissions, id)
	o.replayDeferred(ctx)
	o.checkDrained(ctx)
}

func (o *Orchestrator) handleSignal(ctx context.Context, sig participant.Signal) {
	id := sig.ParticipantID
	switch sig.Kind {
	case participant.SignalReady:
		a, ok := o.admissions[id]
		if !ok || a.actor == nil {
			return
		}
		delete(o.admissions, id)
		if o.state.draining() {
			a.actor.Send(participant.Command{Kind: participant.CmdExit, Reason: "shutdown"})
			return
		}
		o.registered(ctx, a)

	case participant.SignalFailed:
		if sig.LogicErr {
			o.fail(ctx, ClassLogic, fmt.Errorf("participant %s: %w", id, sig.Err))
			return
		}
		if a, ok := o.admissions[id]; ok {
			// The actor finishes on its own and reports done.
			o.logger.Warn("participant not admitted", "participant", id, "class", ClassInfrastructure, "error", sig.Err)
			if a.restored {
				o.registry.Remove(id)
			}
			o.dropAdmission(ctx, id)
			switch {
			case a.restored:
				if o.restored && len(o.admissions) == 0 && o.state == RegisteringCreator {
					o.finishRestore(ctx)
				}
			case id == o.sess.CreatorID && o.state == RegisteringCreator:
				o.fail(ctx, ClassInfrastructure, fmt.Errorf("creator %s: %w", id, sig.Err))
			}
		}

	case participant.SignalTimedOut:
		if o.active() && o.registry.Exists(id) {
			o.invoke(ctx, logic.Event{Name: logic.EventParticipantTimeout, ParticipantID: id})
		}

	case participant.SignalGraceExpired:
		o.exitParticipant(ctx, id, orReason(sig.Reason, "grace_expired"), true)

	case participant.SignalDone:
		delete(o.actors, id)
		if a, ok := o.admissions[id]; ok && a.actor != nil {
			delete(o.admissions, id)
		}
		wasExiting := o.exiting[id]
		delete(o.exiting, id)
		delete(o.disconnected, id)
		if o.registry.Remove(id) && !wasExiting && o.active() {
			o.window.remove(id)
			o.invoke(ctx, logic.Event{Name: logic.EventParticipantExit, ParticipantID: id})
		}
		o.logger.Debug("participant done", "participant", id, "reason", sig.Reason)
		o.checkWindow(ctx)
		o.replayDeferred(ctx)
		o.checkDrained(ctx)
		if !o.state.draining() {
			o.persist(ctx)
		}
	}
}

// registered finishes an admission once the actor's private channel is
// attached.
func (o *Orchestrator) registered(ctx context.Context, a *admission) {
	now := o.timers.Now()
	if a.restored {
		if p, ok := o.registry.Get(a.id); ok {
			o.registry.Add(p, now)
		}
		o.disconnected[a.id] = true
		if len(o.admissions) == 0 && o.state == RegisteringCreator {
			o.finishRestore(ctx)
		}
		return
	}

	p := o.newParticipant(a.record, a.presence)
	p.Seq, p.JoinedAt = a.seq, a.joinedAt
	o.registry.Add(p, now)
	admitted.Add(ctx, 1, metric.WithAttributes(attribute.String("app", o.sess.AppID)))
	o.logger.Info("participant admitted", "participant", a.id, "role", p.Role)

	if stored, ok := o.registry.Get(a.id); ok {
		payload, _ := json.Marshal(stored)
		if !o.invoke(ctx, logic.Event{Name: logic.EventParticipantEnter, ParticipantID: a.id, Payload: payload}) {
			return
		}
	}
	if phase := o.actorPhase(); phase != "" {
		a.actor.Send(participant.Command{Kind: participant.CmdPhase, Name: phase})
	}
	if o.state == RegisteringCreator && a.id == o.sess.CreatorID {
		o.creatorRegistered(ctx)
		return
	}
	o.replayDeferred(ctx)
}

func (o *Orchestrator) finishRestore(ctx context.Context) {
	o.restored = false
	o.logger.Info("session restored", "participants", o.registry.Count(), "lifecycle", o.lifecycle)
	o.registerCreator(ctx)
}

// actorPhase is the phase event a newly admitted actor catches up on.
func (o *Orchestrator) actorPhase() string {
	switch o.state {
	case Announcing:
		return logic.EventAnnounce
	case Live:
		return logic.EventStart
	}
	return ""
}

func (o *Orchestrator) onEnter(ctx context.Context, ev inbound) {
	id := ev.participantID
	if o.state.draining() || id == "" {
		return
	}
	if o.exiting[id] {
		o.logger.Debug("enter while exiting ignored", "participant", id)
		return
	}
	if !o.registry.Exists(id) {
		o.admit(ctx, id, ev.presence)
		return
	}
	_ = o.registry.Touch(id, ev.at)
	if !o.disconnected[id] {
		// Duplicate enter, e.g. from the presence replay.
		return
	}
	delete(o.disconnected, id)
	o.logger.Info("participant reconnected", "participant", id)
	if actor, ok := o.actors[id]; ok {
		actor.Send(participant.Command{Kind: participant.CmdReconnect})
	}
	o.invoke(ctx, logic.Event{Name: logic.EventParticipantReconnect, ParticipantID: id})
}

func (o *Orchestrator) onLeave(ctx context.Context, ev inbound) {
	id := ev.participantID
	if o.state.draining() || !o.registry.Exists(id) || o.exiting[id] {
		return
	}
	if o.cfg.LeavePolicy.Permanent(ev.reason) {
		o.exitParticipant(ctx, id, ev.reason, true)
		return
	}
	if o.disconnected[id] {
		return
	}
	o.disconnected[id] = true
	o.logger.Info("participant disconnected", "participant", id, "reason", ev.reason)
	if actor, ok := o.actors[id]; ok {
		actor.Send(participant.Command{Kind: participant.CmdDisconnect, Reason: ev.reason})
	}
	o.invoke(ctx, logic.Event{Name: logic.EventParticipantDisconnect, ParticipantID: id})
}

func (o *Orchestrator) onUpdate(ctx context.Context, ev inbound) {
	id := ev.participantID
	if o.state.draining() || !o.registry.Exists(id) || o.exiting[id] {
		return
	}
	var data PresenceData
	if err := ev.presence.Decode(&data); err != nil {
		o.logger.Warn("discarding malformed presence update", "participant", id, "error", err, "class", ClassProtocol)
		return
	}
	_ = o.registry.Touch(id, ev.at)
	if data.GeoLocation != nil {
		_ = o.registry.UpdateGeo(id, data.GeoLocation)
	}
	o.invoke(ctx, logic.Event{Name: logic.EventParticipantUpdate, ParticipantID: id, Payload: ev.presence.Data})
}

func (o *Orchestrator) onSpectator(ctx context.Context, ev inbound) {
	if o.state.draining() || ev.participantID == "" {
		return
	}
	name := logic.EventSpectatorEnter
	if ev.kind == evSpectatorLeave {
		if !o.spectators[ev.participantID] {
			return
		}
		delete(o.spectators, ev.participantID)
		name = logic.EventSpectatorLeave
	} else {
		if o.spectators[ev.participantID] {
			return
		}
		o.spectators[ev.participantID] = true
	}
	o.invoke(ctx, logic.Event{Name: name, ParticipantID: ev.participantID})
}

// onAction forwards an action to the participant's actor and to session
// logic. The actor runs on its own goroutine, so both see it concurrently.
func (o *Orchestrator) onAction(ctx context.Context, ev inbound) {
	id := ev.participantID
	if o.state.draining() {
		return
	}
	if !o.registry.Exists(id) || o.exiting[id] {
		o.logger.Warn("action from unknown participant dropped", "participant", id, "action", ev.name, "class", ClassValidation)
		return
	}
	_ = o.registry.Touch(id, ev.at)
	if actor, ok := o.actors[id]; ok {
		actor.Send(participant.Command{Kind: participant.CmdAction, Name: ev.name, Payload: ev.payload})
	}
	o.window.respond(id)
	if !o.invoke(ctx, logic.Event{Name: ev.name, ParticipantID: id, Payload: ev.payload}) {
		return
	}
	o.checkWindow(ctx)
}

// exitParticipant runs the permanent exit path at most once per participant:
// session logic hears PARTICIPANT_EXIT, the actor detaches its private
// channel, and the registry entry goes when the actor reports done.
func (o *Orchestrator) exitParticipant(ctx context.Context, id, reason string, notify bool) {
	if o.exiting[id] {
		return
	}
	_, hasActor := o.actors[id]
	if !hasActor && !o.registry.Exists(id) {
		return
	}
	o.exiting[id] = true
	delete(o.disconnected, id)
	o.window.remove(id)
	o.logger.Info("participant exiting", "participant", id, "reason", reason)

	if notify && o.active() {
		if !o.invoke(ctx, logic.Event{Name: logic.EventParticipantExit, ParticipantID: id}) {
			return
		}
	}
	if actor, ok := o.actors[id]; ok {
		actor.Send(participant.Command{Kind: participant.CmdExit, Reason: reason})
	} else {
		o.registry.Remove(id)
		delete(o.exiting, id)
	}
	o.checkWindow(ctx)
}
