package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/store"
)

// snapshot is the persisted form of a running session.
type snapshot struct {
	Session  session.Session      `json:"session"`
	Phase    string               `json:"phase"`
	Registry participant.Snapshot `json:"registry"`
	Context  json.RawMessage      `json:"context,omitempty"`
	SavedAt  time.Time            `json:"savedAt"`
}

func (o *Orchestrator) key() string { return store.Key(store.KindSession, o.sess.ID) }

func (o *Orchestrator) loadSnapshot(ctx context.Context) (*snapshot, error) {
	data, err := o.cfg.Store.Get(ctx, o.key())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// persist writes the session snapshot under the store's per-key lock.
func (o *Orchestrator) persist(ctx context.Context) {
	if o.state < Created || o.state.draining() {
		return
	}
	sess := o.sess
	sess.Lifecycle = o.lifecycle
	snap := snapshot{
		Session:  sess,
		Phase:    o.state.String(),
		Registry: o.registry.Snapshot(),
		SavedAt:  o.timers.Now(),
	}
	if sn, ok := o.logic.(logic.Snapshotter); ok {
		data, err := sn.Snapshot()
		if err != nil {
			o.logger.Warn("logic snapshot failed", "error", err)
		} else {
			snap.Context = data
		}
	}
	err := o.cfg.Store.Mutate(ctx, o.key(), func([]byte) ([]byte, error) {
		return json.Marshal(snap)
	})
	if err != nil {
		o.logger.Warn("persist snapshot failed", "error", err, "class", ClassInfrastructure)
	}
}

// restore rebuilds the registry from a snapshot and re-spawns an actor for
// every restored participant. They count as disconnected until presence
// shows them again.
func (o *Orchestrator) restore(ctx context.Context, snap *snapshot) {
	o.registry = participant.Restore(snap.Registry, o.cfg.Thresholds)
	o.resume = snap.Session.Lifecycle
	for _, p := range o.registry.All() {
		a := &admission{
			id:       p.ID,
			restored: true,
			record:   backend.Participant{ID: p.ID, EventID: o.sess.ID, UserID: p.UserID, Name: p.Name},
		}
		pl, err := o.newParticipantLogic(ctx, a.record)
		if err != nil {
			o.logger.Warn("restored participant dropped", "participant", p.ID, "error", err)
			o.registry.Remove(p.ID)
			continue
		}
		a.logic = pl
		o.admissions[p.ID] = a
		o.spawn(a, p)
	}
	o.restored = len(o.admissions) > 0
	o.logger.Info("restoring session", "lifecycle", o.resume, "participants", len(o.admissions))
}
