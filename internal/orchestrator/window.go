package orchestrator

import (
	"context"
	"time"

	"github.com/agent-racer/conductor/internal/logic"
)

// window is an open action-timeout window: every participant in order must
// act before deadline.
type window struct {
	gen      uint64
	order    []string
	pending  map[string]bool
	deadline time.Time
}

func (w *window) respond(id string) {
	if w == nil {
		return
	}
	delete(w.pending, id)
}

// remove drops a participant that left; it does not count as a response.
func (w *window) remove(id string) { w.respond(id) }

func (w *window) empty() bool { return w != nil && len(w.pending) == 0 }

func (w *window) pendingIDs() []string {
	if w == nil {
		return nil
	}
	out := make([]string, 0, len(w.pending))
	for _, id := range w.order {
		if w.pending[id] {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) windowTimerID() string { return "event:" + o.sess.ID + ":window" }

// openWindow seeds a window with the active non-host participants. A window
// that is already open is superseded.
func (o *Orchestrator) openWindow(d time.Duration) {
	o.closeWindow()
	var ids []string
	for _, p := range o.registry.Active() {
		if !o.exiting[p.ID] {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	o.windowGen++
	w := &window{
		gen:      o.windowGen,
		order:    ids,
		pending:  make(map[string]bool, len(ids)),
		deadline: o.timers.Now().Add(d),
	}
	for _, id := range ids {
		w.pending[id] = true
	}
	o.window = w
	gen := w.gen
	o.timers.Start(o.windowTimerID(), d, func() {
		o.post(inbound{kind: evTimer, timer: timerWindow, gen: gen})
	})
	o.logger.Debug("action window opened", "participants", len(ids), "duration", d)
}

func (o *Orchestrator) closeWindow() {
	if o.window == nil {
		return
	}
	o.timers.Cancel(o.windowTimerID())
	o.window = nil
}

// checkWindow closes the window once nobody is pending.
func (o *Orchestrator) checkWindow(context.Context) {
	if o.window.empty() {
		o.logger.Debug("action window complete")
		o.closeWindow()
	}
}

func (o *Orchestrator) onWindowExpired(ctx context.Context, gen uint64) {
	if o.window == nil || o.window.gen != gen {
		return
	}
	missing := o.window.pendingIDs()
	o.window = nil
	if len(missing) == 0 || !o.active() {
		return
	}
	o.logger.Info("action window expired", "nonResponders", missing)
	o.invoke(ctx, logic.Event{Name: logic.EventParticipantsTimeout, NonResponders: missing})
}
