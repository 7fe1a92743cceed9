package participant

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned for ids the registry does not hold.
var ErrNotFound = errors.New("participant: not found")

const (
	DefaultIdleAfter  = 30 * time.Minute
	DefaultPurgeAfter = 2 * time.Hour
)

// Thresholds control sweeping. A nil threshold disables that transition.
type Thresholds struct {
	// Idle is how long after LastSeen an active participant becomes idle.
	Idle *time.Duration `json:"idle,omitempty" yaml:"idle"`
	// Purge is how long after becoming idle a participant is removed.
	Purge *time.Duration `json:"purge,omitempty" yaml:"purge"`
}

// DefaultThresholds returns the stock idle and purge thresholds.
func DefaultThresholds() Thresholds {
	idle, purge := DefaultIdleAfter, DefaultPurgeAfter
	return Thresholds{Idle: &idle, Purge: &purge}
}

// SweepResult lists the ids a sweep changed.
type SweepResult struct {
	Idled  []string
	Purged []string
}

type entry struct {
	p       Participant
	idledAt time.Time
}

// Registry is the participant collection of one session. It is owned by a
// single orchestrator and is not safe for concurrent use.
type Registry struct {
	hostID     string
	hosted     bool
	thresholds Thresholds
	host       *entry
	entries    map[string]*entry
	seq        uint64
}

// NewRegistry creates a registry for a session whose designated host is
// hostID. When hosted is true the host is kept apart from the participants.
func NewRegistry(hostID string, hosted bool, th Thresholds) *Registry {
	return &Registry{
		hostID:     hostID,
		hosted:     hosted,
		thresholds: th,
		entries:    make(map[string]*entry),
	}
}

func (r *Registry) isHost(id string) bool {
	return r.hosted && id != "" && id == r.hostID
}

// Reserve hands out the next join sequence number. Callers that admit
// participants asynchronously reserve at entry and pass it to Add as p.Seq
// so that join order follows entry order rather than completion order.
func (r *Registry) Reserve() uint64 {
	r.seq++
	return r.seq
}

// Add inserts p as active, seen at ts. A new participant keeps a non-zero
// p.Seq from Reserve and otherwise gets the next one. Adding an id that
// already exists refreshes it in place and keeps its join order.
func (r *Registry) Add(p Participant, ts time.Time) {
	p.Liveness = Active
	p.LastSeen = ts
	if p.JoinedAt.IsZero() {
		p.JoinedAt = ts
	}
	if r.isHost(p.ID) {
		p.Role = RoleHost
		if r.host != nil {
			p.Seq = r.host.p.Seq
			p.JoinedAt = r.host.p.JoinedAt
		} else {
			p.Seq = r.nextSeq(p.Seq)
		}
		r.host = &entry{p: p}
		return
	}
	if existing, ok := r.entries[p.ID]; ok {
		p.Seq = existing.p.Seq
		p.JoinedAt = existing.p.JoinedAt
	} else {
		p.Seq = r.nextSeq(p.Seq)
	}
	r.entries[p.ID] = &entry{p: p}
}

func (r *Registry) nextSeq(reserved uint64) uint64 {
	if reserved != 0 {
		r.seq = max(r.seq, reserved)
		return reserved
	}
	r.seq++
	return r.seq
}

func (r *Registry) lookup(id string) (*entry, bool) {
	if r.isHost(id) {
		return r.host, r.host != nil
	}
	e, ok := r.entries[id]
	return e, ok
}

// Get returns a copy of the participant with id.
func (r *Registry) Get(id string) (Participant, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Participant{}, false
	}
	return e.p.clone(), true
}

func (r *Registry) Exists(id string) bool {
	_, ok := r.lookup(id)
	return ok
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	if r.isHost(id) {
		had := r.host != nil
		r.host = nil
		return had
	}
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Touch marks id as seen at ts, reviving an idle participant.
func (r *Registry) Touch(id string, ts time.Time) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	e.p.LastSeen = ts
	e.p.Liveness = Active
	e.idledAt = time.Time{}
	return nil
}

// UpdateGeo replaces the participant's geolocation.
func (r *Registry) UpdateGeo(id string, geo *GeoLocation) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if geo != nil {
		g := *geo
		geo = &g
	}
	e.p.GeoLocation = geo
	return nil
}

// Sweep ages participants against now. Active participants past the idle
// threshold become idle; participants that were already idle before this
// sweep and are past the purge threshold are removed.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var res SweepResult
	all := r.sortedEntries(true)
	for _, e := range all {
		switch e.p.Liveness {
		case Idle:
			if r.thresholds.Purge != nil && now.Sub(e.idledAt) >= *r.thresholds.Purge {
				e.p.Liveness = Purged
				r.Remove(e.p.ID)
				res.Purged = append(res.Purged, e.p.ID)
			}
		case Active:
			if r.thresholds.Idle != nil && now.Sub(e.p.LastSeen) >= *r.thresholds.Idle {
				e.p.Liveness = Idle
				e.idledAt = now
				res.Idled = append(res.Idled, e.p.ID)
			}
		}
	}
	return res
}

func (r *Registry) sortedEntries(withHost bool) []*entry {
	out := make([]*entry, 0, len(r.entries)+1)
	for _, e := range r.entries {
		out = append(out, e)
	}
	if withHost && r.host != nil {
		out = append(out, r.host)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].p.Seq < out[j].p.Seq })
	return out
}

func (r *Registry) filter(l Liveness) []Participant {
	var out []Participant
	for _, e := range r.sortedEntries(false) {
		if e.p.Liveness == l {
			out = append(out, e.p.clone())
		}
	}
	return out
}

// Active returns active non-host participants in join order.
func (r *Registry) Active() []Participant { return r.filter(Active) }

// Idle returns idle non-host participants in join order.
func (r *Registry) Idle() []Participant { return r.filter(Idle) }

// All returns every participant, host included, in join order.
func (r *Registry) All() []Participant {
	all := r.sortedEntries(true)
	out := make([]Participant, len(all))
	for i, e := range all {
		out[i] = e.p.clone()
	}
	return out
}

// Count is the number of non-host participants.
func (r *Registry) Count() int { return len(r.entries) }

// Host returns the host of a hosted session, if present.
func (r *Registry) Host() (Participant, bool) {
	if r.host == nil {
		return Participant{}, false
	}
	return r.host.p.clone(), true
}

// Snapshot is the serializable registry state.
type Snapshot struct {
	HostID       string               `json:"hostId"`
	Hosted       bool                 `json:"hosted"`
	Seq          uint64               `json:"seq"`
	Participants []Participant        `json:"participants"`
	IdledAt      map[string]time.Time `json:"idledAt,omitempty"`
}

func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{HostID: r.hostID, Hosted: r.hosted, Seq: r.seq, Participants: r.All()}
	for _, e := range r.sortedEntries(true) {
		if !e.idledAt.IsZero() {
			if s.IdledAt == nil {
				s.IdledAt = make(map[string]time.Time)
			}
			s.IdledAt[e.p.ID] = e.idledAt
		}
	}
	return s
}

// Restore rebuilds a registry from a snapshot.
func Restore(s Snapshot, th Thresholds) *Registry {
	r := NewRegistry(s.HostID, s.Hosted, th)
	for _, p := range s.Participants {
		e := &entry{p: p.clone(), idledAt: s.IdledAt[p.ID]}
		if r.isHost(p.ID) {
			r.host = e
		} else {
			r.entries[p.ID] = e
		}
	}
	r.seq = s.Seq
	return r
}
