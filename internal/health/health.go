// Package health tracks per-application failure counts and connectivity and
// reduces them to a healthy/degraded/failed status.
package health

import (
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// DefaultThreshold is the number of consecutive failures after which a
// component counts as failed.
const DefaultThreshold = 3

// Report is a consistent copy of a Tracker.
type Report struct {
	App              string    `json:"app"`
	Status           Status    `json:"status"`
	State            string    `json:"state"`
	Connection       string    `json:"connection"`
	BackendFailures  int       `json:"backendFailures"`
	DegradedSessions int       `json:"degradedSessions"`
	Sessions         int       `json:"sessions"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorAt      time.Time `json:"lastErrorAt,omitempty"`
}

// Tracker counts consecutive backend failures for one application and
// infrastructure failures per session. Fields are protected by mu because
// the supervisor writes them while the admin surface reads them.
type Tracker struct {
	mu               sync.Mutex
	app              string
	backendFailures  int
	lastBackendErr   string
	lastBackendFail  time.Time
	sessionFailures  map[string]int
	lastSessionErr   string
	lastSessionFail  time.Time
	connection       string
	connectionDown   bool
	connectionFailed bool
	lastEmitted      Status
}

func NewTracker(app string) *Tracker {
	return &Tracker{
		app:             app,
		sessionFailures: make(map[string]int),
		connection:      "initiating",
		lastEmitted:     StatusHealthy,
	}
}

func (t *Tracker) RecordBackendSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backendFailures = 0
	t.lastBackendErr = ""
}

func (t *Tracker) RecordBackendFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backendFailures++
	t.lastBackendErr = err.Error()
	t.lastBackendFail = time.Now()
}

// RecordSessionFailure notes an infrastructure failure that ended a session.
func (t *Tracker) RecordSessionFailure(sessionID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionFailures[sessionID]++
	t.lastSessionErr = err.Error()
	t.lastSessionFail = time.Now()
}

// RemoveSession forgets a session's failure count.
func (t *Tracker) RemoveSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessionFailures, sessionID)
}

// SetConnection records the realtime connection state. down marks a
// recoverable outage, failed a terminal one.
func (t *Tracker) SetConnection(state string, down, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connection = state
	t.connectionDown = down
	t.connectionFailed = failed
}

// Snapshot returns a consistent copy of the tracker. state and sessions are
// supplied by the owner.
func (t *Tracker) Snapshot(threshold int, state string, sessions int) Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reportLocked(threshold, state, sessions)
}

// SnapshotAndEmit is Snapshot plus whether the status changed since the
// last call that reported a change.
func (t *Tracker) SnapshotAndEmit(threshold int, state string, sessions int) (Report, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.reportLocked(threshold, state, sessions)
	changed := r.Status != t.lastEmitted
	if changed {
		t.lastEmitted = r.Status
	}
	return r, changed
}

func (t *Tracker) reportLocked(threshold int, state string, sessions int) Report {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	r := Report{
		App:              t.app,
		Status:           t.statusLocked(threshold),
		State:            state,
		Connection:       t.connection,
		BackendFailures:  t.backendFailures,
		DegradedSessions: t.degradedLocked(),
		Sessions:         sessions,
	}
	r.LastError, r.LastErrorAt = t.lastErrorLocked()
	return r
}

// statusLocked computes health status. Caller must hold t.mu.
func (t *Tracker) statusLocked(threshold int) Status {
	if t.connectionFailed || t.backendFailures >= threshold {
		return StatusFailed
	}
	if t.connectionDown || t.backendFailures > 0 || t.degradedLocked() > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// degradedLocked counts sessions that ended on an infrastructure failure
// and have not been forgotten yet.
func (t *Tracker) degradedLocked() int {
	return len(t.sessionFailures)
}

// lastErrorLocked prefers whichever of the backend and session errors
// happened more recently.
func (t *Tracker) lastErrorLocked() (string, time.Time) {
	if t.lastBackendErr != "" && (t.lastSessionErr == "" || t.lastBackendFail.After(t.lastSessionFail)) {
		return t.lastBackendErr, t.lastBackendFail
	}
	return t.lastSessionErr, t.lastSessionFail
}

var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusFailed: 2}

// Worst reduces several reports to the most severe status. No reports is healthy.
func Worst(reports []Report) Status {
	worst := StatusHealthy
	for _, r := range reports {
		if severity[r.Status] > severity[worst] {
			worst = r.Status
		}
	}
	return worst
}
