package health

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerStatus(t *testing.T) {
	tests := []struct {
		name string
		prep func(tr *Tracker)
		want Status
	}{
		{"fresh", func(*Tracker) {}, StatusHealthy},
		{"one backend failure", func(tr *Tracker) {
			tr.RecordBackendFailure(errors.New("503"))
		}, StatusDegraded},
		{"threshold backend failures", func(tr *Tracker) {
			for range 3 {
				tr.RecordBackendFailure(errors.New("503"))
			}
		}, StatusFailed},
		{"recovered", func(tr *Tracker) {
			tr.RecordBackendFailure(errors.New("503"))
			tr.RecordBackendSuccess()
		}, StatusHealthy},
		{"connection down", func(tr *Tracker) {
			tr.SetConnection("disconnected", true, false)
		}, StatusDegraded},
		{"connection failed", func(tr *Tracker) {
			tr.SetConnection("failed", true, true)
		}, StatusFailed},
		{"session failure", func(tr *Tracker) {
			tr.RecordSessionFailure("ev1", errors.New("attach"))
		}, StatusDegraded},
		{"session forgotten", func(tr *Tracker) {
			tr.RecordSessionFailure("ev1", errors.New("attach"))
			tr.RemoveSession("ev1")
		}, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker("quiz")
			tt.prep(tr)
			assert.Equal(t, tt.want, tr.Snapshot(3, "ready", 0).Status)
		})
	}
}

func TestSnapshotAndEmitReportsChangesOnce(t *testing.T) {
	tr := NewTracker("quiz")
	_, changed := tr.SnapshotAndEmit(3, "ready", 0)
	assert.False(t, changed)

	tr.SetConnection("disconnected", true, false)
	r, changed := tr.SnapshotAndEmit(3, "connecting", 2)
	assert.True(t, changed)
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "disconnected", r.Connection)
	assert.Equal(t, 2, r.Sessions)

	_, changed = tr.SnapshotAndEmit(3, "connecting", 2)
	assert.False(t, changed)
}

func TestLastErrorPrefersMostRecent(t *testing.T) {
	tr := NewTracker("quiz")
	tr.RecordBackendFailure(errors.New("backend down"))
	tr.RecordSessionFailure("ev1", errors.New("attach failed"))
	assert.Equal(t, "attach failed", tr.Snapshot(3, "", 0).LastError)

	tr.RecordBackendFailure(errors.New("backend still down"))
	assert.Equal(t, "backend still down", tr.Snapshot(3, "", 0).LastError)
}

func TestProcess(t *testing.T) {
	st, err := Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), st.PID)
	assert.Positive(t, st.Goroutines)
}

func TestWorst(t *testing.T) {
	assert.Equal(t, StatusHealthy, Worst(nil))
	assert.Equal(t, StatusDegraded, Worst([]Report{{Status: StatusHealthy}, {Status: StatusDegraded}}))
	assert.Equal(t, StatusFailed, Worst([]Report{{Status: StatusFailed}, {Status: StatusDegraded}}))
}
