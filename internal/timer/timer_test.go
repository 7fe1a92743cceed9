package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestStart_FiresOnce(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := 0
	s.Start("p1", 5*time.Second, func() { fired++ })
	assert.Equal(t, Running, s.State("p1"))

	clock.Advance(4 * time.Second)
	assert.Equal(t, 0, fired)

	clock.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.Equal(t, Expired, s.State("p1"))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, fired, "callback must not fire twice for one arm")
}

func TestStart_SupersedesPreviousArm(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	var calls []string
	s.Start("p1", time.Second, func() { calls = append(calls, "first") })
	s.Start("p1", 3*time.Second, func() { calls = append(calls, "second") })

	clock.Advance(5 * time.Second)
	assert.Equal(t, []string{"second"}, calls)
}

func TestCancel_PreventsExpiry(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := false
	s.Start("p1", time.Second, func() { fired = true })
	s.Cancel("p1")
	s.Cancel("p1")
	s.Reset("unknown")

	clock.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, Off, s.State("p1"))
}

func TestCancel_AfterExpiryIsNoop(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := 0
	s.Start("p1", time.Second, func() { fired++ })
	clock.Advance(time.Second)
	s.Cancel("p1")
	assert.Equal(t, 1, fired)
	assert.Equal(t, Off, s.State("p1"))
}

func TestPause_Errors(t *testing.T) {
	s := New(NewFakeClock(epoch))

	require.ErrorIs(t, s.Pause("missing", epoch), ErrNotRunning)
	require.ErrorIs(t, s.Resume("missing"), ErrNotPaused)

	s.Start("p1", time.Second, nil)
	require.ErrorIs(t, s.Resume("p1"), ErrNotPaused)
	require.NoError(t, s.Pause("p1", epoch))
	require.ErrorIs(t, s.Pause("p1", epoch), ErrNotRunning)
}

func TestPauseResume_NoTimeAdvanceKeepsRemaining(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	s.Start("p1", 10*time.Second, nil)
	clock.Advance(3 * time.Second)
	before := s.Remaining("p1")

	require.NoError(t, s.Pause("p1", clock.Now()))
	require.NoError(t, s.Resume("p1"))

	assert.Equal(t, before, s.Remaining("p1"))
	assert.Equal(t, 7*time.Second, before)
}

func TestPauseResume_ExpiresWithRemainingTime(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := 0
	s.Start("p1", 10*time.Second, func() { fired++ })
	clock.Advance(4 * time.Second)
	require.NoError(t, s.Pause("p1", clock.Now()))

	clock.Advance(time.Hour)
	assert.Equal(t, 0, fired, "paused timer must not fire")
	assert.Equal(t, 6*time.Second, s.Remaining("p1"))

	require.NoError(t, s.Resume("p1"))
	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, fired)
	clock.Advance(time.Second)
	assert.Equal(t, 1, fired)
}

func TestPauseResumeCycles_FireAtMostOnce(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := 0
	s.Start("p1", 10*time.Second, func() { fired++ })
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		require.NoError(t, s.Pause("p1", clock.Now()))
		require.NoError(t, s.Resume("p1"))
	}
	clock.Advance(time.Minute)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, clock.Pending())
}

func TestCancelAll(t *testing.T) {
	clock := NewFakeClock(epoch)
	s := New(clock)

	fired := 0
	s.Start("a", time.Second, func() { fired++ })
	s.Start("b", time.Second, func() { fired++ })
	s.CancelAll()
	clock.Advance(time.Minute)
	assert.Equal(t, 0, fired)
}

func TestRealClock_Fires(t *testing.T) {
	s := New(nil)
	done := make(chan struct{})
	s.Start("p1", 10*time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "unknown", State(42).String())
}
