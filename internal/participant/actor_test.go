package participant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/hub"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/timer"
	"github.com/agent-racer/conductor/internal/transport"
)

type scriptedLogic struct {
	mu     sync.Mutex
	events []string
	fail   map[string]error
	reply  map[string]logic.Result
}

func (l *scriptedLogic) Handle(_ context.Context, ev logic.Event) (logic.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev.Name)
	if err := l.fail[ev.Name]; err != nil {
		return logic.Result{}, err
	}
	return l.reply[ev.Name], nil
}

func (l *scriptedLogic) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type actorFixture struct {
	broker  *hub.Broker
	clock   *timer.FakeClock
	timers  *timer.Service
	signals chan Signal
	logic   *scriptedLogic
	actor   *Actor
}

func newActor(t *testing.T, grace time.Duration) *actorFixture {
	t.Helper()
	f := &actorFixture{
		broker:  hub.NewBroker(),
		clock:   timer.NewFakeClock(t0),
		signals: make(chan Signal, 16),
		logic:   &scriptedLogic{fail: map[string]error{}, reply: map[string]logic.Result{}},
	}
	f.timers = timer.New(f.clock)
	conn := f.broker.Connect("session")
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.actor = Spawn(ctx, ActorConfig{
		Participant:    Participant{ID: "p1", PrivateChannel: "app:e:1:participant:p1"},
		Channels:       conn,
		Timers:         f.timers,
		Logic:          f.logic,
		ReconnectGrace: grace,
		Signals:        f.signals,
	})
	require.Equal(t, SignalReady, f.next(t).Kind)
	return f
}

func (f *actorFixture) next(t *testing.T) Signal {
	t.Helper()
	select {
	case s := <-f.signals:
		return s
	case <-time.After(time.Second):
		t.Fatal("no signal")
		return Signal{}
	}
}

func (f *actorFixture) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.actor.inbox.Len() == 0 }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
}

func TestActorAttachesPrivateChannelAndForwardsActions(t *testing.T) {
	f := newActor(t, 0)
	assert.Equal(t, Running, f.actor.State())
	assert.True(t, f.broker.Attached("app:e:1:participant:p1"))

	f.actor.Send(Command{Kind: CmdAction, Name: "answer", Payload: []byte(`{"choice":2}`)})
	require.Eventually(t, func() bool { return len(f.logic.seen()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"answer"}, f.logic.seen())
}

func TestActorDisplayPublishesOnPrivateChannel(t *testing.T) {
	f := newActor(t, 0)
	viewer := f.broker.Connect("p1")
	require.NoError(t, viewer.Connect(context.Background()))
	defer viewer.Close()
	got := make(chan transport.Message, 1)
	ch := viewer.Channel("app:e:1:participant:p1")
	ch.Subscribe(PrivateDisplay, func(m transport.Message) { got <- m })
	require.NoError(t, ch.Attach(context.Background()))

	f.actor.Send(Command{Kind: CmdDisplay, Data: map[string]string{"screen": "question"}})
	select {
	case m := <-got:
		assert.JSONEq(t, `{"screen":"question"}`, string(m.Data))
	case <-time.After(time.Second):
		t.Fatal("display not delivered")
	}
}

func TestActorInactivityTimeout(t *testing.T) {
	f := newActor(t, 0)
	f.actor.Send(Command{Kind: CmdDisplay, Timeout: 5 * time.Second})
	f.settle(t)
	f.clock.Advance(5 * time.Second)
	assert.Equal(t, SignalTimedOut, f.next(t).Kind)
	require.Eventually(t, func() bool {
		s := f.logic.seen()
		return len(s) > 0 && s[len(s)-1] == logic.EventParticipantTimeout
	}, time.Second, time.Millisecond)
}

func TestActionClearsInactivityTimer(t *testing.T) {
	f := newActor(t, 0)
	f.actor.Send(Command{Kind: CmdDisplay, Timeout: 5 * time.Second})
	f.actor.Send(Command{Kind: CmdAction, Name: "move"})
	f.settle(t)
	assert.Equal(t, timer.Off, f.timers.State(f.actor.inactivityID))
	f.clock.Advance(10 * time.Second)
	select {
	case s := <-f.signals:
		t.Fatalf("unexpected signal %v", s.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelTimeoutStopsInactivityTimer(t *testing.T) {
	f := newActor(t, 0)
	f.actor.Send(Command{Kind: CmdDisplay, Timeout: 5 * time.Second})
	f.settle(t)
	require.Equal(t, timer.Running, f.timers.State(f.actor.inactivityID))

	f.actor.Send(Command{Kind: CmdCancelTimeout})
	f.settle(t)
	assert.Equal(t, timer.Off, f.timers.State(f.actor.inactivityID))
	f.clock.Advance(10 * time.Second)
	select {
	case s := <-f.signals:
		t.Fatalf("unexpected signal %v", s.Kind)
	case <-time.After(20 * time.Millisecond):
	}
	assert.Empty(t, f.logic.seen())
}

func TestDisconnectPausesTimerAndReconnectResumes(t *testing.T) {
	f := newActor(t, 0)
	f.actor.Send(Command{Kind: CmdDisplay, Timeout: 5 * time.Second})
	f.settle(t)
	f.clock.Advance(2 * time.Second)

	f.actor.Send(Command{Kind: CmdDisconnect})
	f.settle(t)
	assert.Equal(t, timer.Paused, f.timers.State(f.actor.inactivityID))
	f.clock.Advance(time.Minute)

	f.actor.Send(Command{Kind: CmdReconnect})
	f.settle(t)
	assert.Equal(t, timer.Running, f.timers.State(f.actor.inactivityID))
	assert.Equal(t, 3*time.Second, f.timers.Remaining(f.actor.inactivityID))
	assert.Equal(t, []string{logic.EventParticipantDisconnect, logic.EventParticipantReconnect}, f.logic.seen())
}

func TestReconnectGraceExpires(t *testing.T) {
	f := newActor(t, 30*time.Second)
	f.actor.Send(Command{Kind: CmdDisconnect})
	f.settle(t)
	f.clock.Advance(30 * time.Second)
	s := f.next(t)
	assert.Equal(t, SignalGraceExpired, s.Kind)
	assert.Equal(t, "p1", s.ParticipantID)
}

func TestReconnectCancelsGrace(t *testing.T) {
	f := newActor(t, 30*time.Second)
	f.actor.Send(Command{Kind: CmdDisconnect})
	f.actor.Send(Command{Kind: CmdReconnect})
	f.settle(t)
	f.clock.Advance(time.Minute)
	select {
	case s := <-f.signals:
		t.Fatalf("unexpected signal %v", s.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestExitDetachesBeforeDone(t *testing.T) {
	f := newActor(t, 0)
	f.actor.Send(Command{Kind: CmdExit, Reason: "boot"})
	s := f.next(t)
	assert.Equal(t, SignalDone, s.Kind)
	assert.Equal(t, "boot", s.Reason)
	assert.False(t, f.broker.Attached("app:e:1:participant:p1"), "private channel detached before done")
	<-f.actor.Done()
	assert.Equal(t, Done, f.actor.State())
	assert.Equal(t, logic.EventParticipantExit, f.logic.seen()[len(f.logic.seen())-1])

	// Commands after exit are dropped.
	f.actor.Send(Command{Kind: CmdAction, Name: "late"})
}

func TestLogicErrorSignalsFailure(t *testing.T) {
	f := newActor(t, 0)
	f.logic.mu.Lock()
	f.logic.fail["bad"] = errors.New("boom")
	f.logic.mu.Unlock()
	f.actor.Send(Command{Kind: CmdAction, Name: "bad"})
	s := f.next(t)
	assert.Equal(t, SignalFailed, s.Kind)
	assert.True(t, s.LogicErr)
	assert.Equal(t, Running, f.actor.State())
}

func TestAttachFailureSignalsFailedThenDone(t *testing.T) {
	b := hub.NewBroker()
	conn := b.Connect("session") // never connected
	defer conn.Close()
	signals := make(chan Signal, 4)
	a := Spawn(context.Background(), ActorConfig{
		Participant: Participant{ID: "p2", PrivateChannel: "x:participant:p2"},
		Channels:    conn,
		Timers:      timer.New(timer.NewFakeClock(t0)),
		Signals:     signals,
	})
	assert.Equal(t, SignalFailed, (<-signals).Kind)
	assert.Equal(t, SignalDone, (<-signals).Kind)
	<-a.Done()
}
