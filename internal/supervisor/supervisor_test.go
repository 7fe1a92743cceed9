package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/backend/backendtest"
	"github.com/agent-racer/conductor/internal/channel"
	"github.com/agent-racer/conductor/internal/connection"
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/hub"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/transport"
)

const (
	wait = 3 * time.Second
	tick = 5 * time.Millisecond
)

type nopLogic struct{}

func (nopLogic) Handle(context.Context, logic.Event) (logic.Result, error) {
	return logic.Result{}, nil
}

type nopFactory struct{}

func (nopFactory) NewSession(context.Context, logic.SessionInfo, json.RawMessage) (logic.SessionLogic, error) {
	return nopLogic{}, nil
}

func (nopFactory) NewParticipant(context.Context, logic.ParticipantInfo) (logic.ParticipantLogic, error) {
	return nil, nil
}

type recorder struct {
	mu      sync.Mutex
	updates int
	removed []string
}

func (r *recorder) QueueUpdate(states []*session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates += len(states)
}

func (r *recorder) QueueRemoval(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, ids...)
}

func (r *recorder) removals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

type fixture struct {
	broker    *hub.Broker
	backend   *backendtest.Server
	notifier  *recorder
	sup       *Supervisor
	retryStep time.Duration
	errc      chan error
	cancel    context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		broker:    hub.NewBroker(),
		backend:   backendtest.New(t),
		notifier:  &recorder{},
		retryStep: time.Millisecond,
	}
	f.backend.AddApp(backend.App{ID: "quiz", ZoneID: "zone-1", Hosted: true})
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn := connection.New(f.broker.Connect("conductor"), connection.Config{
		SuspendedRetry: 5 * time.Millisecond,
		BackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(2 * time.Millisecond)
		},
	}, logger)
	f.sup = New(Config{
		AppID:      "quiz",
		Backend:    backend.New(f.backend.URL, "", 5*time.Second),
		Connection: conn,
		Logic:      nopFactory{},
		Notifier:   f.notifier,
		RetryStep:  f.retryStep,
		Logger:     logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.errc = make(chan error, 1)
	go func() { f.errc <- f.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.errc:
		case <-time.After(wait):
			t.Error("supervisor did not stop")
		}
	})
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sup.State() == want }, wait, tick,
		"state %s, want %s", f.sup.State(), want)
}

func (f *fixture) waitSessions(t *testing.T, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := f.sup.Sessions()
		if len(got) != len(ids) {
			return false
		}
		for i, st := range got {
			if st.ID != ids[i] {
				return false
			}
		}
		return true
	}, wait, tick)
}

// publisher returns the application channel as an external client sees it.
func (f *fixture) publisher(t *testing.T) transport.Channel {
	t.Helper()
	conn := f.broker.Connect("backend")
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Close() })
	ch := conn.Channel(channel.AppEvents("quiz"))
	require.NoError(t, ch.Attach(context.Background()))
	return ch
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fetchingAppData", FetchingAppData.String())
	assert.Equal(t, "creatingListenChannel", CreatingListenChannel.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestLinearBackOff(t *testing.T) {
	b := &LinearBackOff{Step: time.Second, MaxSteps: 3}
	var got []time.Duration
	for range 5 {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, time.Second, 2 * time.Second}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestCreateAndRemoveSessions(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.waitState(t, Ready)
	require.True(t, f.broker.Attached(channel.AppEvents("quiz")))

	pub := f.publisher(t)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, MsgCreateEvent, CreateEvent{EventID: "ev1", CreatorID: "host"}))
	require.NoError(t, pub.Publish(ctx, MsgCreateEvent, CreateEvent{EventID: "ev1", CreatorID: "other"}))
	require.NoError(t, pub.Publish(ctx, MsgCreateEvent, CreateEvent{EventID: "ev2", CreatorID: "host2"}))
	f.waitSessions(t, "ev1", "ev2")

	st := f.sup.Sessions()[0]
	assert.Equal(t, "host", st.CreatorID, "duplicate create replaced the session")
	assert.True(t, st.Hosted, "hosted not taken from the application")
	assert.Equal(t, "zone-1", st.ZoneID)

	require.NoError(t, pub.Publish(ctx, MsgRemoveEvent, RemoveEvent{EventID: "ev1"}))
	f.waitSessions(t, "ev2")
	assert.Contains(t, f.notifier.removals(), "ev1")
	assert.Empty(t, f.backend.Transitions(), "removal reported a transition")
}

func TestMalformedRequestsAreDiscarded(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.waitState(t, Ready)

	pub := f.publisher(t)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, MsgCreateEvent, map[string]string{"eventId": "ev1"}))
	require.NoError(t, pub.Publish(ctx, MsgCreateEvent, json.RawMessage(`not json`)))
	require.NoError(t, pub.Publish(ctx, "unknown", map[string]string{}))
	require.NoError(t, pub.Publish(ctx, MsgCreateEvent, CreateEvent{EventID: "ev3", CreatorID: "host"}))
	f.waitSessions(t, "ev3")
}

func TestAdminCreateAssignsID(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.waitState(t, Ready)

	id := f.sup.Create(CreateEvent{CreatorID: "host"})
	require.NotEmpty(t, id)
	f.waitSessions(t, id)

	assert.True(t, f.sup.Remove(id))
	f.waitSessions(t)
	assert.False(t, f.sup.Remove("missing"))
}

func TestRetriesAppFetch(t *testing.T) {
	f := newFixture(t)
	f.backend.FailAppFetches(2)
	f.start(t)
	f.waitState(t, Ready)

	h := f.sup.Health()
	assert.Equal(t, "quiz", h.App)
	assert.Equal(t, 0, h.BackendFailures)
	assert.Equal(t, health.StatusHealthy, h.Status)
	assert.Equal(t, "connected", h.Connection)
}

func TestAppFetchFailureWaitsInRetryBackoff(t *testing.T) {
	f := newFixture(t)
	f.retryStep = time.Hour
	f.backend.FailAppFetches(1)
	f.start(t)
	f.waitState(t, RetryBackoff)

	h := f.sup.Health()
	assert.Equal(t, 1, h.BackendFailures)
	assert.NotEqual(t, health.StatusHealthy, h.Status)
	assert.Never(t, func() bool { return f.sup.State() != RetryBackoff }, 50*time.Millisecond, tick)
}

func TestRehydratesInFlightSessions(t *testing.T) {
	f := newFixture(t)
	f.backend.AddEvent(backend.Event{ID: "ev9", AppID: "quiz", ZoneID: "zone-1", CreatorID: "host", State: backend.StateLive, Hosted: true})
	f.backend.AddEvent(backend.Event{ID: "ev8", AppID: "quiz", ZoneID: "zone-1", CreatorID: "host", State: backend.StateClosed})
	f.backend.AddEvent(backend.Event{ID: "ev7", AppID: "other", ZoneID: "zone-1", CreatorID: "host", State: backend.StateLive})
	f.backend.AddParticipant(backend.Participant{ID: "host", EventID: "ev9", UserID: "u-host"})
	f.start(t)
	f.waitSessions(t, "ev9")

	// The creator's return puts the session back where the backend has it.
	conn := f.broker.Connect("host")
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Close() })
	actions := conn.Channel(channel.Names{App: "quiz", Event: "ev9"}.Actions())
	require.NoError(t, actions.Attach(context.Background()))
	require.NoError(t, actions.PresenceEnter(context.Background(), nil))

	require.Eventually(t, func() bool {
		got := f.sup.Sessions()
		return len(got) == 1 && got[0].Lifecycle == session.Live
	}, wait, tick)
	assert.Empty(t, f.backend.Transitions())
}

func TestReconnectKeepsSessions(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.waitState(t, Ready)
	id := f.sup.Create(CreateEvent{EventID: "ev1", CreatorID: "host"})
	f.waitSessions(t, id)

	f.broker.Drop("conductor", errors.New("network"))
	f.waitState(t, Ready)
	f.waitSessions(t, id)

	// The application channel still delivers after the reconnect. Requests
	// published while the conductor is away are lost; duplicates are ignored.
	pub := f.publisher(t)
	require.Eventually(t, func() bool {
		require.NoError(t, pub.Publish(context.Background(), MsgCreateEvent, CreateEvent{EventID: "ev2", CreatorID: "host"}))
		return len(f.sup.Sessions()) == 2
	}, wait, 20*time.Millisecond)
	f.waitSessions(t, "ev1", "ev2")
}

func TestConnectionFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.broker.Reject("conductor", transport.ErrUnauthorized)
	f.start(t)

	select {
	case err := <-f.errc:
		assert.ErrorIs(t, err, ErrConnectionFailed)
		assert.ErrorIs(t, err, transport.ErrUnauthorized)
		f.errc <- err
	case <-time.After(wait):
		t.Fatal("supervisor kept running")
	}
	assert.Equal(t, Failed, f.sup.State())
	assert.Equal(t, health.StatusFailed, f.sup.Health().Status)
}
