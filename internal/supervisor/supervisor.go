// Package supervisor runs one application: it loads the application's
// metadata, keeps its realtime connection, listens for session requests and
// owns one orchestrator per live session.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/channel"
	"github.com/agent-racer/conductor/internal/connection"
	"github.com/agent-racer/conductor/internal/health"
	"github.com/agent-racer/conductor/internal/logic"
	"github.com/agent-racer/conductor/internal/mailbox"
	"github.com/agent-racer/conductor/internal/orchestrator"
	"github.com/agent-racer/conductor/internal/participant"
	"github.com/agent-racer/conductor/internal/session"
	"github.com/agent-racer/conductor/internal/store"
	"github.com/agent-racer/conductor/internal/timer"
	"github.com/agent-racer/conductor/internal/transport"
)

var tracer = otel.Tracer("github.com/agent-racer/conductor/internal/supervisor")

// ErrConnectionFailed is returned by Run when the realtime connection failed
// for good.
var ErrConnectionFailed = errors.New("supervisor: realtime connection failed")

type State int

const (
	FetchingAppData State = iota
	RetryBackoff
	Connecting
	CreatingListenChannel
	Ready
	Failed
	Stopped
)

var stateNames = map[State]string{
	FetchingAppData:       "fetchingAppData",
	RetryBackoff:          "retryBackoff",
	Connecting:            "connecting",
	CreatingListenChannel: "creatingListenChannel",
	Ready:                 "ready",
	Failed:                "failed",
	Stopped:               "stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Message names on the application channel.
const (
	MsgCreateEvent = "create_event"
	MsgRemoveEvent = "remove_event"
)

// CreateEvent asks for a new session. Hosted defaults to the application's
// setting; the spectators flag is added when the application allows them.
type CreateEvent struct {
	EventID   string          `json:"eventId" jsonschema:"required"`
	CreatorID string          `json:"creatorId" jsonschema:"required"`
	ZoneID    string          `json:"zoneId,omitempty"`
	Hosted    *bool           `json:"hosted,omitempty"`
	Flags     []string        `json:"flags,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// RemoveEvent tears a session down without reporting a transition.
type RemoveEvent struct {
	EventID string `json:"eventId" jsonschema:"required"`
}

// Backend is what a supervisor and its orchestrators need from the
// application backend.
type Backend interface {
	orchestrator.Backend
	FetchApp(ctx context.Context, appID string) (backend.App, error)
	FetchZoneEvents(ctx context.Context, zoneID string, states ...backend.State) ([]backend.Event, error)
}

// Notifier is told about status board changes, typically the admin feed.
type Notifier interface {
	QueueUpdate(states []*session.State)
	QueueRemoval(ids []string)
}

const (
	DefaultRetryStep  = time.Second
	DefaultRetrySteps = 5
)

// Config configures a Supervisor.
type Config struct {
	AppID       string
	Backend     Backend
	Connection  *connection.Manager
	Store       store.Store
	Logic       logic.Factory
	Sessions    *session.Store
	Notifier    Notifier
	Clock       timer.Clock
	Timeouts    orchestrator.Timeouts
	Thresholds  participant.Thresholds
	LeavePolicy orchestrator.LeavePolicy
	// RetryStep and RetrySteps shape the linear app-data retry.
	RetryStep       time.Duration
	RetrySteps      int
	HealthThreshold int
	Logger          *slog.Logger
}

type supKind int

const (
	supCreate supKind = iota
	supRemove
	supDone
	supRelisten
)

type supEvent struct {
	kind   supKind
	create CreateEvent
	id     string
	orch   *orchestrator.Orchestrator
}

// Supervisor owns one application's sessions.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	conn   *connection.Manager
	board  *session.Store
	health *health.Tracker
	inbox  *mailbox.Mailbox[supEvent]
	state  atomic.Int32

	// Owned by the Run goroutine.
	app        backend.App
	sup        *channel.Supervisor
	listenCh   *channel.Handle
	subscribed bool
	rehydrated bool
	sessCtx    context.Context
	sessions   map[string]*orchestrator.Orchestrator
	wg         sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("app", cfg.AppID)
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewStore()
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = DefaultRetryStep
	}
	if cfg.RetrySteps <= 0 {
		cfg.RetrySteps = DefaultRetrySteps
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = health.DefaultThreshold
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		conn:     cfg.Connection,
		board:    cfg.Sessions,
		health:   health.NewTracker(cfg.AppID),
		inbox:    mailbox.New[supEvent](),
		sup:      channel.NewSupervisor(cfg.Connection.Conn(), logger),
		sessions: make(map[string]*orchestrator.Orchestrator),
	}
}

func (s *Supervisor) AppID() string { return s.cfg.AppID }

func (s *Supervisor) State() State { return State(s.state.Load()) }

// Sessions returns this application's rows of the status board.
func (s *Supervisor) Sessions() []*session.State {
	var out []*session.State
	for _, st := range s.board.GetAll() {
		if st.AppID == s.cfg.AppID {
			out = append(out, st)
		}
	}
	return out
}

func (s *Supervisor) Health() health.Report {
	return s.health.Snapshot(s.cfg.HealthThreshold, s.State().String(), len(s.Sessions()))
}

// Create queues a session request as if it arrived on the application
// channel. An empty EventID is replaced by a fresh one, which is returned.
func (s *Supervisor) Create(req CreateEvent) string {
	if req.EventID == "" {
		req.EventID = uuid.NewString()
	}
	s.inbox.Put(supEvent{kind: supCreate, create: req})
	return req.EventID
}

// Remove queues an administrative teardown. It reports whether the session
// is on the status board.
func (s *Supervisor) Remove(id string) bool {
	st, ok := s.board.Get(id)
	if !ok || st.AppID != s.cfg.AppID {
		return false
	}
	s.inbox.Put(supEvent{kind: supRemove, id: id})
	return true
}

func (s *Supervisor) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("supervisor state", "from", prev, "to", st)
	}
}

// Run drives the application until ctx is cancelled or the connection
// fails. Running sessions are shut down on ctx cancellation with their
// snapshots kept, and Run waits for them before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.inbox.Close()
	defer s.clearBoard()
	defer s.wg.Wait()

	sessCtx, stopSessions := context.WithCancel(ctx)
	defer stopSessions()
	s.sessCtx = sessCtx

	if err := s.fetchApp(ctx); err != nil {
		s.setState(Stopped)
		return err
	}

	s.setState(Connecting)
	connCtx, stopConn := context.WithCancel(ctx)
	defer stopConn()
	connDone := make(chan error, 1)
	go func() { connDone <- s.conn.Run(connCtx) }()

	changes := s.conn.Changes()
	for {
		select {
		case <-ctx.Done():
			s.setState(Stopped)
			s.logger.Info("supervisor stopping", "sessions", len(s.sessions))
			return ctx.Err()

		case c, ok := <-changes:
			if !ok {
				changes = nil
				err := <-connDone
				if ctx.Err() != nil {
					continue
				}
				s.setState(Failed)
				// Sessions stop as on process shutdown, keeping their snapshots.
				stopSessions()
				return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
			}
			s.onConnection(ctx, c)

		case <-s.inbox.Ready():
			for {
				ev, ok := s.inbox.Pop()
				if !ok {
					break
				}
				s.handle(ctx, ev)
			}
		}
	}
}

// fetchApp loads the application metadata, retrying with a linear backoff
// until it succeeds or ctx ends.
func (s *Supervisor) fetchApp(ctx context.Context) error {
	app, err := backoff.Retry(ctx, func() (backend.App, error) {
		s.setState(FetchingAppData)
		return s.cfg.Backend.FetchApp(ctx, s.cfg.AppID)
	},
		backoff.WithBackOff(&LinearBackOff{Step: s.cfg.RetryStep, MaxSteps: s.cfg.RetrySteps}),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.health.RecordBackendFailure(err)
			s.logger.Warn("fetch application failed, retrying", "error", err, "wait", wait)
			s.setState(RetryBackoff)
		}),
	)
	if err != nil {
		return err
	}
	s.health.RecordBackendSuccess()
	s.app = app
	s.logger.Info("application loaded", "zone", app.ZoneID, "hosted", app.Hosted)
	return nil
}

func (s *Supervisor) onConnection(ctx context.Context, c connection.Change) {
	switch c.To {
	case connection.Connected:
		s.health.SetConnection(c.To.String(), false, false)
		s.listen(ctx)
	case connection.Connecting, connection.Disconnected, connection.Suspended:
		s.health.SetConnection(c.To.String(), c.To != connection.Connecting || c.From != connection.Initiating, false)
		if s.State() >= CreatingListenChannel {
			s.logger.Warn("connection lost, sessions keep running", "connection", c.To, "error", c.Err)
		}
		s.setState(Connecting)
	case connection.Failed:
		s.health.SetConnection(c.To.String(), true, true)
	}
}

// listen attaches the application channel and, the first time, rehydrates
// the application's in-flight sessions.
func (s *Supervisor) listen(ctx context.Context) {
	s.setState(CreatingListenChannel)
	if s.listenCh == nil {
		s.listenCh = s.sup.Create(channel.AppEvents(s.cfg.AppID), channel.Options{})
	}
	if err := s.sup.Attach(ctx, s.listenCh); err != nil {
		s.logger.Warn("attach application channel failed, retrying", "error", err)
		time.AfterFunc(s.cfg.RetryStep, func() { s.inbox.Put(supEvent{kind: supRelisten}) })
		return
	}
	if !s.subscribed {
		if err := s.sup.Subscribe(s.listenCh, "", s.onMessage); err != nil {
			s.logger.Error("subscribe application channel failed", "error", err)
			return
		}
		s.subscribed = true
	}
	s.setState(Ready)
	s.logger.Info("application ready", "channel", s.listenCh.Name())
	if !s.rehydrated {
		s.rehydrated = true
		s.rehydrate(ctx)
	}
}

// onMessage runs on the transport's delivery goroutine.
func (s *Supervisor) onMessage(m transport.Message) {
	switch m.Name {
	case MsgCreateEvent:
		var req CreateEvent
		if err := m.Decode(&req); err != nil || req.EventID == "" || req.CreatorID == "" {
			s.logger.Warn("discarding malformed create_event", "error", err, "class", orchestrator.ClassProtocol)
			return
		}
		s.inbox.Put(supEvent{kind: supCreate, create: req})
	case MsgRemoveEvent:
		var req RemoveEvent
		if err := m.Decode(&req); err != nil || req.EventID == "" {
			s.logger.Warn("discarding malformed remove_event", "error", err, "class", orchestrator.ClassProtocol)
			return
		}
		s.inbox.Put(supEvent{kind: supRemove, id: req.EventID})
	default:
		s.logger.Debug("ignoring application message", "name", m.Name)
	}
}

func (s *Supervisor) handle(ctx context.Context, ev supEvent) {
	switch ev.kind {
	case supCreate:
		if !s.rehydrated {
			s.logger.Warn("session request before the application was ready", "event", ev.create.EventID, "state", s.State())
			return
		}
		s.spawn(s.sessionFrom(ev.create))
	case supRemove:
		orch, ok := s.sessions[ev.id]
		if !ok {
			s.logger.Debug("remove for unknown session", "event", ev.id)
			return
		}
		s.logger.Info("removing session", "event", ev.id)
		orch.Shutdown()
	case supDone:
		s.reclaim(ev.id, ev.orch)
	case supRelisten:
		if s.conn.State() == connection.Connected && s.State() == CreatingListenChannel {
			s.listen(ctx)
		}
	}
}

func (s *Supervisor) sessionFrom(req CreateEvent) session.Session {
	hosted := s.app.Hosted
	if req.Hosted != nil {
		hosted = *req.Hosted
	}
	zone := req.ZoneID
	if zone == "" {
		zone = s.app.ZoneID
	}
	sess := session.Session{
		ID:        req.EventID,
		AppID:     s.cfg.AppID,
		ZoneID:    zone,
		CreatorID: req.CreatorID,
		Hosted:    hosted,
		Flags:     append([]string(nil), req.Flags...),
		Context:   req.Context,
	}
	if s.app.Spectators && !sess.HasFlag(session.FlagSpectators) {
		sess.Flags = append(sess.Flags, session.FlagSpectators)
	}
	return sess
}

// spawn starts an orchestrator for sess. Duplicate ids are ignored.
func (s *Supervisor) spawn(sess session.Session) {
	if _, ok := s.sessions[sess.ID]; ok {
		s.logger.Debug("duplicate session request ignored", "event", sess.ID)
		return
	}
	orch := orchestrator.Start(s.sessCtx, orchestrator.Config{
		Session:     sess,
		Channels:    s.conn.Conn(),
		Backend:     s.cfg.Backend,
		Store:       s.cfg.Store,
		Logic:       s.cfg.Logic,
		Clock:       s.cfg.Clock,
		Timeouts:    s.cfg.Timeouts,
		Thresholds:  s.cfg.Thresholds,
		LeavePolicy: s.cfg.LeavePolicy,
		OnState:     s.onState,
		Logger:      s.logger,
	})
	s.sessions[sess.ID] = orch
	st := orch.Status()
	s.board.UpdateAndNotify(&st, func() { s.notifyUpdate(&st) })
	s.logger.Info("session started", "event", sess.ID, "creator", sess.CreatorID, "lifecycle", sess.Lifecycle)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-orch.Done()
		s.inbox.Put(supEvent{kind: supDone, id: sess.ID, orch: orch})
	}()
}

// onState runs on an orchestrator goroutine.
func (s *Supervisor) onState(st session.State) {
	s.board.UpdateAndNotify(&st, func() { s.notifyUpdate(&st) })
}

func (s *Supervisor) notifyUpdate(st *session.State) {
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.QueueUpdate([]*session.State{st})
	}
}

// reclaim forgets a finished orchestrator and takes it off the board.
func (s *Supervisor) reclaim(id string, orch *orchestrator.Orchestrator) {
	if s.sessions[id] != orch {
		return
	}
	delete(s.sessions, id)
	res := orch.Result()
	if res.Err != nil && res.Class == orchestrator.ClassInfrastructure {
		s.health.RecordSessionFailure(id, res.Err)
	} else {
		s.health.RemoveSession(id)
	}
	s.board.BatchRemoveAndNotify([]string{id}, func() {
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.QueueRemoval([]string{id})
		}
	})
	s.logger.Info("session reclaimed", "event", id, "lifecycle", res.Lifecycle, "error", res.Err)
}

// clearBoard takes the sessions left at shutdown off the status board.
func (s *Supervisor) clearBoard() {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	s.board.BatchRemoveAndNotify(ids, func() {
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.QueueRemoval(ids)
		}
	})
}

// rehydrate restarts the application's announced and live sessions. Each
// orchestrator picks up its persisted snapshot if there is one.
func (s *Supervisor) rehydrate(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "supervisor.rehydrate", trace.WithAttributes(attribute.String("app", s.cfg.AppID)))
	defer span.End()

	events, err := s.cfg.Backend.FetchZoneEvents(ctx, s.app.ZoneID, backend.StateAnnounce, backend.StateLive)
	if err != nil {
		s.health.RecordBackendFailure(err)
		span.RecordError(err)
		s.logger.Error("listing in-flight sessions failed", "error", err)
		return
	}
	s.health.RecordBackendSuccess()
	n := 0
	for _, ev := range events {
		if ev.AppID != "" && ev.AppID != s.cfg.AppID {
			continue
		}
		sess := session.Session{
			ID:        ev.ID,
			AppID:     s.cfg.AppID,
			ZoneID:    ev.ZoneID,
			CreatorID: ev.CreatorID,
			Hosted:    ev.Hosted,
			Flags:     ev.Flags,
			Lifecycle: session.Announce,
		}
		if ev.State == backend.StateLive {
			sess.Lifecycle = session.Live
		}
		if s.app.Spectators && !sess.HasFlag(session.FlagSpectators) {
			sess.Flags = append(sess.Flags, session.FlagSpectators)
		}
		s.spawn(sess)
		n++
	}
	span.SetAttributes(attribute.Int("sessions", n))
	if n > 0 {
		s.logger.Info("rehydrated sessions", "count", n)
	}
}
