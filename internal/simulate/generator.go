// Package simulate drives synthetic sessions through the relay: a host
// announces and starts an event, participants with different behaviours
// answer its displays, and the session runs to completion. It exists for
// demos and smoke tests.
package simulate

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agent-racer/conductor/internal/backend"
	"github.com/agent-racer/conductor/internal/channel"
	"github.com/agent-racer/conductor/internal/orchestrator"
	"github.com/agent-racer/conductor/internal/supervisor"
	"github.com/agent-racer/conductor/internal/transport"
)

// DemoScript is the Lua logic simulated sessions are written against.
//
//go:embed demo.lua
var DemoScript string

// DemoApp is the application id used when no application is configured.
const DemoApp = "demo"

// Pattern is how a simulated participant behaves.
type Pattern string

const (
	// Steady answers every question promptly.
	Steady Pattern = "steady"
	// Burst answers quickly but skips some questions.
	Burst Pattern = "burst"
	// Stall never answers.
	Stall Pattern = "stall"
	// Flaky drops off mid-session and comes back.
	Flaky Pattern = "flaky"
	// Methodical answers late.
	Methodical Pattern = "methodical"
)

var roster = []struct {
	name    string
	pattern Pattern
}{
	{"ada", Steady},
	{"grace", Burst},
	{"linus", Stall},
	{"barbara", Flaky},
	{"ken", Methodical},
}

// Config configures a Generator.
type Config struct {
	AppID   string
	ZoneID  string
	Backend *Backend
	// Connect returns an unconnected transport.Conn for a client id.
	Connect func(clientID string) transport.Conn
	// Sessions is how many sessions run at once.
	Sessions int
	// Participants per session, drawn from the roster in order.
	Participants int
	Tick         time.Duration
	// MaxDuration bounds one session; the host closes it afterwards.
	MaxDuration time.Duration
	// Limit stops the generator after this many sessions. Zero runs forever.
	Limit  int
	Seed   uint64
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.AppID == "" {
		c.AppID = DemoApp
	}
	if c.ZoneID == "" {
		c.ZoneID = "sim"
	}
	if c.Sessions <= 0 {
		c.Sessions = 2
	}
	if c.Participants <= 0 || c.Participants > len(roster) {
		c.Participants = len(roster)
	}
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result summarises one simulated session.
type Result struct {
	EventID string
	Final   string
}

// Generator runs simulated sessions.
type Generator struct {
	cfg Config

	mu      sync.Mutex
	rng     *rand.Rand
	seq     int
	results []Result
}

func NewGenerator(cfg Config) *Generator {
	cfg.withDefaults()
	return &Generator{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))}
}

// Register adds the simulated application to the in-memory backend.
func (g *Generator) Register() {
	g.cfg.Backend.AddApp(backend.App{ID: g.cfg.AppID, Name: "Simulated quiz", ZoneID: g.cfg.ZoneID, Hosted: true})
}

// Results returns the sessions that have finished so far.
func (g *Generator) Results() []Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Result(nil), g.results...)
}

// Run keeps Sessions sessions going until ctx is done or Limit is reached.
func (g *Generator) Run(ctx context.Context) error {
	control := g.cfg.Connect("simulator")
	if err := control.Connect(ctx); err != nil {
		return fmt.Errorf("connect simulator: %w", err)
	}
	defer control.Close()
	appCh := control.Channel(channel.AppEvents(g.cfg.AppID))
	if err := appCh.Attach(ctx); err != nil {
		return fmt.Errorf("attach %s: %w", appCh.Name(), err)
	}

	slots := make(chan struct{}, g.cfg.Sessions)
	var wg sync.WaitGroup
	defer wg.Wait()
	for started := 0; g.cfg.Limit == 0 || started < g.cfg.Limit; started++ {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}
		id := g.nextID()
		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			final := g.runSession(ctx, appCh, id)
			g.mu.Lock()
			g.results = append(g.results, Result{EventID: id, Final: final})
			g.mu.Unlock()
		}()
	}
	return nil
}

func (g *Generator) nextID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("sim-%d-%04d", time.Now().Unix(), g.seq)
}

func (g *Generator) intn(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.IntN(n)
}

// runSession plays one event end to end and returns the final lifecycle
// state reported on the session channel, or "" when it never finished.
func (g *Generator) runSession(ctx context.Context, appCh transport.Channel, eventID string) string {
	logger := g.cfg.Logger.With("event", eventID)
	names := channel.Names{App: g.cfg.AppID, Event: eventID}
	hostID := eventID + "-host"

	g.cfg.Backend.AddEvent(backend.Event{ID: eventID, AppID: g.cfg.AppID, ZoneID: g.cfg.ZoneID, CreatorID: hostID, Hosted: true})
	g.cfg.Backend.AddParticipant(backend.Participant{ID: hostID, EventID: eventID, UserID: "u-" + hostID, Name: "host"})
	defer g.cfg.Backend.Forget(eventID)

	if err := appCh.Publish(ctx, supervisor.MsgCreateEvent, supervisor.CreateEvent{EventID: eventID, CreatorID: hostID}); err != nil {
		logger.Warn("simulated create failed", "error", err)
		return ""
	}

	host, err := g.join(ctx, hostID, names)
	if err != nil {
		logger.Warn("simulated host failed to join", "error", err)
		return ""
	}
	defer host.close()

	finished := make(chan string, 1)
	unsub := host.session.Subscribe(orchestrator.MsgEventTransition, func(m transport.Message) {
		var n orchestrator.TransitionNotice
		if m.Decode(&n) == nil && (n.State == string(backend.StateClosed) || n.State == string(backend.StateCanceled)) {
			select {
			case finished <- n.State:
			default:
			}
		}
	})
	defer unsub()

	if !g.sleep(ctx, g.cfg.Tick) {
		return ""
	}
	host.transition(ctx, orchestrator.TransitionAnnounce)

	var players []*player
	defer func() {
		for _, p := range players {
			p.close()
		}
	}()
	for i := 0; i < g.cfg.Participants; i++ {
		r := roster[i]
		id := fmt.Sprintf("%s-%s", eventID, r.name)
		g.cfg.Backend.AddParticipant(backend.Participant{ID: id, EventID: eventID, UserID: "u-" + id, Name: r.name})
		p, err := g.join(ctx, id, names)
		if err != nil {
			logger.Warn("simulated participant failed to join", "participant", id, "error", err)
			continue
		}
		p.pattern = r.pattern
		p.watch(ctx, g)
		players = append(players, p)
	}

	if !g.sleep(ctx, 2*g.cfg.Tick) {
		return ""
	}
	host.transition(ctx, orchestrator.TransitionStart)
	logger.Info("simulated session live", "participants", len(players))

	deadline := time.NewTimer(g.cfg.MaxDuration)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
		return ""
	case final := <-finished:
		logger.Info("simulated session finished", "state", final)
		return final
	case <-deadline.C:
		host.transition(ctx, orchestrator.TransitionClose)
	}
	select {
	case final := <-finished:
		return final
	case <-ctx.Done():
	case <-time.After(10 * g.cfg.Tick):
	}
	return ""
}

func (g *Generator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// player is one simulated client of a session.
type player struct {
	id      string
	pattern Pattern
	conn    transport.Conn
	actions transport.Channel
	display transport.Channel
	session transport.Channel
	unsub   []func()
}

func (g *Generator) join(ctx context.Context, id string, names channel.Names) (*player, error) {
	conn := g.cfg.Connect(id)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	p := &player{
		id:      id,
		conn:    conn,
		actions: conn.Channel(names.Actions()),
		display: conn.Channel(names.Participants()),
		session: conn.Channel(names.Session()),
	}
	for _, ch := range []transport.Channel{p.session, p.display, p.actions} {
		if err := ch.Attach(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("attach %s: %w", ch.Name(), err)
		}
	}
	if err := p.actions.PresenceEnter(ctx, orchestrator.PresenceData{}); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *player) transition(ctx context.Context, name string) {
	_ = p.actions.Publish(ctx, orchestrator.MsgEventTransition, orchestrator.EventTransition{ParticipantID: p.id, Transition: name})
}

// watch answers questions according to the player's pattern.
func (p *player) watch(ctx context.Context, g *Generator) {
	questions := 0
	var mu sync.Mutex
	p.unsub = append(p.unsub, p.display.Subscribe(orchestrator.MsgPublicDisplay, func(m transport.Message) {
		var q struct {
			Round int `json:"round"`
		}
		if m.Decode(&q) != nil || q.Round == 0 {
			return
		}
		mu.Lock()
		questions++
		n := questions
		mu.Unlock()

		var delay time.Duration
		switch p.pattern {
		case Stall:
			return
		case Burst:
			if g.intn(3) == 0 {
				return
			}
			delay = g.cfg.Tick / 4
		case Methodical:
			delay = 3 * g.cfg.Tick
		case Flaky:
			if n == 2 {
				go p.blip(ctx, g)
				return
			}
			delay = g.cfg.Tick
		default:
			delay = g.cfg.Tick / 2
		}
		choice := q.Round
		if g.intn(4) == 0 {
			choice = 1 + g.intn(4)
		}
		time.AfterFunc(delay, func() {
			if ctx.Err() != nil {
				return
			}
			_ = p.actions.Publish(ctx, orchestrator.MsgClientAction, orchestrator.ClientAction{
				ParticipantID: p.id,
				Name:          "answer",
				Payload:       []byte(fmt.Sprintf(`{"choice":%d}`, choice)),
			})
		})
	}))
}

// blip leaves presence as a network drop and re-enters a little later.
func (p *player) blip(ctx context.Context, g *Generator) {
	_ = p.actions.PresenceLeave(ctx, orchestrator.PresenceData{Reason: "network"})
	if g.sleep(ctx, 2*g.cfg.Tick) {
		_ = p.actions.PresenceEnter(ctx, orchestrator.PresenceData{})
	}
}

func (p *player) close() {
	for _, fn := range p.unsub {
		fn()
	}
	_ = p.actions.PresenceLeave(context.Background(), orchestrator.PresenceData{Reason: "exit"})
	p.conn.Close()
}
