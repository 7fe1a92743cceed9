// Package lua runs session and participant logic written in Lua.
//
// A script defines a global on_event(ctx, event) function and, optionally,
// init(info) returning the initial ctx table and on_participant_event(ctx,
// event) for per-participant logic. Effects are requested through the
// conductor table:
//
//	conductor.display(audience, name, data [, {timeout = seconds, all = bool}])
//	conductor.broadcast(audience, name, data)
//	conductor.private(participant, name, data [, {timeout = seconds}])
//	conductor.boot(participant [, reason])
//	conductor.close() conductor.cancel() conductor.pause()
//	conductor.log(message)
//
// A handler may return a state name, or a table {state = name, terminal = bool}.
package lua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/agent-racer/conductor/internal/logic"
)

const (
	sessionHandler     = "on_event"
	participantHandler = "on_participant_event"
	initFunc           = "init"
	contextGlobal      = "__ctx"
	hookInterval       = 1000
)

var ErrNoHandler = errors.New("lua: script does not define on_event")

var sandbox = []lua.RegistryFunction{
	{Name: "_G", Function: lua.BaseOpen},
	{Name: "string", Function: lua.StringOpen},
	{Name: "table", Function: lua.TableOpen},
	{Name: "math", Function: lua.MathOpen},
	{Name: "bit32", Function: lua.Bit32Open},
}

// Factory builds logic instances from one script. It is immutable after
// construction and safe for concurrent use; every instance owns its own
// interpreter.
type Factory struct {
	name           string
	source         string
	hasParticipant bool
	logger         *slog.Logger
}

// Load reads the script at path.
func Load(path string, logger *slog.Logger) (*Factory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(filepath.Base(path), string(data), logger)
}

// New compiles source once to check it defines the required handler.
func New(name, source string, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{name: name, source: source, logger: logger}
	l, err := f.load(&instance{logger: logger})
	if err != nil {
		return nil, err
	}
	if !isFunction(l, sessionHandler) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoHandler)
	}
	f.hasParticipant = isFunction(l, participantHandler)
	return f, nil
}

func (f *Factory) load(in *instance) (*lua.State, error) {
	l := lua.NewState()
	for _, lib := range sandbox {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	in.l = l
	in.register()
	if err := lua.LoadBuffer(l, f.source, "@"+f.name, "t"); err != nil {
		return nil, fmt.Errorf("load %s: %w", f.name, err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		return nil, fmt.Errorf("run %s: %w", f.name, err)
	}
	return l, nil
}

func (f *Factory) NewSession(ctx context.Context, info logic.SessionInfo, saved json.RawMessage) (logic.SessionLogic, error) {
	in := &instance{handler: sessionHandler, logger: f.logger.With("app", info.AppID, "event", info.EventID)}
	if _, err := f.load(in); err != nil {
		return nil, err
	}
	in.setInfo("session", map[string]any{
		"app_id":     info.AppID,
		"event_id":   info.EventID,
		"zone_id":    info.ZoneID,
		"creator_id": info.CreatorID,
		"hosted":     info.Hosted,
	})
	if err := in.initContext(ctx, saved); err != nil {
		return nil, err
	}
	return in, nil
}

// NewParticipant returns (nil, nil) when the script has no participant handler.
func (f *Factory) NewParticipant(ctx context.Context, info logic.ParticipantInfo) (logic.ParticipantLogic, error) {
	if !f.hasParticipant {
		return nil, nil
	}
	in := &instance{handler: participantHandler, logger: f.logger.With("event", info.EventID, "participant", info.ParticipantID)}
	if _, err := f.load(in); err != nil {
		return nil, err
	}
	in.setInfo("participant", map[string]any{
		"event_id":       info.EventID,
		"participant_id": info.ParticipantID,
		"user_id":        info.UserID,
		"name":           info.Name,
		"host":           info.Host,
	})
	l := in.l
	l.NewTable()
	l.SetGlobal(contextGlobal)
	return in, nil
}

// instance is one interpreter. Handle calls are serialised by mu.
type instance struct {
	mu        sync.Mutex
	l         *lua.State
	handler   string
	logger    *slog.Logger
	ctx       context.Context
	effects   []logic.Effect
	state     string
	observers []func(logic.Transition)
}

func (in *instance) register() {
	l := in.l
	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "display", Function: in.display},
		{Name: "broadcast", Function: in.broadcast},
		{Name: "private", Function: in.private},
		{Name: "boot", Function: in.boot},
		{Name: "close", Function: in.simple(logic.EffectClose)},
		{Name: "cancel", Function: in.simple(logic.EffectCancel)},
		{Name: "pause", Function: in.simple(logic.EffectPause)},
		{Name: "log", Function: in.log},
	}, 0)
	l.SetGlobal("conductor")

	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if in.ctx != nil && in.ctx.Err() != nil {
			lua.Errorf(l, "%s", in.ctx.Err().Error())
		}
	}, lua.MaskCount, hookInterval)
}

func (in *instance) setInfo(name string, fields map[string]any) {
	push(in.l, fields)
	in.l.SetGlobal(name)
}

func (in *instance) initContext(ctx context.Context, saved json.RawMessage) error {
	l := in.l
	if len(saved) > 0 {
		var v any
		if err := json.Unmarshal(saved, &v); err != nil {
			return fmt.Errorf("restore context: %w", err)
		}
		push(l, v)
		if l.TypeOf(-1) != lua.TypeTable {
			l.Pop(1)
			l.NewTable()
		}
		l.SetGlobal(contextGlobal)
		return nil
	}

	if !isFunction(l, initFunc) {
		l.NewTable()
		l.SetGlobal(contextGlobal)
		return nil
	}
	in.ctx = ctx
	defer func() { in.ctx = nil }()
	l.Global(initFunc)
	l.Global("session")
	if err := l.ProtectedCall(1, 1, 0); err != nil {
		return fmt.Errorf("%s: %w", initFunc, err)
	}
	if l.TypeOf(-1) != lua.TypeTable {
		l.Pop(1)
		l.NewTable()
	}
	l.SetGlobal(contextGlobal)
	return nil
}

func (in *instance) Handle(ctx context.Context, ev logic.Event) (logic.Result, error) {
	in.mu.Lock()
	res, changed, err := in.handle(ctx, ev)
	observers := in.observers
	in.mu.Unlock()

	if changed != nil {
		for _, fn := range observers {
			fn(*changed)
		}
	}
	return res, err
}

func (in *instance) handle(ctx context.Context, ev logic.Event) (logic.Result, *logic.Transition, error) {
	l := in.l
	in.ctx = ctx
	in.effects = nil
	defer func() { in.ctx = nil }()

	top := l.Top()
	l.Global(in.handler)
	l.Global(contextGlobal)
	pushEvent(l, ev)
	if err := l.ProtectedCall(2, 1, 0); err != nil {
		l.SetTop(top)
		return logic.Result{}, nil, fmt.Errorf("%s(%s): %w", in.handler, ev.Name, err)
	}

	res := logic.Result{Effects: in.effects}
	switch l.TypeOf(-1) {
	case lua.TypeString:
		res.State, _ = l.ToString(-1)
	case lua.TypeTable:
		l.Field(-1, "state")
		res.State, _ = l.ToString(-1)
		l.Pop(1)
		l.Field(-1, "terminal")
		res.Terminal = l.ToBoolean(-1)
		l.Pop(1)
	}
	l.SetTop(top)
	in.effects = nil

	var changed *logic.Transition
	if res.State != "" && res.State != in.state {
		changed = &logic.Transition{From: in.state, To: res.State}
		in.state = res.State
	}
	return res, changed, nil
}

// Observe implements logic.Observable.
func (in *instance) Observe(fn func(logic.Transition)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.observers = append(in.observers, fn)
}

// Snapshot implements logic.Snapshotter by encoding the ctx table.
func (in *instance) Snapshot() (json.RawMessage, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	l := in.l
	l.Global(contextGlobal)
	v := toGo(l, -1)
	l.Pop(1)
	return json.Marshal(v)
}

func (in *instance) add(e logic.Effect) {
	in.effects = append(in.effects, e)
}

func (in *instance) display(l *lua.State) int {
	e := logic.Effect{
		Kind:     logic.EffectDisplay,
		Audience: checkAudience(l, 1),
		Name:     lua.CheckString(l, 2),
		Data:     toGo(l, 3),
		Timeout:  optTimeout(l, 4),
	}
	in.add(e)
	return 0
}

func (in *instance) broadcast(l *lua.State) int {
	in.add(logic.Effect{
		Kind:     logic.EffectBroadcast,
		Audience: checkAudience(l, 1),
		Name:     lua.CheckString(l, 2),
		Data:     toGo(l, 3),
	})
	return 0
}

func (in *instance) private(l *lua.State) int {
	in.add(logic.Effect{
		Kind:          logic.EffectPrivate,
		ParticipantID: lua.CheckString(l, 1),
		Name:          lua.CheckString(l, 2),
		Data:          toGo(l, 3),
		Timeout:       optTimeout(l, 4),
	})
	return 0
}

func (in *instance) boot(l *lua.State) int {
	in.add(logic.Effect{
		Kind:          logic.EffectBoot,
		ParticipantID: lua.CheckString(l, 1),
		Reason:        lua.OptString(l, 2, ""),
	})
	return 0
}

func (in *instance) simple(kind logic.EffectKind) lua.Function {
	return func(l *lua.State) int {
		in.add(logic.Effect{Kind: kind, Reason: lua.OptString(l, 1, "")})
		return 0
	}
}

func (in *instance) log(l *lua.State) int {
	in.logger.Info("script: " + lua.CheckString(l, 1))
	return 0
}

func checkAudience(l *lua.State, index int) logic.Audience {
	a := logic.Audience(lua.OptString(l, index, string(logic.AudienceParticipants)))
	switch a {
	case logic.AudienceParticipants, logic.AudienceSpectators, logic.AudienceAll:
		return a
	}
	lua.ArgumentError(l, index, "audience must be participants, spectators or all")
	return ""
}

func optTimeout(l *lua.State, index int) *logic.Timeout {
	if l.TypeOf(index) != lua.TypeTable {
		return nil
	}
	l.Field(index, "timeout")
	secs, ok := l.ToNumber(-1)
	l.Pop(1)
	if !ok || secs <= 0 {
		return nil
	}
	l.Field(index, "all")
	all := l.ToBoolean(-1)
	l.Pop(1)
	return &logic.Timeout{Duration: time.Duration(secs * float64(time.Second)), All: all}
}

func isFunction(l *lua.State, name string) bool {
	l.Global(name)
	defer l.Pop(1)
	return l.IsFunction(-1)
}

func pushEvent(l *lua.State, ev logic.Event) {
	fields := map[string]any{"name": ev.Name}
	if ev.ParticipantID != "" {
		fields["participant_id"] = ev.ParticipantID
	}
	if len(ev.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			fields["payload"] = payload
		}
	}
	if len(ev.NonResponders) > 0 {
		ids := make([]any, len(ev.NonResponders))
		for i, id := range ev.NonResponders {
			ids[i] = id
		}
		fields["non_responders"] = ids
	}
	push(l, fields)
}
