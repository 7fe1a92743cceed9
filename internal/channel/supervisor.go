// Package channel manages the attach, subscribe and detach lifecycle of the
// channels a session or participant owns.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/conductor/internal/transport"
)

var tracer = otel.Tracer("github.com/agent-racer/conductor/internal/channel")

// ErrUnknownHandle is returned for handles created by another supervisor.
var ErrUnknownHandle = errors.New("channel: handle not owned by this supervisor")

// Supervisor owns a set of channel handles for one owner. Operations on
// distinct handles may run concurrently.
type Supervisor struct {
	src    transport.ChannelSource
	logger *slog.Logger

	mu       sync.Mutex
	handles  map[string]*Handle
	order    []string
	onChange func(Change)
}

// NewSupervisor creates a Supervisor drawing channels from src.
func NewSupervisor(src transport.ChannelSource, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		src:     src,
		logger:  logger,
		handles: make(map[string]*Handle),
	}
}

// OnChange registers fn to be told about every attach and detach transition.
// It replaces any earlier callback.
func (s *Supervisor) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Create returns the handle for name in the initializing state. Creating a
// name twice returns the existing handle.
func (s *Supervisor) Create(name string, opts Options) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[name]; ok {
		return h
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = DefaultReplayLimit
	}
	h := &Handle{name: name, opts: opts, ch: s.src.Channel(name)}
	s.handles[name] = h
	s.order = append(s.order, name)
	return h
}

// Handles returns all handles in creation order.
func (s *Supervisor) Handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.handles[name])
	}
	return out
}

// AllDetached reports whether every handle is detached or never attached.
func (s *Supervisor) AllDetached() bool {
	for _, h := range s.Handles() {
		switch h.State() {
		case Detached, Initializing:
		default:
			return false
		}
	}
	return true
}

func (s *Supervisor) owns(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[h.name] == h
}

func (s *Supervisor) transition(h *Handle, to State, err error) {
	h.mu.Lock()
	from := h.state
	h.state = to
	h.mu.Unlock()
	if from == to {
		return
	}
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(Change{Channel: h.name, From: from, To: to, Err: err})
	}
}

// Attach attaches h. It is a no-op when h is already attached.
func (s *Supervisor) Attach(ctx context.Context, h *Handle) error {
	if !s.owns(h) {
		return ErrUnknownHandle
	}
	h.mu.Lock()
	if h.state == Attached || h.state == Attaching {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ctx, span := tracer.Start(ctx, "channel.attach")
	span.SetAttributes(attribute.String("channel", h.name))
	defer span.End()

	s.transition(h, Attaching, nil)
	if err := h.ch.Attach(ctx); err != nil {
		to := Failed
		if errors.Is(err, transport.ErrSuspended) || errors.Is(err, transport.ErrNotConnected) {
			to = Suspended
		}
		s.transition(h, to, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("attach %s: %w", h.name, err)
	}
	s.transition(h, Attached, nil)
	return nil
}

// AttachAll attaches every handle concurrently and returns the first error.
func (s *Supervisor) AttachAll(ctx context.Context, hs ...*Handle) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hs {
		g.Go(func() error { return s.Attach(gctx, h) })
	}
	return g.Wait()
}

// Subscribe registers deliver for messages named messageType on h, or every
// message when messageType is empty. Delivery follows transport order.
func (s *Supervisor) Subscribe(h *Handle, messageType string, deliver func(transport.Message)) error {
	if !s.owns(h) {
		return ErrUnknownHandle
	}
	unsub := h.ch.Subscribe(messageType, deliver)
	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsub)
	h.mu.Unlock()
	return nil
}

// SubscribePresence delivers the channel's current members, bounded by the
// handle's replay limit, and then live presence changes through deliver.
// Live changes that arrive while the replay is in progress are held back
// until it finishes. The replay happens at most once per handle.
func (s *Supervisor) SubscribePresence(ctx context.Context, h *Handle, deliver func(transport.PresenceMessage)) error {
	if !s.owns(h) {
		return ErrUnknownHandle
	}

	var (
		mu        sync.Mutex
		replaying = true
		held      []transport.PresenceMessage
	)
	unsub := h.ch.SubscribePresence(func(p transport.PresenceMessage) {
		mu.Lock()
		if replaying {
			held = append(held, p)
			mu.Unlock()
			return
		}
		mu.Unlock()
		deliver(p)
	})
	h.mu.Lock()
	h.unsubs = append(h.unsubs, unsub)
	doReplay := !h.replayed
	h.replayed = true
	h.mu.Unlock()

	seen := make(map[string]transport.PresenceMessage)
	var replayErr error
	if doReplay {
		members, err := h.ch.PresenceGet(ctx)
		if err != nil {
			replayErr = fmt.Errorf("presence replay %s: %w", h.name, err)
		}
		if over := len(members) - h.opts.ReplayLimit; over > 0 {
			members = members[over:]
		}
		for _, m := range members {
			seen[m.ClientID] = m
			deliver(m)
		}
	}

	mu.Lock()
	for len(held) > 0 {
		p := held[0]
		held = held[1:]
		mu.Unlock()
		if m, ok := seen[p.ClientID]; !ok || p.Action != transport.PresenceEnter || p.Timestamp.After(m.Timestamp) {
			deliver(p)
		}
		mu.Lock()
	}
	replaying = false
	mu.Unlock()
	return replayErr
}

// Publish sends a message on h.
func (s *Supervisor) Publish(ctx context.Context, h *Handle, name string, data any) error {
	if !s.owns(h) {
		return ErrUnknownHandle
	}
	if err := h.ch.Publish(ctx, name, data); err != nil {
		return fmt.Errorf("publish %s on %s: %w", name, h.name, err)
	}
	return nil
}

// Presence returns the underlying channel for presence operations that
// belong to the owner itself, such as entering as the session.
func (s *Supervisor) Presence(h *Handle) transport.Channel {
	return h.ch
}

// Detach removes h's subscriptions and detaches it. Detaching a handle that
// is already detached, or was never attached, is a no-op.
func (s *Supervisor) Detach(ctx context.Context, h *Handle) error {
	if !s.owns(h) {
		return ErrUnknownHandle
	}
	h.mu.Lock()
	switch h.state {
	case Detached, Detaching:
		h.mu.Unlock()
		return nil
	case Initializing:
		h.mu.Unlock()
		s.transition(h, Detached, nil)
		return nil
	}
	unsubs := h.unsubs
	h.unsubs = nil
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.transition(h, Detaching, nil)
	if err := h.ch.Detach(ctx); err != nil {
		s.transition(h, Failed, err)
		return fmt.Errorf("detach %s: %w", h.name, err)
	}
	s.transition(h, Detached, nil)
	return nil
}

// DetachAll detaches every handle in reverse creation order. Individual
// failures are logged and do not stop the rest.
func (s *Supervisor) DetachAll(ctx context.Context) {
	hs := s.Handles()
	for i := len(hs) - 1; i >= 0; i-- {
		if err := s.Detach(ctx, hs[i]); err != nil {
			s.logger.Warn("channel detach failed", "channel", hs[i].name, "error", err)
		}
	}
}
