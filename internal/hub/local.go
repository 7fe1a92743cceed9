package hub

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sync"

	"github.com/agent-racer/conductor/internal/transport"
)

// LocalConn is an in-process transport.Conn backed by a Broker.
type LocalConn struct {
	broker  *Broker
	id      string
	dropped chan error
	q       *transport.Dispatcher

	mu        sync.Mutex
	connected bool
	closed    bool
	channels  map[string]*localChannel
}

var _ transport.Conn = (*LocalConn)(nil)

func newLocalConn(b *Broker, clientID string) *LocalConn {
	return &LocalConn{
		broker:   b,
		id:       clientID,
		dropped:  make(chan error, 1),
		q:        transport.NewDispatcher(),
		channels: make(map[string]*localChannel),
	}
}

func (c *LocalConn) clientID() string { return c.id }

// ClientID returns the identity this connection publishes and enters presence as.
func (c *LocalConn) ClientID() string { return c.id }

// Connect registers the connection with the broker and re-attaches any
// channels that were attached before a drop.
func (c *LocalConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.connected {
		return nil
	}
	if err := c.broker.dial(ctx, c); err != nil {
		return err
	}
	c.connected = true
	for name, ch := range c.channels {
		if ch.isAttached() {
			c.broker.attach(c, name)
		}
	}
	return nil
}

// Dropped reports connection loss.
func (c *LocalConn) Dropped() <-chan error { return c.dropped }

// Channel returns the named channel, creating the client-side handle on first use.
func (c *LocalConn) Channel(name string) transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		ch = &localChannel{conn: c, name: name, subs: make(map[int]sub), presenceSubs: make(map[int]func(transport.PresenceMessage))}
		c.channels[name] = ch
	}
	return ch
}

// Close disconnects and releases the delivery goroutine.
func (c *LocalConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()
	if wasConnected {
		c.broker.unregister(c)
	}
	c.broker.forgetLocal(c)
	c.q.Close()
	return nil
}

func (c *LocalConn) drop(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()
	c.broker.unregister(c)
	select {
	case c.dropped <- cause:
	default:
	}
}

func (c *LocalConn) live() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if !c.connected {
		return transport.ErrNotConnected
	}
	return nil
}

func (c *LocalConn) deliverMessage(m transport.Message) {
	c.mu.Lock()
	ch := c.channels[m.Channel]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	c.q.Push(func() { ch.dispatchMessage(m) })
}

func (c *LocalConn) deliverPresence(p transport.PresenceMessage) {
	c.mu.Lock()
	ch := c.channels[p.Channel]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	c.q.Push(func() { ch.dispatchPresence(p) })
}

type sub struct {
	name string
	fn   func(transport.Message)
}

type localChannel struct {
	conn *LocalConn
	name string

	mu           sync.Mutex
	attached     bool
	nextID       int
	subs         map[int]sub
	presenceSubs map[int]func(transport.PresenceMessage)
}

func (ch *localChannel) Name() string { return ch.name }

func (ch *localChannel) isAttached() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attached
}

func (ch *localChannel) Attach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.conn.live(); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.attached = true
	ch.mu.Unlock()
	ch.conn.broker.attach(ch.conn, ch.name)
	return nil
}

func (ch *localChannel) Detach(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	was := ch.attached
	ch.attached = false
	ch.mu.Unlock()
	if !was {
		return nil
	}
	if err := ch.conn.live(); err != nil {
		return err
	}
	ch.conn.broker.detach(ch.conn, ch.name)
	return nil
}

func (ch *localChannel) Publish(ctx context.Context, name string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.conn.live(); err != nil {
		return err
	}
	raw, err := transport.Marshal(data)
	if err != nil {
		return err
	}
	ch.conn.broker.publish(ch.conn, ch.name, name, raw)
	return nil
}

func (ch *localChannel) Subscribe(name string, fn func(transport.Message)) func() {
	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	ch.subs[id] = sub{name: name, fn: fn}
	ch.mu.Unlock()
	return func() {
		ch.mu.Lock()
		delete(ch.subs, id)
		ch.mu.Unlock()
	}
}

func (ch *localChannel) SubscribePresence(fn func(transport.PresenceMessage)) func() {
	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	ch.presenceSubs[id] = fn
	ch.mu.Unlock()
	return func() {
		ch.mu.Lock()
		delete(ch.presenceSubs, id)
		ch.mu.Unlock()
	}
}

func (ch *localChannel) PresenceGet(ctx context.Context) ([]transport.PresenceMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ch.conn.live(); err != nil {
		return nil, err
	}
	return ch.conn.broker.Members(ch.name), nil
}

func (ch *localChannel) PresenceHistory(ctx context.Context, limit int) ([]transport.PresenceMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ch.conn.live(); err != nil {
		return nil, err
	}
	return ch.conn.broker.History(ch.name, limit), nil
}

func (ch *localChannel) PresenceEnter(ctx context.Context, data any) error {
	return ch.presence(ctx, transport.PresenceEnter, data)
}

func (ch *localChannel) PresenceUpdate(ctx context.Context, data any) error {
	return ch.presence(ctx, transport.PresenceUpdate, data)
}

func (ch *localChannel) PresenceLeave(ctx context.Context, data any) error {
	return ch.presence(ctx, transport.PresenceLeave, data)
}

func (ch *localChannel) presence(ctx context.Context, action transport.PresenceAction, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.conn.live(); err != nil {
		return err
	}
	raw, err := transport.Marshal(data)
	if err != nil {
		return err
	}
	return ch.conn.broker.presence(ch.conn, ch.name, action, json.RawMessage(raw))
}

func (ch *localChannel) dispatchMessage(m transport.Message) {
	ch.mu.Lock()
	ids := slices.Sorted(maps.Keys(ch.subs))
	fns := make([]func(transport.Message), 0, len(ids))
	for _, id := range ids {
		s := ch.subs[id]
		if s.name == "" || s.name == m.Name {
			fns = append(fns, s.fn)
		}
	}
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (ch *localChannel) dispatchPresence(p transport.PresenceMessage) {
	ch.mu.Lock()
	ids := slices.Sorted(maps.Keys(ch.presenceSubs))
	fns := make([]func(transport.PresenceMessage), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, ch.presenceSubs[id])
	}
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}
