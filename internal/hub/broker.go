// Package hub is the pub/sub relay sessions run on. A Broker owns channel
// membership, ordered fan-out, presence sets and a bounded presence history.
// Clients reach it in-process through LocalConn or over websockets through
// Server.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agent-racer/conductor/internal/transport"
)

// DefaultHistoryLimit bounds the presence history kept per channel.
const DefaultHistoryLimit = 25

// endpoint is one connected client as seen by the broker. Deliveries must
// not block; each endpoint queues on its own.
type endpoint interface {
	clientID() string
	deliverMessage(m transport.Message)
	deliverPresence(p transport.PresenceMessage)
}

type member struct {
	owner endpoint
	msg   transport.PresenceMessage
}

type channelState struct {
	attached map[endpoint]bool
	members  map[string]member
	history  []transport.PresenceMessage
}

// Broker routes messages between endpoints. It is safe for concurrent use.
type Broker struct {
	mu           sync.Mutex
	channels     map[string]*channelState
	endpoints    map[endpoint]bool
	rejected     map[string]error
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger

	localMu sync.Mutex
	locals  map[string][]*LocalConn
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithHistoryLimit bounds the presence history per channel.
func WithHistoryLimit(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// WithLogger sets the broker's logger.
func WithLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

// NewBroker creates an empty Broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		channels:     make(map[string]*channelState),
		endpoints:    make(map[endpoint]bool),
		rejected:     make(map[string]error),
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		logger:       slog.Default(),
		locals:       make(map[string][]*LocalConn),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) channelLocked(name string) *channelState {
	cs, ok := b.channels[name]
	if !ok {
		cs = &channelState{
			attached: make(map[endpoint]bool),
			members:  make(map[string]member),
		}
		b.channels[name] = cs
	}
	return cs
}

func (b *Broker) register(ep endpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.rejected[ep.clientID()]; ok {
		return err
	}
	b.endpoints[ep] = true
	return nil
}

// unregister forgets an endpoint and emits presence leaves for every channel
// it was present on.
func (b *Broker) unregister(ep endpoint) {
	b.mu.Lock()
	delete(b.endpoints, ep)
	var names []string
	for name, cs := range b.channels {
		delete(cs.attached, ep)
		if m, ok := cs.members[ep.clientID()]; ok && m.owner == ep {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b.leaveLocked(name, ep, json.RawMessage(`{"reason":"disconnect"}`))
	}
	b.pruneLocked()
	b.mu.Unlock()
}

func (b *Broker) attach(ep endpoint, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelLocked(channel).attached[ep] = true
}

func (b *Broker) detach(ep endpoint, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		return
	}
	if m, ok := cs.members[ep.clientID()]; ok && m.owner == ep {
		b.leaveLocked(channel, ep, json.RawMessage(`{"reason":"detach"}`))
	}
	delete(cs.attached, ep)
	b.pruneLocked()
}

func (b *Broker) publish(ep endpoint, channel, name string, data json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := transport.Message{
		Channel:   channel,
		Name:      name,
		Data:      data,
		ClientID:  ep.clientID(),
		Timestamp: b.now(),
	}
	cs, ok := b.channels[channel]
	if !ok {
		return
	}
	for _, sub := range b.sortedAttachedLocked(cs) {
		sub.deliverMessage(msg)
	}
}

func (b *Broker) presence(ep endpoint, channel string, action transport.PresenceAction, data json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.channelLocked(channel)
	if !cs.attached[ep] {
		return transport.ErrNotAttached
	}
	switch action {
	case transport.PresenceLeave:
		if _, ok := cs.members[ep.clientID()]; !ok {
			return nil
		}
		b.leaveLocked(channel, ep, data)
		return nil
	case transport.PresenceUpdate:
		if _, ok := cs.members[ep.clientID()]; !ok {
			action = transport.PresenceEnter
		}
	}
	msg := transport.PresenceMessage{
		Channel:   channel,
		Action:    action,
		ClientID:  ep.clientID(),
		Data:      data,
		Timestamp: b.now(),
	}
	cs.members[ep.clientID()] = member{owner: ep, msg: msg}
	b.recordLocked(cs, msg)
	for _, sub := range b.sortedAttachedLocked(cs) {
		sub.deliverPresence(msg)
	}
	return nil
}

func (b *Broker) leaveLocked(channel string, ep endpoint, data json.RawMessage) {
	cs := b.channels[channel]
	delete(cs.members, ep.clientID())
	msg := transport.PresenceMessage{
		Channel:   channel,
		Action:    transport.PresenceLeave,
		ClientID:  ep.clientID(),
		Data:      data,
		Timestamp: b.now(),
	}
	b.recordLocked(cs, msg)
	for _, sub := range b.sortedAttachedLocked(cs) {
		if sub == ep {
			continue
		}
		sub.deliverPresence(msg)
	}
}

func (b *Broker) recordLocked(cs *channelState, msg transport.PresenceMessage) {
	cs.history = append(cs.history, msg)
	if over := len(cs.history) - b.historyLimit; over > 0 {
		cs.history = append([]transport.PresenceMessage(nil), cs.history[over:]...)
	}
}

// pruneLocked drops channels nobody is attached to or present on.
func (b *Broker) pruneLocked() {
	for name, cs := range b.channels {
		if len(cs.attached) == 0 && len(cs.members) == 0 {
			delete(b.channels, name)
		}
	}
}

// sortedAttachedLocked returns attached endpoints in a stable order so
// concurrent subscribers see deliveries in the same sequence.
func (b *Broker) sortedAttachedLocked(cs *channelState) []endpoint {
	eps := make([]endpoint, 0, len(cs.attached))
	for ep := range cs.attached {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].clientID() < eps[j].clientID() })
	return eps
}

// Members returns the current presence set of a channel as present entries,
// ordered by the time each member entered.
func (b *Broker) Members(channel string) []transport.PresenceMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		return nil
	}
	out := make([]transport.PresenceMessage, 0, len(cs.members))
	for _, m := range cs.members {
		msg := m.msg
		msg.Action = transport.PresencePresent
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// History returns up to limit of the most recent presence changes on channel.
func (b *Broker) History(channel string, limit int) []transport.PresenceMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	if !ok {
		return nil
	}
	h := cs.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]transport.PresenceMessage(nil), h...)
}

// ChannelCount reports how many channels currently have attachments or members.
func (b *Broker) ChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Attached reports whether any endpoint is attached to channel.
func (b *Broker) Attached(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.channels[channel]
	return ok && len(cs.attached) > 0
}

// Reject makes future connects from clientID fail with err until Accept is called.
func (b *Broker) Reject(clientID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = errors.New("hub: connection rejected")
	}
	b.rejected[clientID] = err
}

// Accept clears a previous Reject.
func (b *Broker) Accept(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rejected, clientID)
}

// Drop severs every in-process connection for clientID, reporting cause on
// their Dropped channels.
func (b *Broker) Drop(clientID string, cause error) {
	b.localMu.Lock()
	conns := append([]*LocalConn(nil), b.locals[clientID]...)
	b.localMu.Unlock()
	for _, c := range conns {
		c.drop(cause)
	}
}

// Connect returns a new in-process connection for clientID. The connection
// is not established until its Connect is called.
func (b *Broker) Connect(clientID string) *LocalConn {
	c := newLocalConn(b, clientID)
	b.localMu.Lock()
	b.locals[clientID] = append(b.locals[clientID], c)
	b.localMu.Unlock()
	return c
}

func (b *Broker) forgetLocal(c *LocalConn) {
	b.localMu.Lock()
	defer b.localMu.Unlock()
	conns := b.locals[c.id]
	for i, other := range conns {
		if other == c {
			b.locals[c.id] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(b.locals[c.id]) == 0 {
		delete(b.locals, c.id)
	}
}

// dial wraps register with context cancellation for symmetry with remote dials.
func (b *Broker) dial(ctx context.Context, ep endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.register(ep)
}
