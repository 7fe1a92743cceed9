package wsclient

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/agent-racer/conductor/internal/hub"
	"github.com/agent-racer/conductor/internal/transport"
)

type sub struct {
	name string
	fn   func(transport.Message)
}

type channel struct {
	client *Client
	name   string

	mu           sync.Mutex
	attached     bool
	nextID       int
	subs         map[int]sub
	presenceSubs map[int]func(transport.PresenceMessage)
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) isAttached() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attached
}

func (ch *channel) Attach(ctx context.Context) error {
	if _, err := ch.client.request(ctx, hub.Frame{Action: hub.ActionAttach, Channel: ch.name}); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.attached = true
	ch.mu.Unlock()
	return nil
}

func (ch *channel) Detach(ctx context.Context) error {
	ch.mu.Lock()
	was := ch.attached
	ch.attached = false
	ch.mu.Unlock()
	if !was {
		return nil
	}
	_, err := ch.client.request(ctx, hub.Frame{Action: hub.ActionDetach, Channel: ch.name})
	return err
}

func (ch *channel) Publish(ctx context.Context, name string, data any) error {
	raw, err := transport.Marshal(data)
	if err != nil {
		return err
	}
	_, err = ch.client.request(ctx, hub.Frame{Action: hub.ActionPublish, Channel: ch.name, Name: name, Data: raw})
	return err
}

func (ch *channel) Subscribe(name string, fn func(transport.Message)) func() {
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

func (ch *channel) SubscribePresence(fn func(transport.PresenceMessage)) func() {
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

func (ch *channel) PresenceGet(ctx context.Context) ([]transport.PresenceMessage, error) {
	r, err := ch.client.request(ctx, hub.Frame{Action: hub.ActionPresenceGet, Channel: ch.name})
	if err != nil {
		return nil, err
	}
	return r.Members, nil
}

func (ch *channel) PresenceHistory(ctx context.Context, limit int) ([]transport.PresenceMessage, error) {
	r, err := ch.client.request(ctx, hub.Frame{Action: hub.ActionPresenceHistory, Channel: ch.name, Limit: limit})
	if err != nil {
		return nil, err
	}
	return r.Members, nil
}

func (ch *channel) PresenceEnter(ctx context.Context, data any) error {
	return ch.presence(ctx, hub.ActionPresenceEnter, data)
}

func (ch *channel) PresenceUpdate(ctx context.Context, data any) error {
	return ch.presence(ctx, hub.ActionPresenceUpdate, data)
}

func (ch *channel) PresenceLeave(ctx context.Context, data any) error {
	return ch.presence(ctx, hub.ActionPresenceLeave, data)
}

func (ch *channel) presence(ctx context.Context, action hub.Action, data any) error {
	raw, err := transport.Marshal(data)
	if err != nil {
		return err
	}
	_, err = ch.client.request(ctx, hub.Frame{Action: action, Channel: ch.name, Data: raw})
	return err
}

func (ch *channel) dispatchMessage(m transport.Message) {
	ch.mu.Lock()
	var fns []func(transport.Message)
	for _, id := range slices.Sorted(maps.Keys(ch.subs)) {
		if s := ch.subs[id]; s.name == "" || s.name == m.Name {
			fns = append(fns, s.fn)
		}
	}
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (ch *channel) dispatchPresence(p transport.PresenceMessage) {
	ch.mu.Lock()
	var fns []func(transport.PresenceMessage)
	for _, id := range slices.Sorted(maps.Keys(ch.presenceSubs)) {
		fns = append(fns, ch.presenceSubs[id])
	}
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}
