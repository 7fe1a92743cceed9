// Package transport defines the pub/sub collaborator the runtime is layered on:
// a connection that hands out named channels carrying ordered messages and
// presence. The hub package provides the relay and an in-process connection;
// the wsclient package provides a connection over websockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnauthorized is a permanent connection failure: the credentials were
	// rejected and retrying will not help.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrSuspended reports that the relay suspended this connection. It is
	// recoverable but slower to retry than a plain drop.
	ErrSuspended = errors.New("transport: connection suspended")
	// ErrNotAttached is returned by channel operations that require attachment.
	ErrNotAttached = errors.New("transport: channel not attached")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: connection closed")
	// ErrNotConnected is returned when a request is issued with no live connection.
	ErrNotConnected = errors.New("transport: not connected")
)

// Message is one published message on a channel.
type Message struct {
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return errors.New("transport: empty message data")
	}
	return json.Unmarshal(m.Data, v)
}

// PresenceAction classifies a presence message.
type PresenceAction string

const (
	PresenceEnter  PresenceAction = "enter"
	PresenceLeave  PresenceAction = "leave"
	PresenceUpdate PresenceAction = "update"
	// PresencePresent marks a member delivered from a presence snapshot rather
	// than a live change.
	PresencePresent PresenceAction = "present"
)

// PresenceMessage is a presence change or snapshot entry for one client.
type PresenceMessage struct {
	Channel   string          `json:"channel"`
	Action    PresenceAction  `json:"action"`
	ClientID  string          `json:"clientId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the presence data into v. Empty data leaves v untouched.
func (p PresenceMessage) Decode(v any) error {
	if len(p.Data) == 0 {
		return nil
	}
	return json.Unmarshal(p.Data, v)
}

// Channel is a named topic on a Conn. Subscriptions deliver in transport
// order; callbacks must not block for long.
type Channel interface {
	Name() string
	Attach(ctx context.Context) error
	Detach(ctx context.Context) error
	Publish(ctx context.Context, name string, data any) error
	// Subscribe registers fn for messages named name, or all messages when
	// name is empty. The returned func removes the subscription.
	Subscribe(name string, fn func(Message)) (unsubscribe func())
	SubscribePresence(fn func(PresenceMessage)) (unsubscribe func())
	PresenceGet(ctx context.Context) ([]PresenceMessage, error)
	PresenceHistory(ctx context.Context, limit int) ([]PresenceMessage, error)
	PresenceEnter(ctx context.Context, data any) error
	PresenceUpdate(ctx context.Context, data any) error
	PresenceLeave(ctx context.Context, data any) error
}

// Conn is one client connection to the relay.
type Conn interface {
	ClientID() string
	// Connect establishes the connection. It may be called again after the
	// connection dropped.
	Connect(ctx context.Context) error
	// Dropped delivers the cause whenever an established connection is lost.
	Dropped() <-chan error
	Channel(name string) Channel
	Close() error
}

// ChannelSource hands out channels by name. Session components only need
// this narrow view of a Conn.
type ChannelSource interface {
	Channel(name string) Channel
}

// Marshal encodes data for the wire. A json.RawMessage or []byte is passed
// through unchanged.
func Marshal(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
