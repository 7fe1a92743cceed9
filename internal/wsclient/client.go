// Package wsclient is a transport.Conn that talks to a hub.Server over a
// websocket.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-racer/conductor/internal/hub"
	"github.com/agent-racer/conductor/internal/transport"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	requestTimeout = 15 * time.Second
)

// Config configures a Client.
type Config struct {
	URL      string
	Token    string
	ClientID string
	Dialer   *websocket.Dialer
	Logger   *slog.Logger
}

// Client is a websocket connection to a hub.
type Client struct {
	url      string
	token    string
	clientID string
	dialer   *websocket.Dialer
	logger   *slog.Logger
	dropped  chan error
	dispatch *transport.Dispatcher

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	closed   bool
	pending  map[string]chan hub.Frame
	channels map[string]*channel
	stopPing context.CancelFunc
}

var _ transport.Conn = (*Client)(nil)

// New creates a Client. It does not dial until Connect.
func New(cfg Config) *Client {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:      cfg.URL,
		token:    cfg.Token,
		clientID: cfg.ClientID,
		dialer:   dialer,
		logger:   logger,
		dropped:  make(chan error, 1),
		dispatch: transport.NewDispatcher(),
		pending:  make(map[string]chan hub.Frame),
		channels: make(map[string]*channel),
	}
}

// ClientID returns the id assigned by the hub, or the configured id before
// the first connect.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Dropped reports connection loss.
func (c *Client) Dropped() <-chan error { return c.dropped }

// Connect dials the hub, waits for the connected frame and re-attaches any
// channels that were attached before a drop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	url := c.url
	if c.token == "" && c.clientID != "" {
		url += "?clientId=" + c.clientID
	}
	conn, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("wsclient: dial: %w", transport.ErrUnauthorized)
		}
		return fmt.Errorf("wsclient: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	var hello hub.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("wsclient: handshake: %w", err)
	}
	if hello.Action == hub.ActionError {
		conn.Close()
		if hello.Code == hub.CodeUnauthorized {
			return fmt.Errorf("wsclient: %s: %w", hello.Error, transport.ErrUnauthorized)
		}
		return fmt.Errorf("wsclient: handshake: %s", hello.Error)
	}

	c.mu.Lock()
	if c.stopPing != nil {
		c.stopPing()
	}
	pingCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.clientID = hello.ClientID
	c.stopPing = cancel
	var reattach []*channel
	for _, name := range slices.Sorted(maps.Keys(c.channels)) {
		if ch := c.channels[name]; ch.isAttached() {
			reattach = append(reattach, ch)
		}
	}
	c.mu.Unlock()

	go c.pingLoop(pingCtx, conn)
	go c.readLoop(conn)

	for _, ch := range reattach {
		if _, err := c.request(ctx, hub.Frame{Action: hub.ActionAttach, Channel: ch.name}); err != nil {
			c.logger.Warn("re-attach failed", "channel", ch.name, "error", err)
		}
	}
	return nil
}

// Channel returns the named channel handle.
func (c *Client) Channel(name string) transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[name]
	if !ok {
		ch = &channel{client: c, name: name, subs: make(map[int]sub), presenceSubs: make(map[int]func(transport.PresenceMessage))}
		c.channels[name] = ch
	}
	return ch
}

// Close shuts the connection and stops delivery.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.stopPing != nil {
		c.stopPing()
	}
	c.mu.Unlock()
	c.dispatch.Close()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	var cause error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var f hub.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		if f.Action == hub.ActionSuspended {
			cause = transport.ErrSuspended
			break
		}
		c.route(f)
	}
	c.lost(conn, cause)
}

func (c *Client) route(f hub.Frame) {
	switch f.Action {
	case hub.ActionResult, hub.ActionError:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case hub.ActionMessage:
		if f.Message == nil {
			return
		}
		if ch := c.lookup(f.Channel); ch != nil {
			m := *f.Message
			c.dispatch.Push(func() { ch.dispatchMessage(m) })
		}
	case hub.ActionPresence:
		if f.Presence == nil {
			return
		}
		if ch := c.lookup(f.Channel); ch != nil {
			p := *f.Presence
			c.dispatch.Push(func() { ch.dispatchPresence(p) })
		}
	}
}

func (c *Client) lookup(name string) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

func (c *Client) lost(conn *websocket.Conn, cause error) {
	conn.Close()
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.stopPing != nil {
		c.stopPing()
		c.stopPing = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan hub.Frame)
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if closed {
		return
	}
	if cause == nil {
		cause = transport.ErrNotConnected
	}
	c.logger.Warn("hub connection lost", "error", cause)
	select {
	case c.dropped <- cause:
	default:
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// request sends f and waits for the hub's result or error frame.
func (c *Client) request(ctx context.Context, f hub.Frame) (hub.Frame, error) {
	f.ID = uuid.NewString()
	reply := make(chan hub.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return hub.Frame{}, transport.ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return hub.Frame{}, transport.ErrNotConnected
	}
	c.pending[f.ID] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return hub.Frame{}, fmt.Errorf("wsclient: write %s: %w", f.Action, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case r, ok := <-reply:
		if !ok {
			return hub.Frame{}, transport.ErrNotConnected
		}
		if r.Action == hub.ActionError {
			return r, replyError(r)
		}
		return r, nil
	case <-ctx.Done():
		forget()
		return hub.Frame{}, ctx.Err()
	case <-timer.C:
		forget()
		return hub.Frame{}, fmt.Errorf("wsclient: %s %s: timed out", f.Action, f.Channel)
	}
}

func replyError(f hub.Frame) error {
	switch f.Code {
	case hub.CodeUnauthorized, hub.CodeForbidden:
		return fmt.Errorf("wsclient: %s: %w", f.Error, transport.ErrUnauthorized)
	}
	if f.Error == transport.ErrNotAttached.Error() {
		return transport.ErrNotAttached
	}
	return errors.New("wsclient: " + f.Error)
}
