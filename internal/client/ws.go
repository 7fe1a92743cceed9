// Package client talks to a running conductor's admin surface: the
// /admin/ws feed and the /api REST endpoints.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/agent-racer/conductor/internal/admin"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// WSClient follows the conductor admin feed.
type WSClient struct {
	url   string
	token string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises pings with Close
	conn    *websocket.Conn
	retry   *backoff.ExponentialBackOff
	attempt int
	stopPin context.CancelFunc
}

// NewWSClient creates a client for the admin feed URL, e.g.
// ws://127.0.0.1:8090/admin/ws.
func NewWSClient(rawURL, token string) *WSClient {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectBaseDelay
	b.MaxInterval = reconnectMaxDelay
	return &WSClient{url: rawURL, token: token, retry: b}
}

// WSConnectedMsg is sent when the feed connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the feed drops.
type WSDisconnectedMsg struct{ Err error }

// WSRetryMsg reports a failed dial; Listen keeps retrying.
type WSRetryMsg struct {
	Err     error
	Attempt int
	Delay   time.Duration
}

// WSSnapshotMsg replaces the operator's whole view.
type WSSnapshotMsg struct{ Payload admin.SnapshotPayload }

// WSDeltaMsg carries changed and removed sessions.
type WSDeltaMsg struct{ Payload admin.DeltaPayload }

// WSErrorMsg is a server-side error frame.
type WSErrorMsg struct{ Message string }

func (c *WSClient) dialURL() string {
	if c.token == "" {
		return c.url
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Listen returns a command that dials the feed once. On failure it waits
// the next backoff interval and reports WSRetryMsg so the caller can log
// the attempt and call Listen again.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL(), nil)
		if err != nil {
			c.mu.Lock()
			delay := c.retry.NextBackOff()
			c.attempt++
			attempt := c.attempt
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			return WSRetryMsg{Err: err, Attempt: attempt, Delay: delay}
		}

		c.mu.Lock()
		if c.stopPin != nil {
			c.stopPin()
		}
		pingCtx, cancel := context.WithCancel(ctx)
		c.conn = conn
		c.stopPin = cancel
		c.retry.Reset()
		c.attempt = 0
		c.mu.Unlock()

		go c.pingLoop(pingCtx, conn)
		return WSConnectedMsg{}
	}
}

// ReadLoop returns a command that reads until the next feed message. It
// should be reissued after each message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: errNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.drop(conn)
				if ctx.Err() != nil {
					return nil
				}
				return WSDisconnectedMsg{Err: err}
			}
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if msg := decode(env); msg != nil {
				return msg
			}
		}
	}
}

func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.stopPin != nil {
			c.stopPin()
			c.stopPin = nil
		}
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
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

// Reconnect closes the current connection; the read loop then reports a
// disconnect and the model dials again, receiving a fresh snapshot.
func (c *WSClient) Reconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Close()
}

// Close tears the connection down for good.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.stopPin != nil {
		c.stopPin()
		c.stopPin = nil
	}
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

func decode(env envelope) tea.Msg {
	switch env.Type {
	case admin.MsgSnapshot:
		var p admin.SnapshotPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			return WSSnapshotMsg{Payload: p}
		}
	case admin.MsgDelta:
		var p admin.DeltaPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			return WSDeltaMsg{Payload: p}
		}
	case admin.MsgError:
		var p admin.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			return WSErrorMsg{Message: p.Message}
		}
	}
	return nil
}
