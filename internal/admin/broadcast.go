// Package admin serves the operator surface: REST views of the status board
// and a websocket feed of snapshots and throttled deltas.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-racer/conductor/internal/session"
)

// ErrTooManyConnections is returned by AddClient at the client limit.
var ErrTooManyConnections = errors.New("admin: too many connections")

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer func() {
		c.conn.Close()
		c.b.RemoveClient(c)
	}()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans status board changes out to admin websocket clients.
// Updates are coalesced for the throttle interval; a full snapshot is sent
// on connect and every snapshot interval.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	store      *session.Store
	privacy    *session.PrivacyFilter
	maxClients int
	logger     *slog.Logger

	throttle       time.Duration
	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu        sync.Mutex
	pendingUpdates []*session.State
	pendingRemoved []string
	flushTimer     *time.Timer
}

// NewBroadcaster starts the snapshot loop. A nil privacy filter shows
// everything; maxClients of zero is unlimited.
func NewBroadcaster(store *session.Store, privacy *session.PrivacyFilter, throttle, snapshotInterval time.Duration, maxClients int, logger *slog.Logger) *Broadcaster {
	if privacy == nil {
		privacy = &session.PrivacyFilter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		store:          store,
		privacy:        privacy,
		maxClients:     maxClients,
		logger:         logger,
		throttle:       throttle,
		snapshotTicker: time.NewTicker(snapshotInterval),
		stop:           make(chan struct{}),
	}
	go b.snapshotLoop()
	return b
}

// Stop ends the snapshot loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)
		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

// AddClient registers conn and queues the current snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{conn: conn, b: b, send: make(chan []byte, clientBuffer)}
	data, err := json.Marshal(b.snapshot())
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	// Queued under the lock so no delta can overtake it.
	c.send <- data
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// QueueUpdate implements supervisor.Notifier.
func (b *Broadcaster) QueueUpdate(states []*session.State) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	for _, st := range states {
		b.pendingUpdates = append(b.pendingUpdates, st.Clone())
	}
	b.armLocked()
}

// QueueRemoval implements supervisor.Notifier.
func (b *Broadcaster) QueueRemoval(ids []string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.pendingRemoved = append(b.pendingRemoved, ids...)
	b.armLocked()
}

func (b *Broadcaster) armLocked() {
	if b.flushTimer != nil {
		return
	}
	select {
	case <-b.stop:
		return
	default:
	}
	b.flushTimer = time.AfterFunc(b.throttle, b.flush)
}

// FilterSessions applies the privacy filter to states.
func (b *Broadcaster) FilterSessions(states []*session.State) []*session.State {
	return b.privacy.FilterSlice(states)
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := b.pendingUpdates
	removed := b.pendingRemoved
	b.pendingUpdates = nil
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	// Several updates to one session inside a window collapse to the last.
	latest := make(map[string]int, len(updates))
	var ordered []*session.State
	for _, st := range updates {
		if i, ok := latest[st.ID]; ok {
			ordered[i] = st
			continue
		}
		latest[st.ID] = len(ordered)
		ordered = append(ordered, st)
	}
	masked := make([]string, 0, len(removed))
	for _, id := range removed {
		masked = append(masked, b.privacy.MaskEventID(id))
	}

	filtered := b.FilterSessions(ordered)
	if len(filtered) == 0 && len(masked) == 0 {
		return
	}
	b.broadcast(Message{
		Type:    MsgDelta,
		Payload: DeltaPayload{Updates: filtered, Removed: masked},
	})
}

func (b *Broadcaster) snapshot() Message {
	return Message{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Sessions: b.FilterSessions(b.store.GetAll())},
	}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshot())
		}
	}
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("admin broadcast marshal", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("admin client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			delete(b.clients, c)
			close(c.send)
		}
	}
}
