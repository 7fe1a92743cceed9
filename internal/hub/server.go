package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-racer/conductor/internal/transport"
)

// ErrTooManyConnections is returned when the server is at its connection limit.
var ErrTooManyConnections = errors.New("hub: too many connections")

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// Secret signs client tokens. When empty, clients identify themselves
	// with the clientId query parameter and are not authenticated.
	Secret         []byte
	AllowedOrigins []string
	MaxConns       int
}

// Server exposes a Broker over websockets at /ws.
type Server struct {
	broker         *Broker
	secret         []byte
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	maxConns       int
	logger         *slog.Logger

	mu    sync.Mutex
	peers map[*peer]bool
}

// NewServer creates a Server relaying through broker.
func NewServer(broker *Broker, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		broker:         broker,
		secret:         cfg.Secret,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		maxConns:       cfg.MaxConns,
		logger:         logger,
		peers:          make(map[*peer]bool),
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// SetupRoutes registers the websocket endpoint on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

// PeerCount reports connected websocket clients.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Disconnect closes every websocket of clientID and returns how many were closed.
func (s *Server) Disconnect(clientID string) int {
	s.mu.Lock()
	var targets []*peer
	for p := range s.peers {
		if p.id == clientID {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()
	for _, p := range targets {
		p.conn.Close()
	}
	return len(targets)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authorize(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	full := s.maxConns > 0 && len(s.peers) >= s.maxConns
	s.mu.Unlock()
	if full {
		http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	p := &peer{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     claims.Subject,
		claims: claims,
		logger: s.logger.With("client", claims.Subject),
	}
	if err := s.broker.register(p); err != nil {
		p.writeNow(Frame{Action: ActionError, Code: CodeUnauthorized, Error: err.Error()})
		conn.Close()
		return
	}

	s.mu.Lock()
	s.peers[p] = true
	s.mu.Unlock()

	go p.writePump()
	p.enqueue(Frame{Action: ActionConnected, ClientID: p.id})
	p.logger.Info("hub client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broker.unregister(p)
			s.mu.Lock()
			delete(s.peers, p)
			s.mu.Unlock()
			p.close()
			p.logger.Info("hub client disconnected", "remote", r.RemoteAddr)
		}()
		s.readLoop(p)
	}()
}

func (s *Server) readLoop(p *peer) {
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			p.enqueue(Frame{Action: ActionError, Code: CodeBadRequest, Error: "malformed frame"})
			continue
		}
		p.enqueue(s.handleFrame(p, f))
	}
}

func (s *Server) handleFrame(p *peer, f Frame) Frame {
	reply := Frame{Action: ActionResult, ID: f.ID, Channel: f.Channel}
	fail := func(code int, err error) Frame {
		return Frame{Action: ActionError, ID: f.ID, Channel: f.Channel, Code: code, Error: err.Error()}
	}
	if f.Channel == "" {
		return fail(CodeBadRequest, errors.New("channel required"))
	}
	if !p.claims.Allows(f.Channel) {
		return fail(CodeForbidden, ErrForbidden)
	}

	switch f.Action {
	case ActionAttach:
		s.broker.attach(p, f.Channel)
	case ActionDetach:
		s.broker.detach(p, f.Channel)
	case ActionPublish:
		if f.Name == "" {
			return fail(CodeBadRequest, errors.New("message name required"))
		}
		s.broker.publish(p, f.Channel, f.Name, f.Data)
	case ActionPresenceEnter, ActionPresenceUpdate, ActionPresenceLeave:
		action := map[Action]transport.PresenceAction{
			ActionPresenceEnter:  transport.PresenceEnter,
			ActionPresenceUpdate: transport.PresenceUpdate,
			ActionPresenceLeave:  transport.PresenceLeave,
		}[f.Action]
		if err := s.broker.presence(p, f.Channel, action, f.Data); err != nil {
			return fail(CodeBadRequest, err)
		}
	case ActionPresenceGet:
		reply.Members = s.broker.Members(f.Channel)
	case ActionPresenceHistory:
		reply.Members = s.broker.History(f.Channel, f.Limit)
	default:
		return fail(CodeBadRequest, fmt.Errorf("unknown action %q", f.Action))
	}
	return reply
}

func (s *Server) authorize(r *http.Request) (*Claims, error) {
	if len(s.secret) == 0 {
		id := r.URL.Query().Get("clientId")
		if id == "" {
			id = uuid.NewString()
		}
		return &Claims{RegisteredClaims: jwtSubject(id)}, nil
	}

	raw := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		raw = strings.TrimPrefix(auth, "Bearer ")
	}
	if raw == "" {
		return nil, transport.ErrUnauthorized
	}
	return ParseToken(s.secret, raw)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins[origin] || s.allowedHosts[parsed.Host]
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	for _, local := range []string{"localhost", "127.0.0.1", "[::1]"} {
		if host == local || strings.HasPrefix(host, local+":") {
			return true
		}
	}
	return false
}

// peer is one websocket client of the Server.
type peer struct {
	conn   *websocket.Conn
	send   chan []byte
	id     string
	claims *Claims
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (p *peer) clientID() string { return p.id }

func (p *peer) deliverMessage(m transport.Message) {
	p.enqueue(Frame{Action: ActionMessage, Channel: m.Channel, Message: &m})
}

func (p *peer) deliverPresence(pm transport.PresenceMessage) {
	p.enqueue(Frame{Action: ActionPresence, Channel: pm.Channel, Presence: &pm})
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// disconnected rather than allowed to stall fan-out.
func (p *peer) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		p.logger.Error("encode frame", "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- data:
	default:
		p.logger.Warn("hub client too slow, disconnecting")
		p.closed = true
		close(p.send)
	}
}

func (p *peer) writeNow(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}
