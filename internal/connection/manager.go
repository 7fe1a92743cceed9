// Package connection keeps one transport connection alive and reports its
// connectivity to the owner.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agent-racer/conductor/internal/transport"
)

// ErrFailed is returned by Run once the connection reached the failed state.
var ErrFailed = errors.New("connection: failed")

type State int

const (
	Initiating State = iota
	Connecting
	Connected
	Disconnected
	Suspended
	Failed
)

var stateNames = map[State]string{
	Initiating:   "initiating",
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
	Suspended:    "suspended",
	Failed:       "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Change is one observable connectivity transition.
type Change struct {
	From State
	To   State
	Err  error
	At   time.Time
}

const (
	DefaultSuspendAfter   = 2 * time.Minute
	DefaultSuspendedRetry = 30 * time.Second
	DefaultDialTimeout    = 15 * time.Second
)

type Config struct {
	// SuspendAfter is how long the connection may stay down before it is
	// reported as suspended.
	SuspendAfter time.Duration `yaml:"suspend_after"`
	// SuspendedRetry is the fixed retry interval while suspended.
	SuspendedRetry time.Duration `yaml:"suspended_retry"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	// BackOff builds the retry policy used while connecting. The default is
	// exponential without an elapsed-time cap. A policy returning
	// backoff.Stop fails the connection.
	BackOff func() backoff.BackOff `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.SuspendAfter <= 0 {
		c.SuspendAfter = DefaultSuspendAfter
	}
	if c.SuspendedRetry <= 0 {
		c.SuspendedRetry = DefaultSuspendedRetry
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.BackOff == nil {
		c.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	return c
}

// Manager owns a transport.Conn. Run drives it; Changes reports every state
// entry to a single owner, which must keep receiving.
type Manager struct {
	conn    transport.Conn
	cfg     Config
	logger  *slog.Logger
	changes chan Change

	mu    sync.Mutex
	state State
	err   error
}

func New(conn transport.Conn, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conn:    conn,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("client", conn.ClientID()),
		changes: make(chan Change, 16),
	}
}

func (m *Manager) Conn() transport.Conn { return m.conn }

// Changes is closed when Run returns.
func (m *Manager) Changes() <-chan Change { return m.changes }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err is the cause of the most recent non-connected state, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Run connects and keeps reconnecting until ctx is cancelled or the
// connection fails permanently. It closes the connection before returning.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.changes)
	defer m.conn.Close()

	policy := m.cfg.BackOff()
	downSince := time.Now()
	m.set(ctx, Connecting, nil)

	for {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		err := m.conn.Connect(dialCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err == nil {
			policy.Reset()
			m.set(ctx, Connected, nil)
			m.logger.Info("connected")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cause := <-m.conn.Dropped():
				downSince = time.Now()
				switch {
				case errors.Is(cause, transport.ErrUnauthorized):
					return m.fail(ctx, cause)
				case errors.Is(cause, transport.ErrSuspended):
					m.logger.Warn("connection suspended by relay", "error", cause)
					m.set(ctx, Suspended, cause)
				default:
					m.logger.Warn("connection dropped", "error", cause)
					m.set(ctx, Disconnected, cause)
				}
			}
			// Retry straight away after a drop.
			continue
		}

		if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrClosed) {
			return m.fail(ctx, err)
		}

		var wait time.Duration
		switch {
		case m.State() == Suspended:
			wait = m.cfg.SuspendedRetry
		case time.Since(downSince) >= m.cfg.SuspendAfter:
			m.logger.Warn("connection suspended", "down_for", time.Since(downSince).Round(time.Second), "error", err)
			m.set(ctx, Suspended, err)
			wait = m.cfg.SuspendedRetry
		default:
			m.set(ctx, Connecting, err)
			wait = policy.NextBackOff()
			if wait == backoff.Stop {
				return m.fail(ctx, err)
			}
		}
		m.logger.Debug("connect failed, retrying", "wait", wait, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) fail(ctx context.Context, cause error) error {
	m.logger.Error("connection failed", "error", cause)
	m.set(ctx, Failed, cause)
	return fmt.Errorf("%w: %w", ErrFailed, cause)
}

// set records the new state and notifies the owner when the state changed.
func (m *Manager) set(ctx context.Context, to State, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.err = err
	m.mu.Unlock()
	if from == to {
		return
	}
	select {
	case m.changes <- Change{From: from, To: to, Err: err, At: time.Now()}:
	case <-ctx.Done():
	}
}
