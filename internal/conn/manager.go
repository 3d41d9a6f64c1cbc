// Package conn maintains at most one live gateway connection per session and
// hides reconnection from callers. Failures surface as state, never panics:
// callers observe Snapshot and bus.KindConnStateChanged events.
package conn

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmarins/chatkit/internal/bus"
	"github.com/rmarins/chatkit/internal/protocol"
)

const (
	// Time allowed to write a frame.
	writeWait = 10 * time.Second

	defaultHeartbeatInterval = 30 * time.Second
	defaultPongTimeout       = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultBackoffBase       = 500 * time.Millisecond
	defaultBackoffCap        = 30 * time.Second
	defaultMaxReconnects     = 10
)

var (
	// ErrNotConnected is returned by Send when no socket is live. The
	// manager does not buffer; queueing while down belongs to callers.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrClosed is returned after explicit teardown.
	ErrClosed = errors.New("conn: manager closed")

	errPongTimeout = errors.New("conn: heartbeat pong timeout")
)

// Options configures a Manager.
type Options struct {
	// URL is the gateway WebSocket endpoint.
	URL string
	// Token is the bearer credential for the authentication handshake.
	Token string

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	HandshakeTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxReconnects     int
}

func (o *Options) fillDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = defaultMaxReconnects
	}
}

// Manager owns the gateway socket: handshake, heartbeats, reconnection with
// exponential backoff, and typed event dispatch.
type Manager struct {
	opts     Options
	machine  *machine
	registry *registry
	logger   *zap.Logger

	mu           sync.Mutex // guards ws, done, pongCh, reconnecting, session
	ws           *websocket.Conn
	done         chan struct{}
	pongCh       chan struct{}
	reconnecting bool
	sessionID    string
	userID       string

	writeMu sync.Mutex // gorilla permits one concurrent writer

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Manager. State changes are published on b as
// bus.KindConnStateChanged events.
func New(opts Options, b *bus.Bus, logger *zap.Logger) *Manager {
	opts.fillDefaults()
	return &Manager{
		opts:     opts,
		machine:  newMachine(b),
		registry: newRegistry(),
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.machine.state() }

// Snapshot returns the observable connection state.
func (m *Manager) Snapshot() Snapshot { return m.machine.snapshot() }

// IsConnected reports whether the socket is live and the handshake completed.
func (m *Manager) IsConnected() bool { return m.machine.state() == Connected }

// SessionID returns the ephemeral session id from the last handshake.
// It lives exactly as long as one socket connection and is never persisted.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// UserID returns the authenticated user id from the last handshake.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// On registers a handler for one server event type and returns its
// registration id for Off.
func (m *Manager) On(t protocol.EventType, h protocol.Handler) int {
	return m.registry.on(t, h)
}

// Off removes a handler registration. Unknown ids are a no-op.
func (m *Manager) Off(t protocol.EventType, id int) {
	m.registry.off(t, id)
}

// Connect establishes the gateway connection. It is a no-op when already
// connected; a prior half-dead socket is torn down synchronously first.
// Handshake failure leaves the manager Disconnected with LastError set.
func (m *Manager) Connect() error {
	switch m.machine.state() {
	case Closed:
		return ErrClosed
	case Connected:
		return nil
	}

	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()

	return m.dial()
}

// Send encodes and transmits a client event on the live socket. It never
// buffers: when disconnected it returns ErrNotConnected immediately.
func (m *Manager) Send(evt protocol.ClientEvent) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil || !m.IsConnected() {
		return ErrNotConnected
	}
	return m.writeFrame(ws, evt)
}

// Close tears the connection down permanently. The manager transitions to
// the terminal Closed state and stops reconnecting.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
	if err := m.machine.transition(Closed); err != nil {
		m.logger.Warn("close transition", zap.Error(err))
	}
}

func (m *Manager) dial() error {
	if err := m.machine.transition(Connecting); err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.opts.Token)

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	ws, resp, err := dialer.Dial(m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return m.failDial(fmt.Errorf("dial gateway: %w", err))
	}

	hello, err := m.awaitHello(ws)
	if err != nil {
		_ = ws.Close()
		return m.failDial(err)
	}

	done := make(chan struct{})
	pongCh := make(chan struct{}, 1)
	m.mu.Lock()
	m.ws = ws
	m.done = done
	m.pongCh = pongCh
	m.sessionID = hello.SessionID
	m.userID = hello.UserID
	m.mu.Unlock()

	if err := m.machine.transition(Connected); err != nil {
		// Closed raced the dial; drop the fresh socket.
		m.mu.Lock()
		m.teardownLocked()
		m.mu.Unlock()
		return err
	}

	m.logger.Info("gateway connected",
		zap.String("session_id", hello.SessionID),
		zap.String("user_id", hello.UserID))

	m.registry.dispatch(hello)
	go m.readLoop(ws, pongCh)
	go m.heartbeatLoop(ws, done, pongCh)
	return nil
}

func (m *Manager) failDial(err error) error {
	m.machine.recordError(err)
	if terr := m.machine.transition(Disconnected); terr != nil {
		m.logger.Warn("dial failure transition", zap.Error(terr))
	}
	m.logger.Warn("gateway handshake failed", zap.Error(err))
	return err
}

// awaitHello performs the application handshake: the server must answer the
// authenticated upgrade with a hello event before anything else.
func (m *Manager) awaitHello(ws *websocket.Conn) (*protocol.Hello, error) {
	_ = ws.SetReadDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, frame, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	evt, err := protocol.DecodeServer(frame)
	if err != nil {
		return nil, fmt.Errorf("handshake decode: %w", err)
	}
	hello, ok := evt.(*protocol.Hello)
	if !ok {
		if e, isErr := evt.(*protocol.ErrorEvent); isErr {
			return nil, fmt.Errorf("handshake rejected: %s: %s", e.Code, e.Detail)
		}
		return nil, fmt.Errorf("handshake: expected hello, got %s", evt.Type())
	}
	return hello, nil
}

func (m *Manager) readLoop(ws *websocket.Conn, pongCh chan struct{}) {
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			m.connectionLost(ws, fmt.Errorf("read: %w", err))
			return
		}

		evt, err := protocol.DecodeServer(frame)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}

		if _, isPong := evt.(*protocol.Pong); isPong {
			select {
			case pongCh <- struct{}{}:
			default:
			}
			continue
		}

		m.registry.dispatch(evt)
	}
}

// heartbeatLoop sends application-level pings and treats a missing pong as a
// dead connection. Silent drops are the primary failure mode defended
// against; waiting for the transport close event is not enough.
func (m *Manager) heartbeatLoop(ws *websocket.Conn, done chan struct{}, pongCh chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.writeFrame(ws, protocol.Ping{SentAtMs: time.Now().UnixMilli()}); err != nil {
				m.connectionLost(ws, fmt.Errorf("heartbeat write: %w", err))
				return
			}
			select {
			case <-pongCh:
			case <-time.After(m.opts.PongTimeout):
				m.connectionLost(ws, errPongTimeout)
				return
			case <-done:
				return
			}
		}
	}
}

func (m *Manager) writeFrame(ws *websocket.Conn, evt protocol.ClientEvent) error {
	data, err := protocol.Encode(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Type(), err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// connectionLost tears down the given socket and starts the reconnect loop.
// Both the reader and the heartbeat may report the same loss; only the first
// report for the current socket acts.
func (m *Manager) connectionLost(ws *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.ws != ws {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	start := !m.reconnecting
	if start {
		m.reconnecting = true
	}
	m.mu.Unlock()

	m.machine.recordError(cause)
	if !start {
		return
	}
	if m.machine.state() == Closed {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
		return
	}

	m.logger.Warn("gateway connection lost", zap.Error(cause))
	if err := m.machine.transition(Reconnecting); err != nil {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
		return
	}
	go m.reconnectLoop()
}

// reconnectLoop retries dialing with exponential backoff and jitter. The
// attempt counter resets only when a connection actually succeeds.
func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		if m.machine.state() == Closed {
			return
		}

		attempt := m.machine.bumpAttempts()
		if attempt > m.opts.MaxReconnects {
			m.logger.Error("reconnect attempts exhausted",
				zap.Int("max", m.opts.MaxReconnects))
			_ = m.machine.transition(Disconnected)
			return
		}

		delay := backoff(attempt, m.opts.BackoffBase, m.opts.BackoffCap)
		m.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-m.closed:
			return
		case <-time.After(delay):
		}

		if err := m.dial(); err == nil {
			return
		}
	}
}

// teardownLocked closes the current socket and signals its loops. Callers
// hold m.mu.
func (m *Manager) teardownLocked() {
	if m.ws != nil {
		_ = m.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = m.ws.Close()
		m.ws = nil
	}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.sessionID = ""
	m.userID = ""
}
