package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"hollow/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
)

// ErrNotConnected is returned by Send and its wrappers when no open socket
// exists. Nothing is queued; callers fall back to the REST path themselves.
var ErrNotConnected = errors.New("websocket not connected")

// Conn is the part of the websocket connection the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a websocket connection to the given URL.
type Dialer func(url string) (Conn, error)

// Handler receives every inbound envelope. Filtering by conversation is the
// subscriber's job.
type Handler func(models.Envelope)

// State is the connection status of the manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

type Config struct {
	// BaseURL is the REST API base. The realtime endpoint is derived from it
	// with the scheme upgraded to its websocket equivalent.
	BaseURL string

	// BaseDelay is the first reconnect delay; each following attempt doubles
	// it. Defaults to 1s.
	BaseDelay time.Duration

	// MaxAttempts bounds automatic reconnects per logical session.
	// Defaults to 5.
	MaxAttempts int

	Dialer Dialer
	Logger *slog.Logger
}

type subscriber struct {
	id uuid.UUID
	fn Handler
}

// Manager owns a single authenticated realtime channel to the chat backend.
// It broadcasts every inbound envelope to all subscribers and reconnects with
// exponential backoff after abnormal closes. One instance per application
// session; construct it explicitly and pass it to whoever needs it.
type Manager struct {
	endpoint string
	dial     Dialer
	base     time.Duration
	max      int
	log      *slog.Logger

	// schedule is swappable in tests to observe backoff delays.
	schedule func(d time.Duration, fn func()) *time.Timer

	mu       sync.Mutex
	state    State
	conn     Conn
	token    string
	attempts int
	gen      uint64
	retry    *time.Timer
	subs     []subscriber

	writeMu sync.Mutex
}

func NewManager(cfg Config) (*Manager, error) {
	endpoint, err := endpointURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDial
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		endpoint: endpoint,
		dial:     cfg.Dialer,
		base:     cfg.BaseDelay,
		max:      cfg.MaxAttempts,
		log:      cfg.Logger,
		schedule: func(d time.Duration, fn func()) *time.Timer {
			return time.AfterFunc(d, fn)
		},
	}, nil
}

func defaultDial(rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// endpointURL derives the realtime endpoint from the REST base URL. The token
// goes in the query string because browser and mobile websocket clients
// cannot set handshake headers, and the Go client keeps the same contract.
func endpointURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = "/api/v1/ws/chat"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Connect opens the socket using the given bearer token. It returns
// immediately; establishment failures feed the reconnect loop instead of
// surfacing here. Calling it while already connected or mid-connect is a
// no-op. The token is kept in memory so automatic reconnects can reuse it.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.token = token
	gen := m.gen
	m.mu.Unlock()

	go m.open(token, gen)
}

func (m *Manager) open(token string, gen uint64) {
	conn, err := m.dial(m.endpoint + "?token=" + url.QueryEscape(token))

	m.mu.Lock()
	if m.gen != gen {
		// Disconnect raced the dial; this attempt belongs to a dead session.
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Debug("websocket dial failed", "error", err)
		m.state = StateDisconnected
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	m.log.Debug("websocket connected")
	go m.readLoop(conn)
}

func (m *Manager) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.closed(conn)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frames are dropped; the connection stays up.
			m.log.Debug("dropping malformed frame", "error", err)
			continue
		}

		// Snapshot so subscribe/unsubscribe from inside a handler cannot
		// corrupt the pass in progress.
		m.mu.Lock()
		subs := make([]subscriber, len(m.subs))
		copy(subs, m.subs)
		m.mu.Unlock()

		for _, s := range subs {
			s.fn(env)
		}
	}
}

// closed handles every socket teardown, graceful or not. Closes triggered by
// Disconnect are recognized by the handle no longer being current.
func (m *Manager) closed(conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != conn {
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.log.Debug("websocket disconnected")
	m.scheduleRetryLocked()
}

func (m *Manager) scheduleRetryLocked() {
	if m.token == "" || m.attempts >= m.max {
		return
	}

	delay := m.base << m.attempts
	m.attempts++
	m.log.Debug("scheduling reconnect", "attempt", m.attempts, "delay", delay)
	m.retry = m.schedule(delay, m.retryFire)
}

func (m *Manager) retryFire() {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token == "" {
		return
	}
	m.Connect(token)
}

// Disconnect closes the socket, clears the subscriber list and the stored
// token, and cancels any pending reconnect. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.token = ""
	m.attempts = m.max
	m.gen++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.conn = nil
	m.subs = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes one envelope to the socket. It returns ErrNotConnected when no
// open socket exists and does not queue the envelope for later. A nil return
// means the transport accepted the write, not that the server received it.
func (m *Manager) Send(env models.Envelope) error {
	m.mu.Lock()
	conn := m.conn
	ok := m.state == StateConnected && conn != nil
	m.mu.Unlock()

	if !ok {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SendMessage sends a chat message to the given user.
func (m *Manager) SendMessage(to int64, content string) error {
	return m.Send(models.Envelope{
		Type:    models.EventMessage,
		To:      to,
		Content: content,
	})
}

// SendTyping sends a typing indicator to the given user.
func (m *Manager) SendTyping(to int64) error {
	return m.Send(models.Envelope{
		Type: models.EventTyping,
		To:   to,
	})
}

// SendRead sends a read receipt for messageID to the given user.
func (m *Manager) SendRead(to, messageID int64) error {
	return m.Send(models.Envelope{
		Type:      models.EventRead,
		To:        to,
		MessageID: messageID,
	})
}

// OnMessage registers a subscriber for every inbound envelope and returns its
// unsubscribe function. Registration order defines dispatch order; duplicate
// registrations produce duplicate dispatch.
func (m *Manager) OnMessage(fn Handler) func() {
	id := uuid.New()

	m.mu.Lock()
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				// Full slice expression forces a copy so an in-flight
				// dispatch snapshot keeps its own backing array.
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// IsConnected reports current socket readiness. It is inherently racy and
// meant for best-effort UI indicators only.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.conn != nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
