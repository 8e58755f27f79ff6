package mcpstream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned by GetSession and UpdateActivity for an
// unknown session ID. Callers at the dispatcher layer treat this as
// anonymous rather than surfacing a protocol error.
var ErrSessionNotFound = errors.New("mcpstream: session not found")

type sessionState string

const (
	sessionActive     sessionState = "active"
	sessionTerminated sessionState = "terminated"
)

const defaultEventBufferCapacity = 1000

// sseEvent is a buffered SSE record. Its fields are exported so external
// test packages (and any future replay consumer) can read a replayed
// event's contents without this package needing to export the type itself.
type sseEvent struct {
	ID        uint64
	EventType string
	Data      string
}

// eventBuffer is a session's bounded SSE replay buffer: a dense, strictly
// increasing run of event IDs, oldest evicted once capacity is exceeded.
type eventBuffer struct {
	capacity int
	events   []sseEvent
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{capacity: capacity}
}

func (b *eventBuffer) append(ev sseEvent) {
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

func (b *eventBuffer) since(after uint64) []sseEvent {
	out := make([]sseEvent, 0, len(b.events))
	for _, ev := range b.events {
		if ev.ID > after {
			out = append(out, ev)
		}
	}
	return out
}

// Session is a logical client<->server affinity identified by an opaque ID
// carried in Mcp-Session-Id, outliving any single TCP connection.
type Session struct {
	ID         string
	ClientInfo Info
	CreatedAt  time.Time

	mu              sync.Mutex
	connectionID    string
	state           sessionState
	lastActivity    time.Time
	timeoutDuration time.Duration
	nextEventID     uint64
	events          *eventBuffer
}

// GenerateEventID increments the session's counter and returns both the raw
// sequence number and its formatted form "<session_id>-<n>" for logging.
// It does not itself make the event replayable, pair it with RecordEvent.
func (s *Session) GenerateEventID() (seq uint64, formatted string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	seq = s.nextEventID
	return seq, fmt.Sprintf("%s-%d", s.ID, seq)
}

// RecordEvent appends an event to the session's bounded replay buffer.
func (s *Session) RecordEvent(seq uint64, eventType, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.append(sseEvent{ID: seq, EventType: eventType, Data: data})
}

// EventsSince returns buffered events with id greater than after, in
// order, for replay on reconnect with Last-Event-ID.
func (s *Session) EventsSince(after uint64) []sseEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.since(after)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionTerminated || now.Sub(s.lastActivity) > s.timeoutDuration
}

// SessionManagerConfig tunes session lifetime, cleanup cadence, and the
// per-session SSE replay buffer size.
type SessionManagerConfig struct {
	TimeoutDuration     time.Duration `env:"MCP_SESSION_TIMEOUT,default=30m"`
	CleanupInterval     time.Duration `env:"MCP_SESSION_CLEANUP_INTERVAL,default=5m"`
	EventBufferCapacity int           `env:"MCP_SESSION_EVENT_BUFFER,default=1000"`
}

func (c SessionManagerConfig) withDefaults() SessionManagerConfig {
	if c.TimeoutDuration <= 0 {
		c.TimeoutDuration = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.EventBufferCapacity <= 0 {
		c.EventBufferCapacity = defaultEventBufferCapacity
	}
	return c
}

// SessionManager creates, looks up, extends, and expires sessions, and
// hands out monotonically increasing SSE event IDs per session. All
// mutation happens under a single mutex, since Session Manager state is
// shared across every connection-worker goroutine.
type SessionManager struct {
	cfg SessionManagerConfig

	mu          sync.Mutex
	sessions    map[string]*Session
	lastCleanup time.Time
}

// NewSessionManager constructs a SessionManager from cfg, applying defaults
// for any zero-valued field.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{cfg: cfg.withDefaults(), sessions: make(map[string]*Session)}
}

// CreateSession allocates a fresh UUIDv4 session ID (RFC 4122 form).
func (m *SessionManager) CreateSession(connectionID string, clientInfo Info) *Session {
	s := &Session{
		ID:              uuid.New().String(),
		ClientInfo:      clientInfo,
		CreatedAt:       time.Now(),
		connectionID:    connectionID,
		state:           sessionActive,
		lastActivity:    time.Now(),
		timeoutDuration: m.cfg.TimeoutDuration,
		events:          newEventBuffer(m.cfg.EventBufferCapacity),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// AdoptSession registers an externally-carried session ID (from a client's
// Mcp-Session-Id header on a new connection resuming a known session) if it
// is not already tracked, so activity and replay state survive reconnects.
func (m *SessionManager) AdoptSession(sessionID, connectionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.mu.Lock()
		s.connectionID = connectionID
		s.mu.Unlock()
		return s
	}
	s := &Session{
		ID:              sessionID,
		CreatedAt:       time.Now(),
		connectionID:    connectionID,
		state:           sessionActive,
		lastActivity:    time.Now(),
		timeoutDuration: m.cfg.TimeoutDuration,
		events:          newEventBuffer(m.cfg.EventBufferCapacity),
	}
	m.sessions[sessionID] = s
	return s
}

// UpdateActivity refreshes a session's last-activity timestamp.
func (m *SessionManager) UpdateActivity(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.touch()
	return nil
}

// GetSession fails if the session is missing.
func (m *SessionManager) GetSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// TerminateSession removes a session and its connection mapping.
// Idempotent: calling it twice leaves identical state.
func (m *SessionManager) TerminateSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CleanupExpiredSessions runs at most once per CleanupInterval; a session
// is expired if it's terminated or idle past its timeout duration. Returns
// the number of sessions removed.
func (m *SessionManager) CleanupExpiredSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if !m.lastCleanup.IsZero() && now.Sub(m.lastCleanup) < m.cfg.CleanupInterval {
		return 0
	}
	m.lastCleanup = now
	removed := 0
	for id, s := range m.sessions {
		if s.expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// Count reports the number of tracked sessions, for diagnostics and tests.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
