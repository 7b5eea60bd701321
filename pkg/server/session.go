package server

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionState is a step in the single request/response exchange
type SessionState uint8

const (
	StateAwaitLine SessionState = iota
	StateParsed
	StateAuthenticated
	StateRejected
	StateDispatched
	StateResponded
	StateClosed
)

func (st SessionState) String() string {
	switch st {
	case StateAwaitLine:
		return "AWAIT_LINE"
	case StateParsed:
		return "PARSED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRejected:
		return "REJECTED"
	case StateDispatched:
		return "DISPATCHED"
	case StateResponded:
		return "RESPONDED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("SessionState(%d)", uint8(st))
	}
}

// sessionTransitions lists the legal next states. Any state may close.
var sessionTransitions = map[SessionState][]SessionState{
	StateAwaitLine:     {StateParsed, StateRejected},
	StateParsed:        {StateAuthenticated, StateRejected},
	StateAuthenticated: {StateDispatched},
	StateRejected:      {StateResponded},
	StateDispatched:    {StateResponded},
	StateResponded:     {},
}

// Session is one client connection carrying exactly one request
type Session struct {
	ID         uint64
	Transport  string    // tcp, ssh or websocket
	Conn       *SafeConn // Connection with automatic write synchronization
	RemoteAddr string
	StartedAt  time.Time

	mu    sync.Mutex // Protects state
	state SessionState
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session to next if the transition is legal
func (s *Session) advance(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return fmt.Errorf("session %d: transition %s -> %s after close", s.ID, s.state, next)
	}
	if next == StateClosed {
		s.state = next
		return nil
	}
	for _, allowed := range sessionTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("session %d: illegal transition %s -> %s", s.ID, s.state, next)
}

// transition advances the session and logs illegal transitions
func (s *Session) transition(next SessionState) {
	if err := s.advance(next); err != nil {
		log.Error().Err(err).Uint64("session", s.ID).Msg("session state error")
	}
}

// SessionManager tracks live sessions
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new session in AWAIT_LINE
func (sm *SessionManager) CreateSession(transport string, conn io.ReadWriteCloser, remoteAddr string) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Transport:  transport,
		Conn:       NewSafeConn(conn),
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		state:      StateAwaitLine,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated(transport)
	}

	return sess
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session, closes its connection and marks it CLOSED.
// Returns false if the session was already removed.
func (sm *SessionManager) RemoveSession(sessionID uint64) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionClosed()
	}

	sess.Conn.Close()
	sess.transition(StateClosed)
	return true
}

// CountActive returns the number of live sessions
func (sm *SessionManager) CountActive() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll closes every live session
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sm.RemoveSession(sess.ID)
	}
}
