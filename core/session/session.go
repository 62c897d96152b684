// Package session provides the enlistment boundary for external transaction
// coordinators: a registry that issues identified sessions and notifies
// listeners as sessions start and end. The storage core itself never opens
// sessions; upper layers bracket their work with Begin/End.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	ErrSessionNotFound = errors.New("session not found in registry")
	ErrSessionEnded    = errors.New("session has already ended")
)

// Listener observes session lifecycle events. OnSessionEnd receives committed
// = false when the session was rolled back.
type Listener interface {
	OnSessionStart(s *Session)
	OnSessionEnd(s *Session, committed bool)
}

// Session is one unit of enlisted work, identified by a uuid.
type Session struct {
	id      uuid.UUID
	started time.Time

	mu    sync.Mutex
	ended bool
	attrs map[string]string
}

// ID returns the session's identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Started returns the session's start time.
func (s *Session) Started() time.Time { return s.started }

// SetAttr attaches a key/value pair to the session for listeners to read.
func (s *Session) SetAttr(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]string)
	}
	s.attrs[key] = value
}

// Attr reads an attribute set earlier in the session.
func (s *Session) Attr(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Registry issues sessions and fans lifecycle events out to listeners.
type Registry struct {
	mu        sync.Mutex
	active    map[uuid.UUID]*Session
	listeners []Listener

	logger *zap.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		active: make(map[uuid.UUID]*Session),
		logger: logger,
	}
}

// AddListener registers a lifecycle listener. Listeners added after sessions
// have started only observe events from that point on.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Begin opens a new session and notifies listeners.
func (r *Registry) Begin() *Session {
	s := &Session{id: uuid.New(), started: time.Now()}

	r.mu.Lock()
	r.active[s.id] = s
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Debug("Session started", zap.String("sessionId", s.id.String()))
	for _, l := range listeners {
		l.OnSessionStart(s)
	}
	return s
}

// End closes the session and notifies listeners with the commit outcome.
// Ending a session twice is an error.
func (r *Registry) End(id uuid.UUID, committed bool) error {
	r.mu.Lock()
	s, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.ended = true
	s.mu.Unlock()

	r.logger.Debug("Session ended",
		zap.String("sessionId", id.String()),
		zap.Bool("committed", committed))
	for _, l := range listeners {
		l.OnSessionEnd(s, committed)
	}
	return nil
}

// Active returns the number of open sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
