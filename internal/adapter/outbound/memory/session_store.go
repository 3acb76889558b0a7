// Package memory backs the outbound ports with process-local state:
// the session registry, credential store, flow ring, and rate limiter.
package memory

import (
	"context"
	"sync"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
)

// MemorySessionStore implements session.Store with an in-memory map.
// Sessions are held live, not copied: an exchange mutates its session
// while the ops surface reads it through the session's own accessors.
type MemorySessionStore struct {
	sessions map[string]*session.Session
	order    []string
	mu       sync.RWMutex
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*session.Session),
	}
}

// Add registers a session. Re-adding an existing ID replaces the entry
// without changing its position.
func (s *MemorySessionStore) Add(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		s.order = append(s.order, sess.ID)
	}
	s.sessions[sess.ID] = sess
	return nil
}

// Remove drops a session by ID. Removing an unknown ID is not an error.
func (s *MemorySessionStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return nil
	}
	delete(s.sessions, id)

	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves a session by ID.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return sess, nil
}

// List returns the active sessions in insertion order.
func (s *MemorySessionStore) List(_ context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*session.Session, 0, len(s.order))
	for _, id := range s.order {
		if sess, ok := s.sessions[id]; ok {
			result = append(result, sess)
		}
	}
	return result, nil
}

// Count returns the number of active sessions.
func (s *MemorySessionStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), nil
}

var _ session.Store = (*MemorySessionStore)(nil)
