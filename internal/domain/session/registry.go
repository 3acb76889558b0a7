package session

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// Config holds registry configuration.
type Config struct {
	// MaxActive caps concurrently tracked sessions. 0 means no cap.
	MaxActive int
}

// Registry creates and tracks sessions across one proxy instance,
// assigning sequence numbers and enforcing the active cap.
type Registry struct {
	store Store
	max   int
	next  atomic.Uint64
}

// NewRegistry creates a Registry with the given store and config.
func NewRegistry(store Store, cfg Config) *Registry {
	return &Registry{
		store: store,
		max:   cfg.MaxActive,
	}
}

// Begin creates a session for one client exchange and registers it.
// Returns ErrTooManySessions when the active cap is hit.
func (r *Registry) Begin(ctx context.Context, req *httpmsg.Request, client Stream, clientAddr string) (*Session, error) {
	if r.max > 0 {
		n, err := r.store.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count sessions: %w", err)
		}
		if n >= r.max {
			return nil, ErrTooManySessions
		}
	}

	id, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	s := NewSession(NewWebSession(req), client)
	s.ID = id
	s.Number = r.next.Add(1)
	s.ClientAddr = clientAddr

	if err := r.store.Add(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	return s, nil
}

// Finish completes a session and drops it from the registry.
func (r *Registry) Finish(ctx context.Context, s *Session) {
	s.Complete()
	_ = r.store.Remove(ctx, s.ID)
}

// Active returns the currently tracked sessions.
func (r *Registry) Active(ctx context.Context) ([]*Session, error) {
	return r.store.List(ctx)
}
