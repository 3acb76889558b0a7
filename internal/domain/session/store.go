package session

import "context"

// Store tracks in-flight sessions for the ops surface and the
// concurrency cap. Defined in the domain to keep adapters on the outside.
// Implementations: in-memory (prod and test).
type Store interface {
	// Add registers a session.
	Add(ctx context.Context, s *Session) error

	// Remove drops a session by ID. Removing an unknown ID is not an
	// error.
	Remove(ctx context.Context, id string) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound for unknown IDs.
	Get(ctx context.Context, id string) (*Session, error)

	// List returns the active sessions in insertion order.
	List(ctx context.Context) ([]*Session, error)

	// Count returns the number of active sessions.
	Count(ctx context.Context) (int, error)
}
