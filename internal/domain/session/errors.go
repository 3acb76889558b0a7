package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionState marks an accessor invoked outside its valid
	// state-machine window. Always a usage error; never retried.
	ErrSessionState = errors.New("session: operation invalid in current state")

	// ErrNoBody marks a body read on a message whose method precludes a
	// payload.
	ErrNoBody = errors.New("session: message has no body")

	// ErrSessionNotFound is returned by registries for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the active-session cap is hit.
	ErrTooManySessions = errors.New("session: too many active sessions")
)

// SessionStateError reports which operation was attempted in which state,
// with a hint about the window it needed.
type SessionStateError struct {
	Op    string
	State State
	Hint  string
}

func (e *SessionStateError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("session: %s invalid in state %s: %s", e.Op, e.State, e.Hint)
	}
	return fmt.Sprintf("session: %s invalid in state %s", e.Op, e.State)
}

func (e *SessionStateError) Unwrap() error { return ErrSessionState }

// NoBodyError reports a body read on a method that carries no payload.
type NoBodyError struct {
	Method string
}

func (e *NoBodyError) Error() string {
	return fmt.Sprintf("session: %s request carries no body", e.Method)
}

func (e *NoBodyError) Unwrap() error { return ErrNoBody }
