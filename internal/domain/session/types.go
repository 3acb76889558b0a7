// Package session implements the per-exchange message engine of the
// proxy: one Session per client request/response pair, with the locking
// discipline that gates body access and the short-circuit responder used
// by interception handlers.
package session

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// State is the position of a session in its lifecycle. Transitions are
// one-way: Fresh -> RequestLocked -> ResponseInstalled -> Complete.
type State int

const (
	// StateFresh: request mutable, request-body accessors permitted.
	StateFresh State = iota
	// StateRequestLocked: the request has been committed upstream or
	// short-circuited; it is immutable from here on.
	StateRequestLocked
	// StateResponseInstalled: a response, real or synthetic, is attached.
	StateResponseInstalled
	// StateComplete: terminal, no operations valid.
	StateComplete
)

// String returns the state name for logs and errors.
func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRequestLocked:
		return "request-locked"
	case StateResponseInstalled:
		return "response-installed"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Stream exposes the buffered reader of one transport endpoint. Sessions
// read message bodies through it; ownership and closing stay with the
// transport layer.
type Stream interface {
	Reader() *bufio.Reader
}

// WebSession pairs the one request and one response of an exchange and
// holds the server-facing transport once the forwarder has dialed it. The
// Response reference is replaced wholesale when a synthetic response is
// installed.
type WebSession struct {
	Request  *httpmsg.Request
	Response *httpmsg.Response

	server Stream
}

// NewWebSession returns a web session around req with no response yet.
func NewWebSession(req *httpmsg.Request) *WebSession {
	return &WebSession{Request: req}
}

// Server returns the server-facing stream, nil until connected.
func (w *WebSession) Server() Stream { return w.server }

// SetServer attaches the server-facing stream.
func (w *WebSession) SetServer(s Stream) { w.server = s }

// Session is the unit handed to interception code: one client exchange,
// single-goroutine driven, no internal locking. The client stream is a
// read-only reference; the session never closes it.
type Session struct {
	// ID is a cryptographically random identifier, 16 bytes hex-encoded.
	ID string
	// Number is the listener-scoped sequence number of this exchange.
	Number uint64
	// ClientAddr is the remote address of the client connection.
	ClientAddr string
	// CreatedAt is when the exchange began (UTC).
	CreatedAt time.Time

	web    *WebSession
	client Stream
	state  State
	tags   []string
}

// NewSession wraps a web session and the client-facing stream.
func NewSession(web *WebSession, client Stream) *Session {
	return &Session{
		web:       web,
		client:    client,
		CreatedAt: time.Now().UTC(),
	}
}

// State returns the session's lifecycle position.
func (s *Session) State() State { return s.state }

// Web returns the underlying web session.
func (s *Session) Web() *WebSession { return s.web }

// Request returns the exchange's request.
func (s *Session) Request() *httpmsg.Request { return s.web.Request }

// Response returns the exchange's response, nil until installed.
func (s *Session) Response() *httpmsg.Response { return s.web.Response }

// ShortCircuited reports whether a synthetic response was supplied in
// place of forwarding.
func (s *Session) ShortCircuited() bool { return s.web.Request.CancelRequest() }

// AddTag records a label on the session, typically set by intercept rules
// and carried into capture records.
func (s *Session) AddTag(tag string) {
	for _, t := range s.tags {
		if t == tag {
			return
		}
	}
	s.tags = append(s.tags, tag)
}

// Tags returns the labels recorded on the session.
func (s *Session) Tags() []string {
	out := make([]string, len(s.tags))
	copy(out, s.tags)
	return out
}

// NewSessionID creates a cryptographically random session identifier.
func NewSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}
