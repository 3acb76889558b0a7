// Package intercept contains the hook surface interception code plugs
// into: request and response handlers, the chain that runs them, and the
// declarative rule engine.
package intercept

import (
	"context"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
)

// RequestHandler inspects or rewrites a session's request before it is
// committed upstream. It may short-circuit the exchange through the
// session's responder; the chain stops once that happens.
type RequestHandler interface {
	HandleRequest(ctx context.Context, s *session.Session) error
}

// ResponseHandler inspects or rewrites a session's response after it is
// installed and before it is written to the client.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, s *session.Session) error
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, s *session.Session) error

// HandleRequest implements RequestHandler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, s *session.Session) error {
	return f(ctx, s)
}

// ResponseHandlerFunc adapts a function to ResponseHandler.
type ResponseHandlerFunc func(ctx context.Context, s *session.Session) error

// HandleResponse implements ResponseHandler.
func (f ResponseHandlerFunc) HandleResponse(ctx context.Context, s *session.Session) error {
	return f(ctx, s)
}

// Chain runs handlers in registration order. A handler error stops the
// chain and aborts the exchange; a short-circuited session stops the
// request chain without error.
type Chain struct {
	request  []RequestHandler
	response []ResponseHandler
}

// NewChain creates an empty chain.
func NewChain() *Chain {
	return &Chain{}
}

// OnRequest appends a request handler.
func (c *Chain) OnRequest(h RequestHandler) *Chain {
	c.request = append(c.request, h)
	return c
}

// OnResponse appends a response handler.
func (c *Chain) OnResponse(h ResponseHandler) *Chain {
	c.response = append(c.response, h)
	return c
}

// HandleRequest implements RequestHandler over the registered handlers.
// It stops as soon as the session leaves the fresh state: a later handler
// must not mutate a request another one has already short-circuited.
func (c *Chain) HandleRequest(ctx context.Context, s *session.Session) error {
	for _, h := range c.request {
		if s.State() != session.StateFresh {
			return nil
		}
		if err := h.HandleRequest(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// HandleResponse implements ResponseHandler over the registered handlers.
func (c *Chain) HandleResponse(ctx context.Context, s *session.Session) error {
	for _, h := range c.response {
		if err := h.HandleResponse(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Passthrough is a handler that forwards every exchange unchanged.
type Passthrough struct{}

// NewPassthrough creates a passthrough handler.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

// HandleRequest returns without touching the session.
func (p *Passthrough) HandleRequest(ctx context.Context, s *session.Session) error {
	return nil
}

// HandleResponse returns without touching the session.
func (p *Passthrough) HandleResponse(ctx context.Context, s *session.Session) error {
	return nil
}

// Compile-time checks that the chain and passthrough satisfy both hook
// interfaces.
var (
	_ RequestHandler  = (*Chain)(nil)
	_ ResponseHandler = (*Chain)(nil)
	_ RequestHandler  = (*Passthrough)(nil)
	_ ResponseHandler = (*Passthrough)(nil)
)
