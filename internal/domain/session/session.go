package session

import (
	"context"

	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// Body accessors. Each is idempotent with respect to the wire: the body
// is fetched at most once per message and cached; repeat calls return the
// cached buffer. Request accessors are valid only before the request is
// locked, response accessors only after.

// RequestBody returns the request body, reading and decompressing it from
// the client stream on first call.
func (s *Session) RequestBody(ctx context.Context) ([]byte, error) {
	if err := s.requestGate("read request body"); err != nil {
		return nil, err
	}
	if err := s.ensureRequestBody(ctx); err != nil {
		return nil, err
	}
	body, _ := s.web.Request.Body()
	return body, nil
}

// RequestBodyString returns the request body decoded per its declared
// charset, memoized until the body is replaced.
func (s *Session) RequestBodyString(ctx context.Context) (string, error) {
	if err := s.requestGate("read request body"); err != nil {
		return "", err
	}
	if err := s.ensureRequestBody(ctx); err != nil {
		return "", err
	}
	return s.web.Request.BodyText(), nil
}

// SetRequestBody replaces the request body. A body still sitting unread
// on the client stream is drained first so the connection stays
// positioned at the next message.
func (s *Session) SetRequestBody(ctx context.Context, body []byte) error {
	if err := s.requestGate("replace request body"); err != nil {
		return err
	}
	if err := s.drainRequestBody(ctx); err != nil {
		return err
	}
	s.web.Request.SetBody(body)
	return nil
}

// SetRequestBodyString encodes text per the request's declared charset
// and replaces the body with the result.
func (s *Session) SetRequestBodyString(ctx context.Context, text string) error {
	if err := s.requestGate("replace request body"); err != nil {
		return err
	}
	if err := s.drainRequestBody(ctx); err != nil {
		return err
	}
	s.web.Request.SetBodyText(text)
	return nil
}

// ResponseBody returns the response body, reading and decompressing it
// from the server stream on first call.
func (s *Session) ResponseBody(ctx context.Context) ([]byte, error) {
	resp, err := s.responseGate("read response body")
	if err != nil {
		return nil, err
	}
	if err := s.ensureResponseBody(ctx, resp); err != nil {
		return nil, err
	}
	body, _ := resp.Body()
	return body, nil
}

// ResponseBodyString returns the response body decoded per its declared
// charset.
func (s *Session) ResponseBodyString(ctx context.Context) (string, error) {
	resp, err := s.responseGate("read response body")
	if err != nil {
		return "", err
	}
	if err := s.ensureResponseBody(ctx, resp); err != nil {
		return "", err
	}
	return resp.BodyText(), nil
}

// SetResponseBody replaces the response body, draining an unread wire
// body first.
func (s *Session) SetResponseBody(ctx context.Context, body []byte) error {
	resp, err := s.responseGate("replace response body")
	if err != nil {
		return err
	}
	if err := s.drainResponseBody(ctx, resp); err != nil {
		return err
	}
	resp.SetBody(body)
	return nil
}

// SetResponseBodyString encodes text per the response's declared charset
// and replaces the body with the result.
func (s *Session) SetResponseBodyString(ctx context.Context, text string) error {
	resp, err := s.responseGate("replace response body")
	if err != nil {
		return err
	}
	if err := s.drainResponseBody(ctx, resp); err != nil {
		return err
	}
	resp.SetBodyText(text)
	return nil
}

// requestGate admits request-body operations only while the request can
// still change: before it has been committed or short-circuited.
func (s *Session) requestGate(op string) error {
	if s.state != StateFresh {
		return &SessionStateError{Op: op, State: s.state, Hint: "request already committed"}
	}
	return nil
}

// responseGate admits response-body operations only once a response
// exists, which implies the request is locked.
func (s *Session) responseGate(op string) (*httpmsg.Response, error) {
	switch s.state {
	case StateFresh:
		return nil, &SessionStateError{Op: op, State: s.state, Hint: "no response until the request is sent"}
	case StateComplete:
		return nil, &SessionStateError{Op: op, State: s.state, Hint: "session is finished"}
	}
	if s.web.Response == nil {
		return nil, &SessionStateError{Op: op, State: s.state, Hint: "no response installed"}
	}
	return s.web.Response, nil
}

// ensureRequestBody populates the request body cache from the client
// stream if it has not been read yet. Only methods that conventionally
// carry a payload are read; others are rejected. The HTTP/1.0
// read-to-close fallback reads the client side: that is where a request
// body arrives from.
func (s *Session) ensureRequestBody(ctx context.Context) error {
	req := s.web.Request
	if req.BodyRead() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !httpmsg.MethodAllowsBody(req.Method()) {
		return &NoBodyError{Method: req.Method()}
	}
	raw, err := httpmsg.ReadBody(s.client.Reader(), httpmsg.FramingFor(&req.Message))
	if err != nil {
		return err
	}
	body, err := decodeBody(raw, req.ContentEncoding())
	if err != nil {
		return err
	}
	req.CacheWireBody(body)
	return nil
}

// drainRequestBody consumes an unread wire body before a replacement is
// installed. Methods without a payload have nothing on the wire to drain.
func (s *Session) drainRequestBody(ctx context.Context) error {
	req := s.web.Request
	if req.BodyRead() || !httpmsg.MethodAllowsBody(req.Method()) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := httpmsg.DrainBody(s.client.Reader(), httpmsg.FramingFor(&req.Message)); err != nil {
		return err
	}
	req.MarkBodyRead()
	return nil
}

// ensureResponseBody populates the response body cache from the server
// stream using the response's own framing and encoding.
func (s *Session) ensureResponseBody(ctx context.Context, resp *httpmsg.Response) error {
	if resp.BodyRead() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := httpmsg.ReadBody(s.web.server.Reader(), httpmsg.FramingFor(&resp.Message))
	if err != nil {
		return err
	}
	body, err := decodeBody(raw, resp.ContentEncoding())
	if err != nil {
		return err
	}
	resp.CacheWireBody(body)
	return nil
}

func (s *Session) drainResponseBody(ctx context.Context, resp *httpmsg.Response) error {
	if resp.BodyRead() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := httpmsg.DrainBody(s.web.server.Reader(), httpmsg.FramingFor(&resp.Message)); err != nil {
		return err
	}
	resp.MarkBodyRead()
	return nil
}

// decodeBody runs wire bytes through the strategy for their content
// encoding. Empty bodies skip decompression: a stale encoding header on a
// bodiless message is not an error.
func decodeBody(raw []byte, contentEncoding string) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	return httpmsg.DecompressorFor(contentEncoding).Decompress(raw)
}

// State transitions. Explicit and checked; side effects on the messages
// happen here and nowhere else.

// LockRequest commits the request: Fresh -> RequestLocked. The forwarder
// calls this immediately before writing upstream.
func (s *Session) LockRequest() error {
	if s.state != StateFresh {
		return &SessionStateError{Op: "lock request", State: s.state}
	}
	s.web.Request.Lock()
	s.state = StateRequestLocked
	return nil
}

// InstallResponse attaches the origin server's response:
// RequestLocked -> ResponseInstalled. The response stays unlocked so
// interception handlers can still rewrite it before it is committed to
// the client.
func (s *Session) InstallResponse(resp *httpmsg.Response) error {
	if s.state != StateRequestLocked {
		return &SessionStateError{Op: "install response", State: s.state}
	}
	s.web.Response = resp
	s.state = StateResponseInstalled
	return nil
}

// Complete marks the exchange finished. Valid from any state: a dropped
// connection tears the session down wherever it was.
func (s *Session) Complete() {
	s.state = StateComplete
}

// Respond short-circuits the exchange with a synthetic response: the
// request is locked, the response is installed locked with its body
// considered already read, and the transport layer writes it to the
// client instead of forwarding. Valid only while the request is still
// fresh.
func (s *Session) Respond(resp *httpmsg.Response) error {
	if s.state != StateFresh {
		return &SessionStateError{Op: "respond", State: s.state, Hint: "request already committed"}
	}
	s.web.Request.Lock()
	resp.Lock()
	resp.MarkBodyRead()
	s.web.Response = resp
	s.state = StateResponseInstalled
	return nil
}

// Ok short-circuits with a 200 response carrying body.
func (s *Session) Ok(body []byte, contentType string) error {
	if err := s.Respond(httpmsg.NewOKResponse(body, contentType)); err != nil {
		return err
	}
	s.web.Request.SetCancelRequest(true)
	return nil
}

// OkText short-circuits with a 200 text response. The text is encoded
// UTF-8 and the Content-Type charset says so.
func (s *Session) OkText(text string) error {
	return s.Ok([]byte(text), "text/plain; charset=utf-8")
}

// Redirect short-circuits with a 302 pointing at location.
func (s *Session) Redirect(location string) error {
	if err := s.Respond(httpmsg.NewRedirectResponse(location)); err != nil {
		return err
	}
	s.web.Request.SetCancelRequest(true)
	return nil
}
