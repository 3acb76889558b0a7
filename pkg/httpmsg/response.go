package httpmsg

import "strconv"

// Response is an origin (or synthetic) HTTP response flowing through the
// proxy.
type Response struct {
	Message

	statusCode int
	reason     string
}

// NewResponse returns a response with unknown content length.
func NewResponse(code int, reason string, v Version) *Response {
	r := &Response{statusCode: code, reason: reason}
	r.version = v
	r.contentLength = -1
	return r
}

// NewOKResponse builds a minimal 200 response around body. The body is
// installed via SetBody so Content-Length is already correct. contentType
// may be empty.
func NewOKResponse(body []byte, contentType string) *Response {
	r := NewResponse(200, "OK", Version11)
	if contentType != "" {
		r.setHeader("Content-Type", contentType)
	}
	r.SetBody(body)
	return r
}

// NewTextResponse builds a synthetic response carrying a UTF-8 text body
// under the given status.
func NewTextResponse(code int, reason, text string) *Response {
	r := NewResponse(code, reason, Version11)
	r.setHeader("Content-Type", "text/plain; charset=utf-8")
	r.SetBody([]byte(text))
	return r
}

// NewRedirectResponse builds a 302 response pointing at location, with an
// empty body.
func NewRedirectResponse(location string) *Response {
	r := NewResponse(302, "Found", Version11)
	r.setHeader("Location", location)
	r.SetBody(nil)
	return r
}

// StatusCode returns the status code.
func (r *Response) StatusCode() int { return r.statusCode }

// Reason returns the reason phrase.
func (r *Response) Reason() string { return r.reason }

// SetStatus sets the status line fields.
func (r *Response) SetStatus(code int, reason string) error {
	if r.locked {
		return ErrLocked
	}
	r.statusCode = code
	r.reason = reason
	return nil
}

// StatusLine returns the status line without the trailing CRLF, e.g.
// "HTTP/1.1 200 OK".
func (r *Response) StatusLine() string {
	return r.version.String() + " " + strconv.Itoa(r.statusCode) + " " + r.reason
}
