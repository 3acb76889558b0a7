package httpmsg

import "net/url"

// Request is a client HTTP request flowing through the proxy.
type Request struct {
	Message

	method string
	url    *url.URL

	// cancel means a synthetic response has been supplied and the request
	// must not be forwarded upstream.
	cancel bool
}

// NewRequest returns a request with unknown content length.
func NewRequest(method string, u *url.URL, v Version) *Request {
	r := &Request{method: method, url: u}
	r.version = v
	r.contentLength = -1
	return r
}

// Method returns the request method token.
func (r *Request) Method() string { return r.method }

// SetMethod sets the request method token.
func (r *Request) SetMethod(method string) error {
	if r.locked {
		return ErrLocked
	}
	r.method = method
	return nil
}

// URL returns the request target.
func (r *Request) URL() *url.URL { return r.url }

// SetURL sets the request target.
func (r *Request) SetURL(u *url.URL) error {
	if r.locked {
		return ErrLocked
	}
	r.url = u
	return nil
}

// Host returns the authority the request is addressed to: the URL host
// when present, else the Host header.
func (r *Request) Host() string {
	if r.url != nil && r.url.Host != "" {
		return r.url.Host
	}
	host, _ := r.Header("Host")
	return host
}

// CancelRequest reports whether forwarding has been short-circuited by a
// synthetic response.
func (r *Request) CancelRequest() bool { return r.cancel }

// SetCancelRequest marks the request as short-circuited.
func (r *Request) SetCancelRequest(cancel bool) { r.cancel = cancel }

// MethodAllowsBody reports whether the method conventionally carries a
// payload. Body reads on other methods are rejected rather than attempted.
func MethodAllowsBody(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}
