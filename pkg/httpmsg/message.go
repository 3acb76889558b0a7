// Package httpmsg provides the HTTP/1.x message model, body framing and
// content decoding for the titanium proxy.
package httpmsg

import (
	"mime"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Version is an HTTP protocol version.
type Version struct {
	Major int
	Minor int
}

var (
	// Version10 is HTTP/1.0.
	Version10 = Version{1, 0}
	// Version11 is HTTP/1.1.
	Version11 = Version{1, 1}
)

// String returns the version in request-line form, e.g. "HTTP/1.1".
func (v Version) String() string {
	return "HTTP/" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Header is a single name/value pair. Messages keep headers as an ordered
// list so duplicates and their relative order survive a round trip.
type Header struct {
	Name  string
	Value string
}

// Message is the shared shape of requests and responses: an ordered header
// list, protocol version, body framing metadata and a cached body.
//
// A message starts unlocked. Locking it freezes method/target/status,
// headers and framing; only explicit body replacement (which recomputes
// Content-Length) remains permitted. The zero value has Content-Length 0;
// use the NewRequest/NewResponse constructors, which start at -1 (unknown).
type Message struct {
	headers []Header
	version Version

	contentLength   int64
	chunked         bool
	contentEncoding string

	rawBody    []byte
	bodyRead   bool
	bodyText   string
	bodyTextOK bool

	locked bool
}

// Version returns the message's protocol version.
func (m *Message) Version() Version { return m.version }

// SetVersion sets the protocol version.
func (m *Message) SetVersion(v Version) error {
	if m.locked {
		return ErrLocked
	}
	m.version = v
	return nil
}

// Headers returns a copy of the header list in insertion order.
func (m *Message) Headers() []Header {
	out := make([]Header, len(m.headers))
	copy(out, m.headers)
	return out
}

// Header returns the value of the first header with the given name
// (case-insensitive) and whether one was present.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderValues returns all values for the given name in order.
func (m *Message) HeaderValues(name string) []string {
	var out []string
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// AddHeader appends a header, preserving any existing ones with the same
// name.
func (m *Message) AddHeader(name, value string) error {
	if m.locked {
		return ErrLocked
	}
	m.headers = append(m.headers, Header{Name: name, Value: value})
	m.syncFraming(name, value)
	return nil
}

// SetHeader replaces the first header with the given name and removes any
// duplicates; if none exists the header is appended.
func (m *Message) SetHeader(name, value string) error {
	if m.locked {
		return ErrLocked
	}
	m.setHeader(name, value)
	m.syncFraming(name, value)
	return nil
}

func (m *Message) setHeader(name, value string) {
	replaced := false
	kept := m.headers[:0]
	for _, h := range m.headers {
		if strings.EqualFold(h.Name, name) {
			if replaced {
				continue
			}
			h.Value = value
			replaced = true
		}
		kept = append(kept, h)
	}
	m.headers = kept
	if !replaced {
		m.headers = append(m.headers, Header{Name: name, Value: value})
	}
}

// DelHeader removes every header with the given name.
func (m *Message) DelHeader(name string) error {
	if m.locked {
		return ErrLocked
	}
	kept := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	m.headers = kept
	switch {
	case strings.EqualFold(name, "Content-Length"):
		m.contentLength = -1
	case strings.EqualFold(name, "Transfer-Encoding"):
		m.chunked = false
	case strings.EqualFold(name, "Content-Encoding"):
		m.contentEncoding = ""
	}
	return nil
}

// syncFraming keeps the framing fields in step with the headers that
// define them.
func (m *Message) syncFraming(name, value string) {
	switch {
	case strings.EqualFold(name, "Content-Length"):
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && n >= 0 {
			m.contentLength = n
		}
	case strings.EqualFold(name, "Transfer-Encoding"):
		if strings.Contains(strings.ToLower(value), "chunked") {
			m.chunked = true
		}
	case strings.EqualFold(name, "Content-Encoding"):
		m.contentEncoding = strings.ToLower(strings.TrimSpace(value))
	}
}

// ContentLength returns the declared body length; -1 means unknown or
// chunked.
func (m *Message) ContentLength() int64 { return m.contentLength }

// SetContentLength sets the declared body length and the Content-Length
// header. A negative value removes the header.
func (m *Message) SetContentLength(n int64) error {
	if m.locked {
		return ErrLocked
	}
	m.contentLength = n
	if n < 0 {
		kept := m.headers[:0]
		for _, h := range m.headers {
			if !strings.EqualFold(h.Name, "Content-Length") {
				kept = append(kept, h)
			}
		}
		m.headers = kept
		return nil
	}
	m.setHeader("Content-Length", strconv.FormatInt(n, 10))
	return nil
}

// IsChunked reports whether the body uses chunked transfer coding.
func (m *Message) IsChunked() bool { return m.chunked }

// SetChunked switches the body to or from chunked transfer coding,
// adjusting Transfer-Encoding and Content-Length to match. Chunked framing
// advertises no fixed length, so enabling it sets Content-Length to -1.
func (m *Message) SetChunked(chunked bool) error {
	if m.locked {
		return ErrLocked
	}
	m.chunked = chunked
	if chunked {
		m.setHeader("Transfer-Encoding", "chunked")
		m.contentLength = -1
		kept := m.headers[:0]
		for _, h := range m.headers {
			if !strings.EqualFold(h.Name, "Content-Length") {
				kept = append(kept, h)
			}
		}
		m.headers = kept
		return nil
	}
	kept := m.headers[:0]
	for _, h := range m.headers {
		if !strings.EqualFold(h.Name, "Transfer-Encoding") {
			kept = append(kept, h)
		}
	}
	m.headers = kept
	return nil
}

// ContentEncoding returns the lowercased Content-Encoding token, or "".
func (m *Message) ContentEncoding() string { return m.contentEncoding }

// Charset returns the charset parameter of the Content-Type header, or ""
// when absent or unparsable.
func (m *Message) Charset() string {
	ct, ok := m.Header("Content-Type")
	if !ok {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// Locked reports whether the message has been committed to the wire.
func (m *Message) Locked() bool { return m.locked }

// Lock freezes the message. Idempotent.
func (m *Message) Lock() { m.locked = true }

// BodyRead reports whether the body has been populated, whether from the
// wire or by replacement. True with an empty body means "read and absent".
func (m *Message) BodyRead() bool { return m.bodyRead }

// Body returns the cached body and whether it has been populated. The
// returned slice is the cache itself; treat it as read-only.
func (m *Message) Body() ([]byte, bool) {
	return m.rawBody, m.bodyRead
}

// CacheWireBody records body as the bytes read from the wire. It does not
// touch the framing fields: a wire read observes the framing, it does not
// define it. A second call is a no-op so repeat reads stay idempotent.
func (m *Message) CacheWireBody(body []byte) {
	if m.bodyRead {
		return
	}
	m.rawBody = body
	m.bodyRead = true
	m.bodyText, m.bodyTextOK = "", false
}

// MarkBodyRead flags the body as populated without supplying bytes. Used
// for bodiless messages and synthetic responses whose body was never on a
// wire.
func (m *Message) MarkBodyRead() {
	m.bodyRead = true
}

// SetBody replaces the body and performs the length bookkeeping that
// replacement implies: Content-Length becomes the new byte length, or -1
// when the message is chunked. The decoded-text memo is invalidated.
// Replacement bookkeeping is permitted even on a locked message; callers
// that need a state gate apply their own before calling.
func (m *Message) SetBody(body []byte) {
	m.rawBody = body
	m.bodyRead = true
	m.bodyText, m.bodyTextOK = "", false
	if m.chunked {
		m.contentLength = -1
		return
	}
	m.contentLength = int64(len(body))
	m.setHeader("Content-Length", strconv.FormatInt(m.contentLength, 10))
}

// BodyText returns the cached body decoded per the declared charset,
// memoized until the body is replaced. Unknown charsets fall back to
// interpreting the bytes as UTF-8.
func (m *Message) BodyText() string {
	if m.bodyTextOK {
		return m.bodyText
	}
	m.bodyText = decodeCharset(m.rawBody, m.Charset())
	m.bodyTextOK = true
	return m.bodyText
}

// SetBodyText encodes text per the declared charset and replaces the body
// with the result.
func (m *Message) SetBodyText(text string) {
	m.SetBody(encodeCharset(text, m.Charset()))
}

func decodeCharset(b []byte, charset string) string {
	if len(b) == 0 {
		return ""
	}
	enc := lookupCharset(charset)
	if enc == nil {
		return string(b)
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

func encodeCharset(s string, charset string) []byte {
	if s == "" {
		return []byte{}
	}
	enc := lookupCharset(charset)
	if enc == nil {
		return []byte(s)
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return out
}

func lookupCharset(charset string) encoding.Encoding {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil
	}
	return enc
}
