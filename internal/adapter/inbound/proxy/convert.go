package proxy

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// net/http is used strictly as a header tokenizer. The parsed Body is
// never touched, so the shared bufio.Reader stays positioned at the first
// body byte and framing remains this package's concern.

// requestFromHTTP adapts a net/http parse result into the message model.
func requestFromHTTP(r *http.Request) *httpmsg.Request {
	v := httpmsg.Version{Major: r.ProtoMajor, Minor: r.ProtoMinor}
	req := httpmsg.NewRequest(r.Method, r.URL, v)
	// ReadRequest lifts Host out of the header map; put it back so the
	// outgoing header block leads with it.
	if r.Host != "" {
		_ = req.AddHeader("Host", r.Host)
	}
	ingestHeaders(&req.Message, r.Header)
	applyParsedFraming(&req.Message, r.TransferEncoding, r.ContentLength, r.Header)
	return req
}

// responseFromHTTP adapts a net/http response parse result into the
// message model.
func responseFromHTTP(r *http.Response) *httpmsg.Response {
	v := httpmsg.Version{Major: r.ProtoMajor, Minor: r.ProtoMinor}
	resp := httpmsg.NewResponse(r.StatusCode, reasonPhrase(r), v)
	ingestHeaders(&resp.Message, r.Header)
	applyParsedFraming(&resp.Message, r.TransferEncoding, r.ContentLength, r.Header)
	return resp
}

// ingestHeaders copies parsed headers into the message. Map iteration
// order is randomized, so keys go in sorted for a deterministic header
// block; values under one key keep their wire order.
func ingestHeaders(m *httpmsg.Message, h http.Header) {
	keys := make([]string, 0, len(h))
	for k := range h {
		if skipIngest(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			_ = m.AddHeader(k, v)
		}
	}
}

// skipIngest filters header keys whose authority lives elsewhere after
// parsing: net/http lifts Host and Transfer-Encoding out of the map and
// owns the final word on Content-Length.
func skipIngest(key string) bool {
	return strings.EqualFold(key, "Host") ||
		strings.EqualFold(key, "Content-Length") ||
		strings.EqualFold(key, "Transfer-Encoding")
}

// applyParsedFraming reproduces on the message what the tokenizer decided
// about the body: chunked framing, or an explicit Content-Length. With
// neither signal the message keeps its unknown-length default and the
// body decision table takes over.
func applyParsedFraming(m *httpmsg.Message, te []string, contentLength int64, h http.Header) {
	if chunkedTransfer(te) {
		_ = m.SetChunked(true)
		return
	}
	if _, ok := h["Content-Length"]; ok && contentLength >= 0 {
		_ = m.SetContentLength(contentLength)
	}
}

func chunkedTransfer(te []string) bool {
	for _, t := range te {
		if t == "chunked" {
			return true
		}
	}
	return false
}

// reasonPhrase recovers the reason text from the parsed status line,
// falling back to the standard text for the code.
func reasonPhrase(r *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(r.Status, strconv.Itoa(r.StatusCode)))
	if reason == "" {
		reason = http.StatusText(r.StatusCode)
	}
	return reason
}

// responseCarriesBody reports whether a response to method may carry a
// payload at all: HEAD responses and 1xx/204/304 are header-only no
// matter what their framing headers claim.
func responseCarriesBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}
