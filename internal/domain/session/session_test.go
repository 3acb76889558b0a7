package session

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// testStream wraps a fixed byte source as a session Stream.
type testStream struct {
	br *bufio.Reader
}

func newTestStream(data string) *testStream {
	return &testStream{br: bufio.NewReader(strings.NewReader(data))}
}

func (t *testStream) Reader() *bufio.Reader { return t.br }

func (t *testStream) remainder(tb testing.TB) string {
	tb.Helper()
	rest, err := io.ReadAll(t.br)
	if err != nil {
		tb.Fatalf("read remainder: %v", err)
	}
	return string(rest)
}

func newTestRequest(tb testing.TB, method string, headers ...httpmsg.Header) *httpmsg.Request {
	tb.Helper()
	u, err := url.Parse("http://example.com/path")
	if err != nil {
		tb.Fatalf("parse url: %v", err)
	}
	req := httpmsg.NewRequest(method, u, httpmsg.Version11)
	for _, h := range headers {
		if err := req.AddHeader(h.Name, h.Value); err != nil {
			tb.Fatalf("AddHeader(%s): %v", h.Name, err)
		}
	}
	return req
}

func newTestSession(req *httpmsg.Request, clientData string) (*Session, *testStream) {
	client := newTestStream(clientData)
	return NewSession(NewWebSession(req), client), client
}

func gzipCompress(tb testing.TB, data []byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		tb.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestRequestBody_ReadsOnceAndCaches(t *testing.T) {
	req := newTestRequest(t, "POST", httpmsg.Header{Name: "Content-Length", Value: "5"})
	s, client := newTestSession(req, "helloNEXT")
	ctx := context.Background()

	first, err := s.RequestBody(ctx)
	if err != nil {
		t.Fatalf("RequestBody: %v", err)
	}
	if string(first) != "hello" {
		t.Errorf("body = %q, want %q", first, "hello")
	}

	second, err := s.RequestBody(ctx)
	if err != nil {
		t.Fatalf("second RequestBody: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("second read = %q, want identical %q", second, first)
	}

	// A second wire read would have consumed these bytes.
	if rest := client.remainder(t); rest != "NEXT" {
		t.Errorf("client remainder = %q, want %q", rest, "NEXT")
	}
}

func TestRequestBody_MethodWithoutBody(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")

	_, err := s.RequestBody(context.Background())
	if !errors.Is(err, ErrNoBody) {
		t.Fatalf("err = %v, want ErrNoBody", err)
	}

	var nbe *NoBodyError
	if !errors.As(err, &nbe) {
		t.Fatalf("errors.As(*NoBodyError) = false, err = %v", err)
	}
	if nbe.Method != "GET" {
		t.Errorf("Method = %q, want GET", nbe.Method)
	}
}

func TestRequestBody_Decompresses(t *testing.T) {
	payload := []byte("compressed request payload")
	compressed := gzipCompress(t, payload)

	req := newTestRequest(t, "POST", httpmsg.Header{Name: "Content-Encoding", Value: "gzip"})
	if err := req.SetContentLength(int64(len(compressed))); err != nil {
		t.Fatalf("SetContentLength: %v", err)
	}
	s, _ := newTestSession(req, string(compressed))

	body, err := s.RequestBody(context.Background())
	if err != nil {
		t.Fatalf("RequestBody: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("body = %q, want %q", body, payload)
	}
}

func TestRequestBody_HTTP10ReadsClientToClose(t *testing.T) {
	u, _ := url.Parse("http://example.com/submit")
	req := httpmsg.NewRequest("POST", u, httpmsg.Version10)
	s, _ := newTestSession(req, "entire stream is the body")

	body, err := s.RequestBody(context.Background())
	if err != nil {
		t.Fatalf("RequestBody: %v", err)
	}
	if string(body) != "entire stream is the body" {
		t.Errorf("body = %q, want the whole client stream", body)
	}
}

func TestRequestBody_ShortBodyIsTransportError(t *testing.T) {
	req := newTestRequest(t, "POST", httpmsg.Header{Name: "Content-Length", Value: "13"})
	s, _ := newTestSession(req, "Hello, wor")

	_, err := s.RequestBody(context.Background())
	if !errors.Is(err, httpmsg.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

func TestRequestBody_AfterLock(t *testing.T) {
	req := newTestRequest(t, "POST", httpmsg.Header{Name: "Content-Length", Value: "5"})
	s, _ := newTestSession(req, "hello")

	if err := s.LockRequest(); err != nil {
		t.Fatalf("LockRequest: %v", err)
	}

	_, err := s.RequestBody(context.Background())
	if !errors.Is(err, ErrSessionState) {
		t.Fatalf("err = %v, want ErrSessionState", err)
	}

	if err := s.SetRequestBody(context.Background(), []byte("new")); !errors.Is(err, ErrSessionState) {
		t.Errorf("SetRequestBody err = %v, want ErrSessionState", err)
	}
}

func TestSetRequestBody_DrainsUnreadWireBody(t *testing.T) {
	req := newTestRequest(t, "POST", httpmsg.Header{Name: "Transfer-Encoding", Value: "chunked"})
	s, client := newTestSession(req, "5\r\nstale\r\n0\r\n\r\nNEXT")
	ctx := context.Background()

	if err := s.SetRequestBody(ctx, []byte("replacement")); err != nil {
		t.Fatalf("SetRequestBody: %v", err)
	}

	if rest := client.remainder(t); rest != "NEXT" {
		t.Errorf("client remainder = %q, want %q (wire body must be drained)", rest, "NEXT")
	}

	body, err := s.RequestBody(ctx)
	if err != nil {
		t.Fatalf("RequestBody: %v", err)
	}
	if string(body) != "replacement" {
		t.Errorf("body = %q, want %q", body, "replacement")
	}

	// Chunked framing advertises no fixed length.
	if got := req.ContentLength(); got != -1 {
		t.Errorf("ContentLength = %d, want -1", got)
	}
}

func TestSetRequestBody_RecomputesContentLength(t *testing.T) {
	req := newTestRequest(t, "POST", httpmsg.Header{Name: "Content-Length", Value: "5"})
	s, _ := newTestSession(req, "hello")

	if err := s.SetRequestBody(context.Background(), []byte("longer than before")); err != nil {
		t.Fatalf("SetRequestBody: %v", err)
	}
	if got := req.ContentLength(); got != int64(len("longer than before")) {
		t.Errorf("ContentLength = %d, want %d", got, len("longer than before"))
	}
}

func TestSetRequestBody_NoWireBodyToDrain(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, client := newTestSession(req, "NEXT")

	if err := s.SetRequestBody(context.Background(), []byte("injected")); err != nil {
		t.Fatalf("SetRequestBody: %v", err)
	}
	if rest := client.remainder(t); rest != "NEXT" {
		t.Errorf("client remainder = %q, want untouched %q", rest, "NEXT")
	}
}

func TestResponseAccessors_BeforeRequestLocked(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")
	ctx := context.Background()

	if _, err := s.ResponseBody(ctx); !errors.Is(err, ErrSessionState) {
		t.Errorf("ResponseBody err = %v, want ErrSessionState", err)
	}
	if err := s.SetResponseBody(ctx, []byte("x")); !errors.Is(err, ErrSessionState) {
		t.Errorf("SetResponseBody err = %v, want ErrSessionState", err)
	}
}

func TestResponseBody_ReadsServerStream(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, client := newTestSession(req, "CLIENT BYTES")
	ctx := context.Background()

	if err := s.LockRequest(); err != nil {
		t.Fatalf("LockRequest: %v", err)
	}

	server := newTestStream("server payloadNEXT")
	s.Web().SetServer(server)

	resp := httpmsg.NewResponse(200, "OK", httpmsg.Version11)
	if err := resp.SetContentLength(int64(len("server payload"))); err != nil {
		t.Fatalf("SetContentLength: %v", err)
	}
	if err := s.InstallResponse(resp); err != nil {
		t.Fatalf("InstallResponse: %v", err)
	}

	body, err := s.ResponseBody(ctx)
	if err != nil {
		t.Fatalf("ResponseBody: %v", err)
	}
	if string(body) != "server payload" {
		t.Errorf("body = %q, want %q", body, "server payload")
	}
	if rest := server.remainder(t); rest != "NEXT" {
		t.Errorf("server remainder = %q, want %q", rest, "NEXT")
	}
	if rest := client.remainder(t); rest != "CLIENT BYTES" {
		t.Errorf("client stream consumed: remainder %q", rest)
	}
}

func TestSetResponseBody_DrainsAndReplaces(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")
	ctx := context.Background()

	if err := s.LockRequest(); err != nil {
		t.Fatalf("LockRequest: %v", err)
	}
	server := newTestStream("old bodyNEXT")
	s.Web().SetServer(server)

	resp := httpmsg.NewResponse(200, "OK", httpmsg.Version11)
	if err := resp.SetContentLength(int64(len("old body"))); err != nil {
		t.Fatalf("SetContentLength: %v", err)
	}
	if err := s.InstallResponse(resp); err != nil {
		t.Fatalf("InstallResponse: %v", err)
	}

	if err := s.SetResponseBody(ctx, []byte("rewritten")); err != nil {
		t.Fatalf("SetResponseBody: %v", err)
	}
	if rest := server.remainder(t); rest != "NEXT" {
		t.Errorf("server remainder = %q, want %q (old body must be drained)", rest, "NEXT")
	}

	body, err := s.ResponseBody(ctx)
	if err != nil {
		t.Fatalf("ResponseBody: %v", err)
	}
	if string(body) != "rewritten" {
		t.Errorf("body = %q, want %q", body, "rewritten")
	}
	if got := resp.ContentLength(); got != int64(len("rewritten")) {
		t.Errorf("ContentLength = %d, want %d", got, len("rewritten"))
	}
}

func TestOk_ShortCircuits(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")

	if err := s.OkText("hello"); err != nil {
		t.Fatalf("OkText: %v", err)
	}

	if s.State() != StateResponseInstalled {
		t.Errorf("state = %v, want %v", s.State(), StateResponseInstalled)
	}
	if !s.ShortCircuited() {
		t.Error("ShortCircuited = false, want true")
	}
	if !req.Locked() {
		t.Error("request not locked after Ok")
	}

	resp := s.Response()
	if resp == nil {
		t.Fatal("no response installed")
	}
	if resp.StatusCode() != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode())
	}
	if !resp.Locked() || !resp.BodyRead() {
		t.Errorf("response locked=%v bodyRead=%v, want both true", resp.Locked(), resp.BodyRead())
	}
	body, _ := resp.Body()
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}

	// The request window is closed now.
	if _, err := s.RequestBody(context.Background()); !errors.Is(err, ErrSessionState) {
		t.Errorf("RequestBody err = %v, want ErrSessionState", err)
	}
}

func TestRedirect_ShortCircuits(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")

	if err := s.Redirect("https://example.com"); err != nil {
		t.Fatalf("Redirect: %v", err)
	}

	resp := s.Response()
	if resp == nil {
		t.Fatal("no response installed")
	}
	if resp.StatusCode() != 302 {
		t.Errorf("StatusCode = %d, want 302", resp.StatusCode())
	}
	loc, ok := resp.Header("Location")
	if !ok || loc != "https://example.com" {
		t.Errorf("Location = %q, want %q", loc, "https://example.com")
	}
	body, _ := resp.Body()
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
	if !s.ShortCircuited() {
		t.Error("ShortCircuited = false, want true")
	}
}

func TestRespond_AfterLockFails(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")

	if err := s.LockRequest(); err != nil {
		t.Fatalf("LockRequest: %v", err)
	}

	err := s.Respond(httpmsg.NewOKResponse(nil, ""))
	if !errors.Is(err, ErrSessionState) {
		t.Fatalf("err = %v, want ErrSessionState", err)
	}
}

func TestStateTransitions_Checked(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")

	if err := s.InstallResponse(httpmsg.NewResponse(200, "OK", httpmsg.Version11)); !errors.Is(err, ErrSessionState) {
		t.Errorf("InstallResponse from fresh: err = %v, want ErrSessionState", err)
	}

	if err := s.LockRequest(); err != nil {
		t.Fatalf("LockRequest: %v", err)
	}
	if err := s.LockRequest(); !errors.Is(err, ErrSessionState) {
		t.Errorf("second LockRequest: err = %v, want ErrSessionState", err)
	}

	if err := s.InstallResponse(httpmsg.NewResponse(200, "OK", httpmsg.Version11)); err != nil {
		t.Fatalf("InstallResponse: %v", err)
	}

	s.Complete()
	if s.State() != StateComplete {
		t.Errorf("state = %v, want %v", s.State(), StateComplete)
	}
	if _, err := s.ResponseBody(context.Background()); !errors.Is(err, ErrSessionState) {
		t.Errorf("ResponseBody after complete: err = %v, want ErrSessionState", err)
	}
}

func TestSession_Tags(t *testing.T) {
	req := newTestRequest(t, "GET")
	s, _ := newTestSession(req, "")

	s.AddTag("suspicious")
	s.AddTag("suspicious")
	s.AddTag("blocked")

	got := s.Tags()
	if len(got) != 2 || got[0] != "suspicious" || got[1] != "blocked" {
		t.Errorf("Tags = %v, want [suspicious blocked]", got)
	}
}
