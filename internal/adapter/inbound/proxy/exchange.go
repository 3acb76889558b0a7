package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/ctxkey"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/auth"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/ratelimit"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// clientConn is the per-connection state of one proxied client.
type clientConn struct {
	srv    *Server
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	logger *slog.Logger

	clientAddr string

	// origin is this connection's upstream, reused serially across
	// consecutive requests to the same authority.
	origin *upstream

	// secure marks requests arriving inside an intercepted TLS session;
	// connectHost carries the CONNECT authority they belong to.
	secure      bool
	connectHost string

	identity *auth.Identity
	admitted bool
}

// exchangeResult summarizes one exchange for capture and keep-alive.
type exchangeResult struct {
	outcome   string
	err       error
	keepAlive bool

	// Streamed payload byte counts; zero when the body went through the
	// session cache instead.
	requestBytes  int64
	responseBytes int64
}

// Reader exposes the client stream for request body reads.
func (cc *clientConn) Reader() *bufio.Reader { return cc.br }

func (cc *clientConn) closeOrigin() {
	if cc.origin != nil {
		_ = cc.origin.Close()
		cc.origin = nil
	}
}

// serve reads requests off the connection until the client leaves, stops
// keeping it alive, or the server shuts down.
func (cc *clientConn) serve(ctx context.Context) {
	defer cc.closeOrigin()
	for {
		if d := cc.srv.readHeaderTimeout; d > 0 {
			_ = cc.conn.SetReadDeadline(time.Now().Add(d))
		}
		r, err := http.ReadRequest(cc.br)
		if err != nil {
			if !isClientGone(err) {
				cc.writeDirect(httpmsg.NewTextResponse(400, "Bad Request", "malformed request\n"), true)
			}
			return
		}
		_ = cc.conn.SetReadDeadline(time.Time{})
		if ctx.Err() != nil {
			return
		}
		if !cc.admitted && !cc.admit(ctx) {
			return
		}
		if r.Method == http.MethodConnect {
			// A granted CONNECT consumes the connection, as tunnel bytes
			// or an intercepted TLS session; a refused one leaves it
			// parseable for a retry.
			if !cc.handleConnect(ctx, r) || ctx.Err() != nil {
				return
			}
			continue
		}
		if !cc.handleExchange(ctx, r) || ctx.Err() != nil {
			return
		}
	}
}

// admit applies the per-IP connection rate limit the first time a
// connection produces a request. Over-limit connections get a 429 and
// close. A broken limiter fails open.
func (cc *clientConn) admit(ctx context.Context) bool {
	cc.admitted = true
	if cc.srv.limiter == nil {
		return true
	}
	key := ratelimit.FormatKey(ratelimit.KeyTypeIP, hostOnly(cc.clientAddr))
	res, err := cc.srv.limiter.Allow(ctx, key, cc.srv.rateLimit)
	if err != nil {
		cc.logger.Warn("rate limit check failed", "error", err)
		return true
	}
	if res.Allowed {
		return true
	}
	cc.srv.metrics.RateLimitedTotal.Inc()
	cc.logger.Info("connection rate limited", "client_addr", cc.clientAddr)
	resp := httpmsg.NewTextResponse(429, "Too Many Requests", "rate limit exceeded\n")
	if res.RetryAfter > 0 {
		_ = resp.SetHeader("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)+1))
	}
	cc.writeDirect(resp, true)
	return false
}

// handleExchange drives one parsed request through the session pipeline:
// convert, authenticate, hook, forward or short-circuit, hook, deliver,
// capture. Reports whether the connection may serve another request.
func (cc *clientConn) handleExchange(ctx context.Context, r *http.Request) bool {
	if r.ProtoMajor != 1 {
		cc.writeDirect(httpmsg.NewTextResponse(505, "HTTP Version Not Supported", "only HTTP/1.x is proxied\n"), true)
		return false
	}
	if cc.secure {
		// Inside an intercepted TLS session requests arrive in origin
		// form; rebuild the absolute target the rest of the pipeline
		// expects.
		r.URL.Scheme = "https"
		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
		if r.URL.Host == "" {
			r.URL.Host = cc.connectHost
		}
	}
	if !r.URL.IsAbs() {
		cc.writeDirect(httpmsg.NewTextResponse(400, "Bad Request", "proxy requests must use an absolute target\n"), true)
		return false
	}
	if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		cc.writeDirect(httpmsg.NewTextResponse(400, "Bad Request", "unsupported scheme "+strconv.Quote(r.URL.Scheme)+"\n"), true)
		return false
	}

	req := requestFromHTTP(r)

	if !cc.authenticated(ctx, req) {
		return !r.Close
	}
	if cc.identity != nil {
		ctx = WithIdentity(ctx, cc.identity)
	}

	sess, err := cc.srv.registry.Begin(ctx, req, cc, cc.clientAddr)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) {
			cc.writeDirect(httpmsg.NewTextResponse(503, "Service Unavailable", "session limit reached\n"), true)
		} else {
			cc.logger.Error("session begin failed", "error", err)
			cc.writeDirect(httpmsg.NewTextResponse(500, "Internal Server Error", "session begin failed\n"), true)
		}
		return false
	}
	cc.srv.metrics.ActiveSessions.Inc()
	logger := cc.logger.With("session_id", sess.ID, "host", req.Host())
	ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, logger)

	res := cc.exchange(ctx, logger, sess, req, r)

	flow := capture.FromSession(sess, res.outcome, res.err)
	if res.requestBytes > 0 {
		flow.RequestBytes = res.requestBytes
	}
	if res.responseBytes > 0 {
		flow.ResponseBytes = res.responseBytes
	}
	if cc.srv.recorder != nil {
		cc.srv.recorder.Record(flow)
	}
	cc.srv.metrics.ExchangesTotal.WithLabelValues(res.outcome).Inc()
	cc.srv.metrics.ExchangeDuration.WithLabelValues(req.URL().Scheme).Observe(time.Since(sess.CreatedAt).Seconds())
	cc.srv.registry.Finish(ctx, sess)
	cc.srv.metrics.ActiveSessions.Dec()

	return res.keepAlive && ctx.Err() == nil
}

// authenticated enforces proxy auth when configured. On failure it drains
// any declared request body, answers 407 and reports false; the caller
// keeps the connection open so the client can retry with credentials.
func (cc *clientConn) authenticated(ctx context.Context, req *httpmsg.Request) bool {
	if cc.srv.auth == nil || cc.identity != nil {
		return true
	}
	identity, err := cc.srv.auth.Authenticate(ctx, req)
	if err != nil {
		cc.srv.metrics.AuthFailuresTotal.Inc()
		cc.drainDeclaredBody(req)
		cc.writeDirect(proxyAuthChallenge(), false)
		return false
	}
	cc.identity = identity
	return true
}

// exchange runs hooks and forwarding for one session. The outcome and
// error feed the capture record.
func (cc *clientConn) exchange(ctx context.Context, logger *slog.Logger, sess *session.Session, req *httpmsg.Request, r *http.Request) exchangeResult {
	if err := cc.srv.chain.HandleRequest(ctx, sess); err != nil {
		logger.Error("request hook failed", "error", err)
		cc.writeDirect(httpmsg.NewTextResponse(502, "Bad Gateway", "request interception failed\n"), true)
		return exchangeResult{outcome: capture.OutcomeFailed, err: err}
	}
	if sess.ShortCircuited() {
		return cc.deliverShortCircuit(sess, req, r)
	}
	return cc.forward(ctx, logger, sess, req, r)
}

// deliverShortCircuit writes the synthetic response a hook installed. Any
// request body still sitting on the wire is drained first so a kept-alive
// connection stays parseable.
func (cc *clientConn) deliverShortCircuit(sess *session.Session, req *httpmsg.Request, r *http.Request) exchangeResult {
	cc.drainDeclaredBody(req)
	res := exchangeResult{outcome: capture.OutcomeShortCircuited, keepAlive: !r.Close}
	if err := cc.writeSessionResponse(sess.Response(), req.Method()); err != nil {
		res.outcome = capture.OutcomeFailed
		res.err = err
		res.keepAlive = false
	}
	return res
}

// forward sends the request upstream and relays the origin's response
// back, streaming bodies the hooks never touched.
func (cc *clientConn) forward(ctx context.Context, logger *slog.Logger, sess *session.Session, req *httpmsg.Request, r *http.Request) exchangeResult {
	res := exchangeResult{keepAlive: !r.Close}

	origin, err := cc.ensureOrigin(ctx, req)
	if err != nil {
		logger.Warn("upstream dial failed", "error", err)
		cc.drainDeclaredBody(req)
		cc.writeDirect(httpmsg.NewTextResponse(502, "Bad Gateway", "upstream unreachable\n"), !res.keepAlive)
		res.outcome = capture.OutcomeFailed
		res.err = err
		return res
	}
	sess.Web().SetServer(origin)

	// Outgoing form: reconcile decoded caches, strip single-hop headers,
	// record this hop, then freeze.
	normalizeReadBody(&req.Message)
	stripHopByHop(&req.Message)
	addVia(&req.Message, req.Version())
	// A client waiting on 100-continue would deadlock against the body
	// relay; grant the continuation ourselves and spare the origin the
	// expectation.
	if v, ok := req.Header("Expect"); ok && strings.EqualFold(strings.TrimSpace(v), "100-continue") {
		_ = req.DelHeader("Expect")
		if _, werr := cc.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); werr == nil {
			_ = cc.bw.Flush()
		}
	}
	if err := sess.LockRequest(); err != nil {
		logger.Error("lock request failed", "error", err)
		cc.writeDirect(httpmsg.NewTextResponse(500, "Internal Server Error", "session state error\n"), true)
		return exchangeResult{outcome: capture.OutcomeFailed, err: err}
	}

	if err := httpmsg.WriteRequestHeader(origin.bw, req); err != nil {
		return cc.upstreamFailure(logger, res, err, "write request")
	}
	if req.BodyRead() {
		body, _ := req.Body()
		if err := httpmsg.WriteBody(origin.bw, body, req.IsChunked()); err != nil {
			return cc.upstreamFailure(logger, res, err, "write request body")
		}
	} else if req.IsChunked() || req.ContentLength() > 0 {
		n, err := httpmsg.RelayBody(origin.bw, cc.br, httpmsg.FramingFor(&req.Message))
		res.requestBytes = n
		if err != nil {
			// The client stream may be mid-body; neither side is safe
			// to reuse.
			_ = cc.conn.Close()
			res.keepAlive = false
			return cc.upstreamFailure(logger, res, err, "relay request body")
		}
	}
	if err := origin.bw.Flush(); err != nil {
		terr := &httpmsg.TransportError{Op: "flush upstream", Err: err}
		return cc.upstreamFailure(logger, res, terr, "flush request")
	}

	// Read the origin's response, relaying interim 1xx responses as-is.
	hr, err := http.ReadResponse(origin.br, nil)
	if err != nil {
		terr := &httpmsg.TransportError{Op: "read response", Err: err}
		return cc.upstreamFailure(logger, res, terr, "read response")
	}
	for hr.StatusCode >= 100 && hr.StatusCode < 200 {
		interim := responseFromHTTP(hr)
		interim.MarkBodyRead()
		if werr := cc.writeSessionResponse(interim, req.Method()); werr != nil {
			res.outcome = capture.OutcomeFailed
			res.err = werr
			res.keepAlive = false
			return res
		}
		hr, err = http.ReadResponse(origin.br, nil)
		if err != nil {
			terr := &httpmsg.TransportError{Op: "read response", Err: err}
			return cc.upstreamFailure(logger, res, terr, "read response")
		}
	}

	resp := responseFromHTTP(hr)
	if !responseCarriesBody(req.Method(), resp.StatusCode()) {
		resp.MarkBodyRead()
	}
	if err := sess.InstallResponse(resp); err != nil {
		logger.Error("install response failed", "error", err)
		cc.closeOrigin()
		cc.writeDirect(httpmsg.NewTextResponse(500, "Internal Server Error", "session state error\n"), true)
		return exchangeResult{outcome: capture.OutcomeFailed, err: err}
	}

	if err := cc.srv.chain.HandleResponse(ctx, sess); err != nil {
		logger.Error("response hook failed", "error", err)
		// The origin body may be half-read; that side is not reusable.
		cc.closeOrigin()
		cc.writeDirect(httpmsg.NewTextResponse(502, "Bad Gateway", "response interception failed\n"), !res.keepAlive)
		res.outcome = capture.OutcomeFailed
		res.err = err
		return res
	}

	return cc.deliver(logger, res, req, resp, r, hr)
}

// deliver commits the installed response to the client, streaming the
// body when no hook pulled it into the cache.
func (cc *clientConn) deliver(logger *slog.Logger, res exchangeResult, req *httpmsg.Request, resp *httpmsg.Response, r *http.Request, hr *http.Response) exchangeResult {
	normalizeReadBody(&resp.Message)
	stripHopByHop(&resp.Message)

	relayFraming := httpmsg.FramingFor(&resp.Message)
	carriesBody := responseCarriesBody(req.Method(), resp.StatusCode())
	// A relay that only ends at connection close leaves the client with
	// no framing to go by; the same holds for a 1.1 response that
	// declares neither length nor chunking. Both force a close.
	closeDelimited := carriesBody && !resp.BodyRead() &&
		!relayFraming.Chunked && relayFraming.ContentLength <= 0 &&
		relayFraming.Version == httpmsg.Version10
	unframed := carriesBody && !resp.IsChunked() && resp.ContentLength() < 0
	closeClient := r.Close || closeDelimited || unframed

	if closeClient {
		_ = resp.SetHeader("Connection", "close")
	} else if r.ProtoMajor == 1 && r.ProtoMinor == 0 {
		_ = resp.SetHeader("Connection", "keep-alive")
	}
	resp.Lock()

	if err := httpmsg.WriteResponseHeader(cc.bw, resp); err != nil {
		res.outcome = capture.OutcomeFailed
		res.err = err
		res.keepAlive = false
		return res
	}
	switch {
	case !carriesBody:
	case resp.BodyRead():
		body, _ := resp.Body()
		if err := httpmsg.WriteBody(cc.bw, body, resp.IsChunked()); err != nil {
			res.outcome = capture.OutcomeFailed
			res.err = err
			res.keepAlive = false
			return res
		}
	default:
		n, err := httpmsg.RelayBody(cc.bw, cc.origin.Reader(), relayFraming)
		res.responseBytes = n
		if err != nil {
			logger.Warn("response relay failed", "error", err)
			cc.closeOrigin()
			res.outcome = capture.OutcomeFailed
			res.err = err
			res.keepAlive = false
			return res
		}
	}
	if err := cc.flushClient(); err != nil {
		res.outcome = capture.OutcomeFailed
		res.err = err
		res.keepAlive = false
		return res
	}

	if hr.Close || closeDelimited {
		cc.closeOrigin()
	}
	res.outcome = capture.OutcomeForwarded
	res.keepAlive = !closeClient
	return res
}

// ensureOrigin returns this connection's origin connection, dialing or
// re-dialing when the request targets a different authority. Reuse is
// strictly serial; there is no pool.
func (cc *clientConn) ensureOrigin(ctx context.Context, req *httpmsg.Request) (*upstream, error) {
	secure := req.URL().Scheme == "https" || cc.secure
	addr := authorityAddr(req.URL())
	if cc.origin != nil {
		if cc.origin.addr == addr && cc.origin.secure == secure {
			return cc.origin, nil
		}
		cc.closeOrigin()
	}
	origin, err := dialUpstream(ctx, cc.srv.dialer, addr, secure, cc.srv.upstreamTLS)
	if err != nil {
		return nil, err
	}
	cc.origin = origin
	return origin, nil
}

// upstreamFailure tears down the origin connection and answers 502. The
// client connection survives unless the caller already gave up on it.
func (cc *clientConn) upstreamFailure(logger *slog.Logger, res exchangeResult, err error, stage string) exchangeResult {
	logger.Warn("upstream exchange failed", "stage", stage, "error", err)
	cc.closeOrigin()
	cc.writeDirect(httpmsg.NewTextResponse(502, "Bad Gateway", "upstream exchange failed\n"), !res.keepAlive)
	res.outcome = capture.OutcomeFailed
	res.err = err
	return res
}

// writeSessionResponse commits a response to the client: header, then the
// cached body (HEAD and bodiless statuses get none).
func (cc *clientConn) writeSessionResponse(resp *httpmsg.Response, method string) error {
	resp.Lock()
	if err := httpmsg.WriteResponseHeader(cc.bw, resp); err != nil {
		return err
	}
	if responseCarriesBody(method, resp.StatusCode()) {
		body, _ := resp.Body()
		if err := httpmsg.WriteBody(cc.bw, body, resp.IsChunked()); err != nil {
			return err
		}
	}
	return cc.flushClient()
}

// writeDirect commits a synthetic response to the client outside any
// session, for failures before one exists or after one is torn down.
func (cc *clientConn) writeDirect(resp *httpmsg.Response, closeAfter bool) {
	if closeAfter {
		_ = resp.SetHeader("Connection", "close")
	}
	resp.Lock()
	if err := httpmsg.WriteResponseHeader(cc.bw, resp); err != nil {
		return
	}
	body, _ := resp.Body()
	if err := httpmsg.WriteBody(cc.bw, body, resp.IsChunked()); err != nil {
		return
	}
	_ = cc.bw.Flush()
}

func (cc *clientConn) flushClient() error {
	if err := cc.bw.Flush(); err != nil {
		return &httpmsg.TransportError{Op: "flush client", Err: err}
	}
	return nil
}

// drainDeclaredBody discards a framing-declared body sitting unread on
// the client stream so the connection stays positioned at the next
// request. A failed drain forces the connection closed.
func (cc *clientConn) drainDeclaredBody(req *httpmsg.Request) {
	if req.BodyRead() || (!req.IsChunked() && req.ContentLength() <= 0) {
		return
	}
	if err := httpmsg.DrainBody(cc.br, httpmsg.FramingFor(&req.Message)); err != nil {
		_ = cc.conn.Close()
	}
	req.MarkBodyRead()
}

// isClientGone classifies read errors that mean the client left or idled
// out rather than sent something malformed.
func isClientGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
