package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// handleConnect answers a CONNECT by either splicing an opaque tunnel or
// terminating the TLS session in the proxy, per inspector policy. Reports
// whether the connection can still serve further requests: true only for
// refusals (auth, dial failure) that leave the stream parseable.
func (cc *clientConn) handleConnect(ctx context.Context, r *http.Request) bool {
	authority := r.URL.Host
	if authority == "" {
		authority = r.Host
	}
	host, port := splitAuthority(authority, "443")
	addr := net.JoinHostPort(host, port)

	// CONNECT carries proxy credentials like any other request.
	if cc.srv.auth != nil && cc.identity == nil {
		if !cc.authenticated(ctx, requestFromHTTP(r)) {
			return true
		}
	}

	if cc.srv.inspector != nil && cc.srv.inspector.ShouldIntercept(host) {
		return cc.intercept(ctx, host, authority)
	}
	return cc.tunnel(ctx, r, addr)
}

// tunnel splices an opaque byte stream to addr, counting both directions
// for the capture record. The tunnel occupies a session slot for its
// whole lifetime so the ops surface can see it.
func (cc *clientConn) tunnel(ctx context.Context, r *http.Request, addr string) bool {
	req := requestFromHTTP(r)
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
	defer func() {
		cc.srv.registry.Finish(ctx, sess)
		cc.srv.metrics.ActiveSessions.Dec()
	}()

	origin, err := dialUpstream(ctx, cc.srv.dialer, addr, false, nil)
	if err != nil {
		cc.logger.Warn("tunnel dial failed", "addr", addr, "error", err)
		cc.writeDirect(httpmsg.NewTextResponse(502, "Bad Gateway", "upstream unreachable\n"), false)
		cc.recordTunnel(sess, capture.OutcomeFailed, 0, 0, err)
		return true
	}
	defer origin.Close()

	if err := cc.writeConnectEstablished(); err != nil {
		cc.recordTunnel(sess, capture.OutcomeFailed, 0, 0, err)
		return false
	}
	cc.srv.metrics.TunnelsTotal.Inc()
	cc.logger.Debug("tunnel established", "addr", addr)

	sent, received, terr := splice(ctx, cc.conn, cc.br, origin.conn)
	cc.recordTunnel(sess, capture.OutcomeTunneled, sent, received, terr)
	return false
}

// intercept terminates the client's TLS inside the proxy using a minted
// leaf for the requested host, then runs the ordinary exchange loop over
// the decrypted stream. The origin is dialed lazily, over TLS, by the
// first forwarded request.
func (cc *clientConn) intercept(ctx context.Context, host, authority string) bool {
	cert, err := cc.srv.inspector.Certs().GetCert(host)
	if err != nil {
		cc.logger.Error("leaf certificate mint failed", "host", host, "error", err)
		cc.writeDirect(httpmsg.NewTextResponse(502, "Bad Gateway", "interception unavailable\n"), true)
		return false
	}
	if err := cc.writeConnectEstablished(); err != nil {
		return false
	}

	tlsConn := tls.Server(cc.conn, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		cc.logger.Debug("client tls handshake failed", "host", host, "error", err)
		_ = tlsConn.Close()
		return false
	}
	defer tlsConn.Close()
	cc.srv.metrics.InterceptsTotal.Inc()
	cc.logger.Debug("tls session intercepted", "host", host)

	inner := &clientConn{
		srv:         cc.srv,
		conn:        tlsConn,
		br:          bufio.NewReader(tlsConn),
		bw:          bufio.NewWriter(tlsConn),
		logger:      cc.logger.With("intercepted_host", host),
		clientAddr:  cc.clientAddr,
		secure:      true,
		connectHost: authority,
		identity:    cc.identity,
		admitted:    true,
	}
	inner.serve(ctx)
	return false
}

// writeConnectEstablished accepts the CONNECT on the raw stream. Written
// by hand: this is the one response that precedes a protocol change.
func (cc *clientConn) writeConnectEstablished() error {
	if _, err := cc.bw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return err
	}
	return cc.bw.Flush()
}

func (cc *clientConn) recordTunnel(sess *session.Session, outcome string, sent, received int64, terr error) {
	flow := capture.FromSession(sess, outcome, terr)
	flow.RequestBytes = sent
	flow.ResponseBytes = received
	if cc.srv.recorder != nil {
		cc.srv.recorder.Record(flow)
	}
	cc.srv.metrics.ExchangesTotal.WithLabelValues(outcome).Inc()
}

// splice copies bytes both ways until one side finishes, propagating
// half-closes so lingering one-way streams still drain. Returns bytes
// moved client→origin and origin→client. Context cancellation force-
// closes both ends.
func splice(ctx context.Context, client net.Conn, clientBuf *bufio.Reader, origin net.Conn) (int64, int64, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = origin.Close()
	})
	defer stop()

	var (
		wg        sync.WaitGroup
		toOrigin  int64
		toClient  int64
		originErr error
		clientErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		// Read via the buffered side: the client's first TLS bytes may
		// already be sitting there.
		toOrigin, originErr = io.Copy(origin, clientBuf)
		closeWrite(origin)
	}()
	go func() {
		defer wg.Done()
		toClient, clientErr = io.Copy(client, origin)
		closeWrite(client)
	}()
	wg.Wait()

	err := originErr
	if err == nil {
		err = clientErr
	}
	if err != nil && isClientGone(err) {
		err = nil
	}
	return toOrigin, toClient, err
}

// closeWrite half-closes the write side when the transport supports it,
// else closes outright.
func closeWrite(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
