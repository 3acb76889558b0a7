package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/KirovAir/Titanium-Web-Proxy/pkg/httpmsg"
)

// viaToken names this hop in Via headers.
const viaToken = "titanium"

// hopByHopHeaders never travel past a single hop. Transfer-Encoding is
// deliberately absent: body framing is relayed as received.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Upgrade",
}

// stripHopByHop removes single-hop headers, including any the Connection
// header names. Framing headers stay even when named there; bodies are
// relayed exactly as framed.
func stripHopByHop(m *httpmsg.Message) {
	for _, v := range m.HeaderValues("Connection") {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token == "" ||
				strings.EqualFold(token, "Transfer-Encoding") ||
				strings.EqualFold(token, "Content-Length") {
				continue
			}
			_ = m.DelHeader(token)
		}
	}
	for _, name := range hopByHopHeaders {
		_ = m.DelHeader(name)
	}
}

// addVia appends this hop to the Via chain, e.g. "1.1 titanium".
func addVia(m *httpmsg.Message, v httpmsg.Version) {
	_ = m.AddHeader("Via", strings.TrimPrefix(v.String(), "HTTP/")+" "+viaToken)
}

// normalizeReadBody reconciles headers with a body cache that holds
// decoded bytes. Once a body has been read it is stored identity-encoded,
// so a Content-Encoding header no longer describes what will be written;
// it is dropped and, for fixed-length framing, Content-Length is
// recomputed from the cache.
func normalizeReadBody(m *httpmsg.Message) {
	if !m.BodyRead() || m.ContentEncoding() == "" {
		return
	}
	_ = m.DelHeader("Content-Encoding")
	if !m.IsChunked() {
		body, _ := m.Body()
		_ = m.SetContentLength(int64(len(body)))
	}
}

// upstream is the origin side of an exchange: one connection per client
// connection, reused serially while consecutive requests target the same
// authority.
type upstream struct {
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	addr   string
	secure bool
}

// Reader exposes the origin stream for response body reads.
func (u *upstream) Reader() *bufio.Reader { return u.br }

func (u *upstream) Close() error { return u.conn.Close() }

// dialUpstream opens a TCP connection to addr, wrapped in TLS when
// secure. tlsCfg overrides the default upstream TLS settings; the server
// name is always derived from addr unless the override pins one.
func dialUpstream(ctx context.Context, d *net.Dialer, addr string, secure bool, tlsCfg *tls.Config) (*upstream, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	if secure {
		cfg := &tls.Config{}
		if tlsCfg != nil {
			cfg = tlsCfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = hostOnly(addr)
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}
	return &upstream{
		conn:   conn,
		br:     bufio.NewReader(conn),
		bw:     bufio.NewWriter(conn),
		addr:   addr,
		secure: secure,
	}, nil
}

// authorityAddr resolves the dial address for a request target, applying
// the scheme's default port when the authority has none.
func authorityAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// hostOnly strips the port from a host:port authority, tolerating a bare
// host.
func hostOnly(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return host
}

// splitAuthority splits host:port, applying defaultPort when none is
// present.
func splitAuthority(authority, defaultPort string) (host, port string) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort
	}
	return host, port
}
