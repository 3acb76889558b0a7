// Package proxy is the explicit HTTP/1.x forward-proxy listener: a raw
// accept loop that converts wire requests into sessions, runs the
// interception chain, forwards or short-circuits, and records flows.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/memory"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/auth"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/intercept"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/ratelimit"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
)

// ExchangeHandler runs interception hooks on both phases of an exchange.
// Both the plain Chain and the rule engine satisfy it.
type ExchangeHandler interface {
	intercept.RequestHandler
	intercept.ResponseHandler
}

// FlowRecorder receives finished-exchange flow records; the capture
// service implements it.
type FlowRecorder interface {
	Record(flow capture.Flow)
}

// Server is the proxy listener. One goroutine serves each accepted
// connection until the client leaves or the server drains.
type Server struct {
	addr   string
	logger *slog.Logger

	metrics       *Metrics
	registry      *session.Registry
	chain         ExchangeHandler
	authenticator *auth.Authenticator
	auth          *ProxyAuth
	inspector     *TLSInspector
	limiter       ratelimit.RateLimiter
	rateLimit     ratelimit.RateLimitConfig
	recorder      FlowRecorder
	dialer        *net.Dialer
	upstreamTLS   *tls.Config

	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithAddr sets the listen address (host:port).
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuthenticator enables proxy authentication against the given
// credential verifier.
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) { s.authenticator = a }
}

// WithTLSInspector installs the CONNECT interception policy.
func WithTLSInspector(ti *TLSInspector) Option {
	return func(s *Server) { s.inspector = ti }
}

// WithRegistry sets the session registry.
func WithRegistry(r *session.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithChain sets the interception handler chain.
func WithChain(h ExchangeHandler) Option {
	return func(s *Server) { s.chain = h }
}

// WithRecorder sets the flow capture sink.
func WithRecorder(rec FlowRecorder) Option {
	return func(s *Server) { s.recorder = rec }
}

// WithRateLimiter enables the per-client-IP connection limit.
func WithRateLimiter(l ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig) Option {
	return func(s *Server) {
		s.limiter = l
		s.rateLimit = cfg
	}
}

// WithDialTimeout bounds upstream connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Server) { s.dialer = &net.Dialer{Timeout: d} }
}

// WithUpstreamTLSConfig overrides TLS settings for origin connections,
// for deployments whose origins present certificates the system pool
// cannot verify.
func WithUpstreamTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) { s.upstreamTLS = cfg }
}

// WithReadHeaderTimeout bounds the idle wait for a request line on a
// kept-alive connection. Zero disables the deadline.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) { s.readHeaderTimeout = d }
}

// WithShutdownTimeout bounds the drain of in-flight connections.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// NewServer assembles a proxy server. Omitted collaborators default to
// inert implementations: a passthrough chain, an uncapped in-memory
// registry, no authentication, no interception, no capture.
func NewServer(opts ...Option) *Server {
	s := &Server{
		addr:              "127.0.0.1:8080",
		logger:            slog.Default(),
		readHeaderTimeout: 30 * time.Second,
		shutdownTimeout:   10 * time.Second,
		dialer:            &net.Dialer{Timeout: 30 * time.Second},
		conns:             make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if s.chain == nil {
		s.chain = intercept.NewChain()
	}
	if s.registry == nil {
		s.registry = session.NewRegistry(memory.NewSessionStore(), session.Config{})
	}
	if s.authenticator != nil {
		s.auth = NewProxyAuth(s.authenticator, s.logger)
	}
	return s
}

// Listen binds the configured address without serving yet. Addr is valid
// afterwards; Start skips the bind when it already happened.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listen address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start serves until ctx is cancelled, then drains: the listener closes,
// in-flight connections get the shutdown timeout to finish, stragglers
// are force-closed.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}
	s.logger.Info("proxy listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acceptLoop(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down proxy server")
		return s.drain(ln)
	case err := <-errCh:
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			// Transient accept failures (fd exhaustion and friends) get
			// a capped backoff rather than taking the listener down.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			s.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.metrics.ConnectionsTotal.Inc()
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer conn.Close()
			s.newClientConn(conn).serve(ctx)
		}()
	}
}

func (s *Server) newClientConn(conn net.Conn) *clientConn {
	addr := conn.RemoteAddr().String()
	return &clientConn{
		srv:        s,
		conn:       conn,
		br:         bufio.NewReader(conn),
		bw:         bufio.NewWriter(conn),
		logger:     s.logger.With("client_addr", addr),
		clientAddr: addr,
	}
}

func (s *Server) drain(ln net.Listener) error {
	_ = ln.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("drain timed out, closing remaining connections")
		s.closeAll()
		<-done
	}
	s.logger.Info("proxy server stopped")
	return nil
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
