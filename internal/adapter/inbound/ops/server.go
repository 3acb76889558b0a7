// Package ops provides the operational HTTP listener: health and
// Prometheus metrics, CA certificate export for client trust, and
// read-only JSON views of active sessions and captured flows. It runs
// separately from the proxy listener so operational traffic never mixes
// with proxied traffic.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CertAuthority exposes the CA certificate for download and trust
// installation. Implemented by the proxy's CA manager.
type CertAuthority interface {
	// CACertPEM returns the CA certificate in PEM form.
	CACertPEM() []byte
	// CAFingerprint returns the SHA-256 fingerprint of the CA certificate.
	CAFingerprint() string
}

// Server is the operational listener.
type Server struct {
	addr            string
	logger          *slog.Logger
	gatherer        prometheus.Gatherer
	registry        *session.Registry
	flows           capture.FlowQueryStore
	ca              CertAuthority
	capture         *service.CaptureService
	tokenHash       string
	version         string
	shutdownTimeout time.Duration

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

// Option is a functional option for configuring the ops Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is "127.0.0.1:9099"
// (localhost only).
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGatherer sets the Prometheus gatherer served at /metrics. Pass the
// registry the proxy listener's metrics are registered with.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithSessionRegistry sets the registry backing the /sessions view.
func WithSessionRegistry(r *session.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithFlowReader sets the store backing the /flows views.
func WithFlowReader(store capture.FlowQueryStore) Option {
	return func(s *Server) { s.flows = store }
}

// WithCertAuthority sets the CA manager backing /ca.pem.
func WithCertAuthority(ca CertAuthority) Option {
	return func(s *Server) { s.ca = ca }
}

// WithCaptureService sets the capture service probed by health checks.
func WithCaptureService(cs *service.CaptureService) Option {
	return func(s *Server) { s.capture = cs }
}

// WithBearerTokenHash enables bearer-token auth on everything except
// /healthz. The hash is a stored secret in "sha256:<hex>" or
// "$argon2id$..." form; presented tokens are verified against it.
func WithBearerTokenHash(hash string) Option {
	return func(s *Server) { s.tokenHash = hash }
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithShutdownTimeout bounds graceful shutdown. Default 5s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// NewServer creates an ops server. Views whose backing dependency is not
// provided respond 503.
func NewServer(opts ...Option) *Server {
	s := &Server{
		addr:            "127.0.0.1:9099",
		logger:          slog.Default(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler tree. /healthz stays outside the
// auth wrapper so liveness probes work without credentials.
func (s *Server) Handler() http.Handler {
	checker := NewHealthChecker(s.registry, s.capture, s.version)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", checker.Handler())

	protected := http.NewServeMux()
	if s.gatherer != nil {
		protected.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	protected.HandleFunc("GET /ca.pem", s.handleCACert)
	protected.HandleFunc("GET /sessions", s.handleSessions)
	protected.HandleFunc("GET /flows", s.handleFlows)
	protected.HandleFunc("GET /flows/stats", s.handleFlowStats)
	protected.HandleFunc("GET /flows/{id}", s.handleFlowByID)
	mux.Handle("/", s.requireBearer(protected))

	return s.logRequests(mux)
}

// Listen binds the listen address without serving yet, so the bound port
// is known before Start.
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

// Start serves until ctx is cancelled, then shuts down gracefully within
// the shutdown timeout.
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

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("ops listening", "addr", ln.Addr().String(), "auth", s.tokenHash != "")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("ops shutdown incomplete", "error", err)
		return err
	}
	s.logger.Info("ops listener stopped")
	return nil
}
