package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/inbound/ops"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/inbound/proxy"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/capturefile"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/cel"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/memory"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/sqlite"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/state"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/config"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/auth"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/intercept"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/ratelimit"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long: `Start the Titanium proxy listener.

The proxy serves explicit HTTP proxy traffic on proxy.addr and, unless
disabled, the read-only ops API on ops.addr. It runs until interrupted
or until "titanium stop" signals it.

Examples:
  # Start with config file settings
  titanium start

  # Start with a specific config file
  titanium --config /path/to/titanium.yaml start

  # Override the listen address
  TITANIUM_PROXY_ADDR=0.0.0.0:8080 titanium start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stop() restores default signal handling, so a second Ctrl+C is an
	// immediate exit instead of a stuck drain.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg.Logging)

	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("titanium stopped")
	return nil
}

// run wires every component from config and serves until ctx is done.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Stores and the session registry.
	credStore := memory.NewCredentialStore()
	seedCredentials(cfg, credStore)

	sessions := session.NewRegistry(memory.NewSessionStore(), session.Config{
		MaxActive: cfg.Proxy.MaxSessions,
	})

	flowStore, err := newFlowStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("create flow store: %w", err)
	}
	defer func() { _ = flowStore.Close() }()

	captureSvc := service.NewCaptureService(flowStore, logger,
		service.WithChannelSize(cfg.Capture.ChannelSize),
		service.WithBatchSize(cfg.Capture.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Capture.FlushInterval, time.Second)),
		service.WithSendTimeout(config.Duration(cfg.Capture.SendTimeout, 100*time.Millisecond)),
	)
	captureSvc.Start(ctx)
	defer captureSvc.Stop()
	logger.Info("capture configured",
		"backend", cfg.Capture.Backend,
		"channel_size", cfg.Capture.ChannelSize,
		"batch_size", cfg.Capture.BatchSize,
	)

	// Metrics registry shared by the proxy and the ops /metrics endpoint.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := proxy.NewMetrics(promReg)

	// Interception chain. The rules file is optional; an empty chain
	// forwards everything untouched.
	chain := intercept.NewChain()
	ruleCount := 0
	if cfg.Intercept.RulesFile != "" {
		rules, err := intercept.LoadRulesFile(cfg.Intercept.RulesFile)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return fmt.Errorf("create condition evaluator: %w", err)
		}
		engine, err := intercept.NewRuleEngine(rules, evaluator,
			intercept.WithLogger(logger),
			intercept.WithFailClosed(cfg.Intercept.FailClosed),
		)
		if err != nil {
			return fmt.Errorf("compile rules: %w", err)
		}
		chain.OnRequest(engine).OnResponse(engine)
		ruleCount = len(rules)
		logger.Info("rules loaded",
			"file", cfg.Intercept.RulesFile,
			"rules", ruleCount,
			"fail_closed", cfg.Intercept.FailClosed,
		)
	}

	// TLS inspection: CA material plus the leaf cache behind the
	// CONNECT inspector.
	var (
		inspector *proxy.TLSInspector
		ca        *proxy.CAManager
	)
	if cfg.TLSInspection.Enabled {
		ca, err = proxy.NewCAManager(proxy.CAConfig{
			CertFile:      cfg.TLSInspection.CACertFile(),
			KeyFile:       cfg.TLSInspection.CAKeyFile(),
			Organization:  cfg.TLSInspection.Organization,
			ValidityYears: cfg.TLSInspection.ValidityYears,
		}, logger)
		if err != nil {
			return fmt.Errorf("create CA: %w", err)
		}
		certs := proxy.NewCertCache(ca, config.Duration(cfg.TLSInspection.CertTTL, time.Hour), logger)
		inspector = proxy.NewTLSInspector(true, cfg.TLSInspection.BypassList, certs)
		logger.Info("tls inspection enabled",
			"ca", cfg.TLSInspection.CACertFile(),
			"fingerprint", ca.CAFingerprint(),
			"bypass_hosts", len(cfg.TLSInspection.BypassList),
		)
	}

	// Proxy listener.
	proxyOpts := []proxy.Option{
		proxy.WithAddr(cfg.Proxy.Addr),
		proxy.WithLogger(logger),
		proxy.WithMetrics(metrics),
		proxy.WithRegistry(sessions),
		proxy.WithChain(chain),
		proxy.WithRecorder(captureSvc),
		proxy.WithReadHeaderTimeout(config.Duration(cfg.Proxy.ReadHeaderTimeout, 30*time.Second)),
		proxy.WithDialTimeout(config.Duration(cfg.Proxy.DialTimeout, 30*time.Second)),
		proxy.WithShutdownTimeout(config.Duration(cfg.Proxy.ShutdownTimeout, 10*time.Second)),
	}
	if cfg.Auth.Enabled() {
		proxyOpts = append(proxyOpts, proxy.WithAuthenticator(auth.NewAuthenticator(credStore)))
		logger.Info("proxy auth enabled", "credentials", len(cfg.Auth.Credentials))
	}
	if inspector != nil {
		proxyOpts = append(proxyOpts, proxy.WithTLSInspector(inspector))
	}
	if cfg.RateLimit.Enabled {
		limiter := memory.NewRateLimiter()
		limiter.StartCleanup(ctx)
		defer limiter.Stop()
		proxyOpts = append(proxyOpts, proxy.WithRateLimiter(limiter, ratelimit.RateLimitConfig{
			Rate:   cfg.RateLimit.Rate,
			Burst:  cfg.RateLimit.Burst,
			Period: config.Duration(cfg.RateLimit.Period, time.Minute),
		}))
		logger.Info("rate limiting enabled",
			"rate", cfg.RateLimit.Rate,
			"burst", cfg.RateLimit.Burst,
			"period", cfg.RateLimit.Period,
		)
	}
	if cfg.Proxy.UpstreamInsecure {
		proxyOpts = append(proxyOpts, proxy.WithUpstreamTLSConfig(&tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // explicit operator opt-in
		}))
		logger.Warn("upstream TLS verification disabled")
	}

	srv := proxy.NewServer(proxyOpts...)
	if err := srv.Listen(); err != nil {
		return err
	}

	// Ops listener, when enabled.
	var opsSrv *ops.Server
	if cfg.Ops.Enabled {
		opsOpts := []ops.Option{
			ops.WithAddr(cfg.Ops.Addr),
			ops.WithLogger(logger),
			ops.WithGatherer(promReg),
			ops.WithSessionRegistry(sessions),
			ops.WithCaptureService(captureSvc),
			ops.WithBearerTokenHash(cfg.Ops.TokenHash),
			ops.WithVersion(Version),
			ops.WithShutdownTimeout(config.Duration(cfg.Proxy.ShutdownTimeout, 10*time.Second)),
		}
		if q, ok := flowStore.(capture.FlowQueryStore); ok {
			opsOpts = append(opsOpts, ops.WithFlowReader(q))
		}
		if ca != nil {
			opsOpts = append(opsOpts, ops.WithCertAuthority(ca))
		}
		opsSrv = ops.NewServer(opsOpts...)
		if err := opsSrv.Listen(); err != nil {
			return err
		}
	}

	// Record runtime state so stop and trust-ca can find this process.
	stateStore := state.NewFileStore(cfg.StateFile(), logger)
	st := &state.RuntimeState{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
		ProxyAddr: srv.Addr(),
	}
	if opsSrv != nil {
		st.OpsAddr = opsSrv.Addr()
	}
	if ca != nil {
		st.CACertFile = cfg.TLSInspection.CACertFile()
		st.CAFingerprint = ca.CAFingerprint()
	}
	if err := stateStore.Save(st); err != nil {
		logger.Warn("failed to record runtime state", "path", stateStore.Path(), "error", err)
	} else {
		defer func() {
			if err := stateStore.Clear(); err != nil {
				logger.Warn("failed to clear runtime state", "error", err)
			}
		}()
	}

	logger.Info("titanium starting",
		"version", Version,
		"proxy_addr", srv.Addr(),
		"ops_addr", st.OpsAddr,
		"auth", cfg.Auth.Enabled(),
		"tls_inspection", cfg.TLSInspection.Enabled,
		"rules", ruleCount,
		"rate_limit", cfg.RateLimit.Enabled,
		"capture", cfg.Capture.Backend,
	)
	printBanner(Version, srv.Addr(), st.OpsAddr, cfg.TLSInspection.Enabled, cfg.Auth.Enabled(), ruleCount, st.CAFingerprint)

	// Serve both listeners until the signal context fires or one of them
	// fails; a failure brings the other down too.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start(runCtx) }()
	if opsSrv != nil {
		servers++
		go func() { errCh <- opsSrv.Start(runCtx) }()
	}

	var firstErr error
	for i := 0; i < servers; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// seedCredentials loads the file-based identities and credentials into
// the in-memory store the authenticator reads from.
func seedCredentials(cfg *config.Config, store *memory.CredentialStore) {
	now := time.Now().UTC()
	for _, id := range cfg.Auth.Identities {
		roles := make([]auth.Role, len(id.Roles))
		for i, r := range id.Roles {
			roles[i] = auth.Role(r)
		}
		store.AddIdentity(&auth.Identity{
			ID:    id.ID,
			Name:  id.Name,
			Roles: roles,
		})
	}
	for _, cred := range cfg.Auth.Credentials {
		store.AddCredential(&auth.Credential{
			Username:   cred.Username,
			SecretHash: cred.SecretHash,
			IdentityID: cred.IdentityID,
			CreatedAt:  now,
		})
	}
}

// newFlowStore creates the configured capture backend. All three
// backends also serve the ops flow queries.
func newFlowStore(cfg *config.Config, logger *slog.Logger) (capture.FlowStore, error) {
	switch cfg.Capture.Backend {
	case "file":
		return capturefile.NewFileFlowStore(capturefile.Config{
			Dir:           cfg.Capture.Dir,
			RetentionDays: cfg.Capture.RetentionDays,
			MaxFileSizeMB: cfg.Capture.MaxFileSizeMB,
			CacheSize:     cfg.Capture.MemoryCapacity,
		}, logger)
	case "sqlite":
		return sqlite.NewFlowStore(cfg.Capture.Path, logger)
	default:
		// The validator pins the backend set; anything else is "memory".
		return memory.NewFlowStore(cfg.Capture.MemoryCapacity), nil
	}
}

// newLogger builds the process logger from config. Output goes to
// stderr so proxied byte streams never share a descriptor with logs.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a startup banner to stderr with the bound
// addresses and active features.
func printBanner(version, proxyAddr, opsAddr string, inspecting, authOn bool, ruleCount int, caFingerprint string) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	httpsMode := green + "tunneled" + reset
	if inspecting {
		httpsMode = yellow + "intercepted" + reset
	}
	authStr := dim + "off (open proxy)" + reset
	if authOn {
		authStr = green + "on" + reset
	}
	opsStr := dim + "disabled" + reset
	if opsAddr != "" {
		opsStr = "http://" + opsAddr
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%sTitanium Web Proxy %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-10s http://%s\n", "Proxy:", proxyAddr)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "Ops:", opsStr)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "HTTPS:", httpsMode)
	fmt.Fprintf(os.Stderr, "  %-10s %s\n", "Auth:", authStr)
	fmt.Fprintf(os.Stderr, "  %-10s %d active\n", "Rules:", ruleCount)
	if caFingerprint != "" {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", "CA:", caFingerprint)
	}
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
