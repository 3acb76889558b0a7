// Package integration holds end-to-end tests that assemble the real
// components the way the start command does: rules parsed from YAML and
// compiled with CEL, the proxy listener, the capture pipeline, and the
// ops surface, exercised over loopback TCP.
package integration

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/inbound/proxy"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/cel"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/memory"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/intercept"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/service"
)

// testLogger returns a logger that writes to stderr at error level
// (quiet tests).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stack is one fully assembled proxy: listener, interception chain,
// session registry, and the capture pipeline backed by an in-memory
// flow store.
type stack struct {
	srv      *proxy.Server
	registry *session.Registry
	flows    *memory.MemoryFlowStore
	capture  *service.CaptureService
}

// compileRules parses a YAML rules document and compiles it with the
// real CEL evaluator, exactly as the start command does.
func compileRules(t testing.TB, yamlDoc string) *intercept.RuleEngine {
	t.Helper()
	rules, err := intercept.ParseRules([]byte(yamlDoc))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		t.Fatalf("create evaluator: %v", err)
	}
	engine, err := intercept.NewRuleEngine(rules, evaluator, intercept.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	return engine
}

// startStack wires a proxy with the given rules document (empty means no
// rules) and a capture pipeline, starts both, and tears everything down
// with the test. The capture service uses batch size 1 so flows become
// queryable almost immediately after the client has its response.
func startStack(t testing.TB, rulesDoc string, extra ...proxy.Option) *stack {
	t.Helper()
	logger := testLogger()

	flows := memory.NewFlowStore(1000)
	captureSvc := service.NewCaptureService(flows, logger,
		service.WithBatchSize(1),
		service.WithFlushInterval(10*time.Millisecond),
	)
	captureCtx, captureCancel := context.WithCancel(context.Background())
	captureSvc.Start(captureCtx)

	registry := session.NewRegistry(memory.NewSessionStore(), session.Config{MaxActive: 100})

	opts := []proxy.Option{
		proxy.WithAddr("127.0.0.1:0"),
		proxy.WithLogger(logger),
		proxy.WithRegistry(registry),
		proxy.WithRecorder(captureSvc),
		proxy.WithShutdownTimeout(2 * time.Second),
	}
	if rulesDoc != "" {
		engine := compileRules(t, rulesDoc)
		chain := intercept.NewChain().OnRequest(engine).OnResponse(engine)
		opts = append(opts, proxy.WithChain(chain))
	}
	opts = append(opts, extra...)

	srv := proxy.NewServer(opts...)
	if err := srv.Listen(); err != nil {
		t.Fatalf("proxy listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("proxy Start: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("proxy did not stop")
		}
		captureSvc.Stop()
		captureCancel()
		if err := flows.Close(); err != nil {
			t.Errorf("close flow store: %v", err)
		}
	})

	return &stack{srv: srv, registry: registry, flows: flows, capture: captureSvc}
}

// client returns an HTTP client routed through the stack's proxy. It
// does not follow redirects, so synthetic 302s stay observable.
func (s *stack) client(t testing.TB) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + s.srv.Addr())
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// waitForFlows polls the flow store until n flows are queryable. The
// capture pipeline is asynchronous; the client holding its response does
// not yet mean the record landed.
func (s *stack) waitForFlows(t testing.TB, n int) []capture.Flow {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		flows, err := s.flows.Recent(context.Background(), capture.FlowFilter{Limit: 100})
		if err != nil {
			t.Fatalf("query flows: %v", err)
		}
		if len(flows) >= n {
			return flows
		}
		time.Sleep(10 * time.Millisecond)
	}
	flows, _ := s.flows.Recent(context.Background(), capture.FlowFilter{Limit: 100})
	t.Fatalf("timed out waiting for %d flows, have %d", n, len(flows))
	return nil
}
