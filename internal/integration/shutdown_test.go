package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/inbound/ops"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/inbound/proxy"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/memory"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/capture"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/ratelimit"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/service"
)

// TestShutdown_FullStackStopsCleanly assembles the proxy listener, ops
// listener, capture pipeline, and rate limiter the way the start command
// does, serves real traffic on both listeners, and verifies the whole
// stack tears down without leaking goroutines.
func TestShutdown_FullStackStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger := testLogger()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer origin.Close()

	flows := memory.NewFlowStore(100)
	captureSvc := service.NewCaptureService(flows, logger,
		service.WithBatchSize(1),
		service.WithFlushInterval(10*time.Millisecond),
	)
	captureCtx, captureCancel := context.WithCancel(context.Background())
	defer captureCancel()
	captureSvc.Start(captureCtx)

	limiter := memory.NewRateLimiter()
	limiterCtx, limiterCancel := context.WithCancel(context.Background())
	defer limiterCancel()
	limiter.StartCleanup(limiterCtx)

	registry := session.NewRegistry(memory.NewSessionStore(), session.Config{MaxActive: 10})

	srv := proxy.NewServer(
		proxy.WithAddr("127.0.0.1:0"),
		proxy.WithLogger(logger),
		proxy.WithRegistry(registry),
		proxy.WithRecorder(captureSvc),
		proxy.WithRateLimiter(limiter, ratelimit.RateLimitConfig{Rate: 100, Period: time.Second}),
		proxy.WithShutdownTimeout(2*time.Second),
	)
	if err := srv.Listen(); err != nil {
		t.Fatalf("proxy listen: %v", err)
	}
	proxyCtx, proxyCancel := context.WithCancel(context.Background())
	proxyDone := make(chan error, 1)
	go func() { proxyDone <- srv.Start(proxyCtx) }()

	opsSrv := ops.NewServer(
		ops.WithAddr("127.0.0.1:0"),
		ops.WithLogger(logger),
		ops.WithSessionRegistry(registry),
		ops.WithFlowReader(flows),
		ops.WithCaptureService(captureSvc),
		ops.WithShutdownTimeout(2*time.Second),
	)
	if err := opsSrv.Listen(); err != nil {
		t.Fatalf("ops listen: %v", err)
	}
	opsCtx, opsCancel := context.WithCancel(context.Background())
	opsDone := make(chan error, 1)
	go func() { opsDone <- opsSrv.Start(opsCtx) }()

	// Real traffic on both listeners before shutting down.
	proxyURL, err := url.Parse("http://" + srv.Addr())
	if err != nil {
		t.Fatalf("parse proxy addr: %v", err)
	}
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	client := &http.Client{Transport: transport, Timeout: 5 * time.Second}
	resp, err := client.Get(origin.URL + "/ping")
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	opsClient := &http.Client{Timeout: 5 * time.Second}
	health, err := opsClient.Get("http://" + opsSrv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	io.Copy(io.Discard, health.Body)
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", health.StatusCode)
	}

	// Idle keep-alive connections would otherwise hold proxy handlers open
	// into the drain window.
	transport.CloseIdleConnections()
	opsClient.CloseIdleConnections()

	// Stop in the order the start command does: listeners first, then the
	// capture pipeline, then the limiter.
	waitStopped := func(name string, cancel context.CancelFunc, done <-chan error) {
		t.Helper()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("%s Start returned %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not stop", name)
		}
	}
	waitStopped("proxy", proxyCancel, proxyDone)
	waitStopped("ops", opsCancel, opsDone)

	captureSvc.Stop()
	limiter.Stop()

	// Stop flushed the pipeline, so the flow is queryable without polling.
	recent, err := flows.Recent(context.Background(), capture.FlowFilter{Limit: 10})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("flows = %d, want 1", len(recent))
	}
	if recent[0].Outcome != capture.OutcomeForwarded {
		t.Errorf("Outcome = %q, want %q", recent[0].Outcome, capture.OutcomeForwarded)
	}
	if err := flows.Close(); err != nil {
		t.Errorf("flow store Close: %v", err)
	}
}
