package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/session"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/service"
)

// HealthResponse is the JSON response from /healthz.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies component health. Pass nil for components that
// aren't wired; they report "not configured" without failing the check.
type HealthChecker struct {
	registry *session.Registry
	capture  *service.CaptureService
	version  string
}

// NewHealthChecker creates a HealthChecker over the given components.
func NewHealthChecker(registry *session.Registry, capture *service.CaptureService, version string) *HealthChecker {
	return &HealthChecker{
		registry: registry,
		capture:  capture,
		version:  version,
	}
}

// Check probes each component once.
func (h *HealthChecker) Check(r *http.Request) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.registry != nil {
		active, err := h.registry.Active(r.Context())
		if err != nil {
			checks["sessions"] = fmt.Sprintf("error: %v", err)
			healthy = false
		} else {
			checks["sessions"] = fmt.Sprintf("%d active", len(active))
		}
	} else {
		checks["sessions"] = "not configured"
	}

	if h.capture != nil {
		depth := h.capture.ChannelDepth()
		capacity := h.capture.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			// Capture queue under backpressure; flows are about to drop.
			checks["capture"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["capture"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.capture.DroppedFlows(); drops > 0 {
			checks["capture_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["capture"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns the /healthz handler. Unhealthy states report 503.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r)

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
