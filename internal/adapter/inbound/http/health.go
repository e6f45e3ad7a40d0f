package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/latch-dev/latch/internal/domain/downstream"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// StatusSource reports downstream connection state.
type StatusSource interface {
	Status() []downstream.Status
}

// HealthChecker reports downstream health. The gateway is unhealthy when
// servers are configured and none is connected.
type HealthChecker struct {
	downstreams StatusSource
	version     string
}

// NewHealthChecker creates a HealthChecker. downstreams may be nil.
func NewHealthChecker(downstreams StatusSource, version string) *HealthChecker {
	return &HealthChecker{downstreams: downstreams, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.downstreams != nil {
		statuses := h.downstreams.Status()
		connected := 0
		for _, s := range statuses {
			switch s.State {
			case downstream.StateConnected:
				connected++
				checks["downstream:"+s.Alias] = "ok"
			case downstream.StateFailed:
				checks["downstream:"+s.Alias] = "failed: " + s.Err
			case downstream.StateClosed:
				checks["downstream:"+s.Alias] = "closed"
			}
		}
		if len(statuses) > 0 && connected == 0 {
			healthy = false
		}
		checks["downstreams"] = fmt.Sprintf("%d/%d connected", connected, len(statuses))
	} else {
		checks["downstreams"] = "not configured"
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

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
