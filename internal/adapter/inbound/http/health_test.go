package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/latch-dev/latch/internal/domain/downstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedStatus []downstream.Status

func (f fixedStatus) Status() []downstream.Status { return f }

func TestHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		source     StatusSource
		wantStatus string
		wantCode   int
		check      string
		wantCheck  string
	}{
		{
			name:       "nil source",
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			check:      "downstreams",
			wantCheck:  "not configured",
		},
		{
			name:       "no servers configured",
			source:     fixedStatus{},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			check:      "downstreams",
			wantCheck:  "0/0 connected",
		},
		{
			name: "partial",
			source: fixedStatus{
				{Alias: "fs", State: downstream.StateConnected},
				{Alias: "gh", State: downstream.StateFailed, Err: "exit 1"},
			},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			check:      "downstream:gh",
			wantCheck:  "failed: exit 1",
		},
		{
			name:       "all failed",
			source:     fixedStatus{{Alias: "gh", State: downstream.StateFailed, Err: "exit 1"}},
			wantStatus: "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
			check:      "downstreams",
			wantCheck:  "0/1 connected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(tt.source, "test-version")

			rec := httptest.NewRecorder()
			hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var health HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if health.Status != tt.wantStatus || health.Version != "test-version" {
				t.Errorf("health = %+v", health)
			}
			if health.Checks[tt.check] != tt.wantCheck {
				t.Errorf("checks[%s] = %q, want %q", tt.check, health.Checks[tt.check], tt.wantCheck)
			}
		})
	}
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordAuditFailure()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer("127.0.0.1:0", reg, NewHealthChecker(nil, ""), discardLogger())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	base := "http://" + srv.Addr().String()

	resp, err := client.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "latch_audit_write_failures_total 1") {
		t.Errorf("/metrics body lacks the audit failure counter:\n%s", body)
	}

	resp, err = client.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = client.Post(base+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /metrics status = %d, want 405", resp.StatusCode)
	}
}

func TestServer_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer("127.0.0.1:0", prometheus.NewRegistry(), NewHealthChecker(nil, ""), discardLogger())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cancel()
	<-srv.done
}
