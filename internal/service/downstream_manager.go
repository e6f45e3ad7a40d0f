package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/latch-dev/latch/internal/domain/downstream"
	"github.com/latch-dev/latch/internal/port/outbound"
)

// ErrAllDownstreamsFailed is returned by ConnectAll when servers were
// configured but none connected.
var ErrAllDownstreamsFailed = errors.New("all downstream server connections failed")

// DefaultConnectTimeout bounds a single downstream handshake.
const DefaultConnectTimeout = 30 * time.Second

// ClientFactory creates the client for one configured downstream.
type ClientFactory func(cfg downstream.ServerConfig) outbound.ToolClient

// DownstreamManager owns the live downstream sessions, aggregates their
// tools under namespaced names and routes calls back to the owner.
type DownstreamManager struct {
	factory        ClientFactory
	connectTimeout time.Duration
	metrics        MetricsRecorder
	logger         *slog.Logger

	mu       sync.RWMutex
	clients  map[string]outbound.ToolClient
	order    []string
	statuses []downstream.Status
}

// DownstreamOption configures a DownstreamManager.
type DownstreamOption func(*DownstreamManager)

// WithConnectTimeout overrides DefaultConnectTimeout. Zero disables it.
func WithConnectTimeout(d time.Duration) DownstreamOption {
	return func(m *DownstreamManager) { m.connectTimeout = d }
}

// WithDownstreamMetrics reports connection counts to r.
func WithDownstreamMetrics(r MetricsRecorder) DownstreamOption {
	return func(m *DownstreamManager) { m.metrics = r }
}

// NewDownstreamManager creates an empty manager.
func NewDownstreamManager(factory ClientFactory, logger *slog.Logger, opts ...DownstreamOption) *DownstreamManager {
	m := &DownstreamManager{
		factory:        factory,
		connectTimeout: DefaultConnectTimeout,
		metrics:        NopMetrics{},
		logger:         logger,
		clients:        make(map[string]outbound.ToolClient),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConnectAll connects to every server concurrently and waits for all
// attempts to settle. Individual failures are logged; the call fails only
// when servers is non-empty and nothing connected.
func (m *DownstreamManager) ConnectAll(ctx context.Context, servers []downstream.ServerConfig) error {
	type outcome struct {
		client outbound.ToolClient
		err    error
	}
	results := make([]outcome, len(servers))
	seen := make(map[string]bool, len(servers))

	var wg sync.WaitGroup
	for i, cfg := range servers {
		if seen[cfg.Alias] {
			results[i].err = fmt.Errorf("duplicate alias %q", cfg.Alias)
			continue
		}
		seen[cfg.Alias] = true

		wg.Add(1)
		go func(i int, cfg downstream.ServerConfig) {
			defer wg.Done()
			connectCtx := ctx
			if m.connectTimeout > 0 {
				var cancel context.CancelFunc
				connectCtx, cancel = context.WithTimeout(ctx, m.connectTimeout)
				defer cancel()
			}
			client := m.factory(cfg)
			if err := client.Connect(connectCtx); err != nil {
				_ = client.Close()
				results[i].err = err
				return
			}
			results[i].client = client
		}(i, cfg)
	}
	wg.Wait()

	m.mu.Lock()
	connected := 0
	for i, cfg := range servers {
		r := results[i]
		if r.err != nil {
			m.logger.Error("failed to connect to downstream server", "alias", cfg.Alias, "error", r.err)
			m.statuses = append(m.statuses, downstream.Status{Alias: cfg.Alias, State: downstream.StateFailed, Err: r.err.Error()})
			continue
		}
		m.clients[cfg.Alias] = r.client
		m.order = append(m.order, cfg.Alias)
		m.statuses = append(m.statuses, downstream.Status{Alias: cfg.Alias, State: downstream.StateConnected})
		connected++
	}
	failed := len(servers) - connected
	m.mu.Unlock()

	m.metrics.SetDownstreams(connected, failed)
	m.logger.Info("downstream servers connected", "connected", connected, "failed", failed)

	if len(servers) > 0 && connected == 0 {
		return ErrAllDownstreamsFailed
	}
	return nil
}

// ListAllTools returns the tools of every live downstream, namespaced and
// in configuration order. A server whose listing fails is logged and
// skipped.
func (m *DownstreamManager) ListAllTools(ctx context.Context) ([]downstream.NamespacedTool, error) {
	m.mu.RLock()
	order := append([]string(nil), m.order...)
	clients := make(map[string]outbound.ToolClient, len(m.clients))
	for k, v := range m.clients {
		clients[k] = v
	}
	m.mu.RUnlock()

	all := []downstream.NamespacedTool{}
	for _, alias := range order {
		tools, err := clients[alias].ListTools(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("failed to list downstream tools", "alias", alias, "error", err)
			continue
		}
		for _, t := range tools {
			all = append(all, downstream.NamespacedTool{
				Tool:           t,
				Alias:          alias,
				NamespacedName: downstream.Namespace(alias, t.Name),
			})
		}
	}
	return all, nil
}

// RouteCall forwards a namespaced call to its owning downstream.
// Unroutable names yield *downstream.RoutingError.
func (m *DownstreamManager) RouteCall(ctx context.Context, namespacedName string, args map[string]any) (*downstream.CallResult, error) {
	alias, rawName, err := downstream.SplitNamespaced(namespacedName)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	client, ok := m.clients[alias]
	m.mu.RUnlock()
	if !ok {
		return nil, &downstream.RoutingError{Tool: namespacedName, Alias: alias}
	}
	return client.CallTool(ctx, rawName, args)
}

// CloseAll closes every client concurrently. Close errors are logged at
// debug level and otherwise ignored.
func (m *DownstreamManager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]outbound.ToolClient)
	m.order = nil
	for i := range m.statuses {
		if m.statuses[i].State == downstream.StateConnected {
			m.statuses[i].State = downstream.StateClosed
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for alias, c := range clients {
		wg.Add(1)
		go func(alias string, c outbound.ToolClient) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				m.logger.Debug("error closing downstream", "alias", alias, "error", err)
			}
		}(alias, c)
	}
	wg.Wait()
	m.metrics.SetDownstreams(0, 0)
}

// Status returns a snapshot of every connect attempt.
func (m *DownstreamManager) Status() []downstream.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]downstream.Status(nil), m.statuses...)
}
