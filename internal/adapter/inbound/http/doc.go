// Package http exposes the gateway's operational endpoints.
//
// When metrics.addr is set, serve starts a small listener with:
//
//	GET /metrics  - Prometheus exposition of the gateway registry
//	GET /healthz  - JSON health summary of the downstream servers
//
// The listener is separate from the MCP channel, which is always stdio.
package http
