// Package metrics defines the Prometheus collectors for MCP traffic,
// tool execution, SSE sessions and the tool-call loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCBuckets spans 5ms to 60s, covering in-process calls through slow
// remote tools.
var RPCBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// RPCDuration records client-side JSON-RPC latency by server, method
	// and status ("ok", "rpc_error", "timeout", "failed").
	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphost_rpc_duration_seconds",
			Help:    "MCP JSON-RPC request duration",
			Buckets: RPCBuckets,
		},
		[]string{"server", "method", "status"},
	)

	// ToolCallsTotal counts routed tool calls by server, tool and outcome
	// ("ok", "tool_error", "failed", "not_found").
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_tool_calls_total",
			Help: "Tool calls routed through the manager",
		},
		[]string{"server", "tool", "outcome"},
	)

	// ServersByState tracks configured servers by lifecycle state.
	ServersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcphost_servers",
			Help: "Configured MCP servers by state",
		},
		[]string{"state"},
	)

	// SessionsActive tracks open SSE sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcphost_sse_sessions_active",
			Help: "Active SSE sessions",
		},
	)

	// LoopRunsTotal counts finished tool-call loops by stop reason.
	LoopRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_loop_runs_total",
			Help: "Tool-call loop runs",
		},
		[]string{"stop_reason"},
	)

	// LoopRounds records how many model rounds each loop run used.
	LoopRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcphost_loop_rounds",
			Help:    "Model rounds per tool-call loop run",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		},
	)
)

func init() {
	prometheus.MustRegister(
		RPCDuration,
		ToolCallsTotal,
		ServersByState,
		SessionsActive,
		LoopRunsTotal,
		LoopRounds,
	)
}

// ObserveRPC records one client request.
func ObserveRPC(server, method, status string, elapsed time.Duration) {
	RPCDuration.WithLabelValues(server, method, status).Observe(elapsed.Seconds())
}
