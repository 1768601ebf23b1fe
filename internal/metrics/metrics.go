// Package metrics declares the proxy's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ToolCallsTotal counts gated tool calls by decision outcome.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_tool_calls_total",
			Help: "Total number of intercepted tool calls by decision",
		},
		[]string{"decision"},
	)
	// DecisionDuration observes policy decision latency.
	DecisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "toolgate_decision_duration_milliseconds",
			Help:    "Policy decision latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)
	// ActiveSessions tracks currently open agent sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolgate_active_sessions",
			Help: "Number of currently open agent sessions",
		},
	)
	// AuditDroppedTotal counts audit records dropped on buffer overflow.
	AuditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_audit_dropped_total",
			Help: "Total number of audit records dropped due to a full buffer",
		},
	)
	// UpstreamReconnectsTotal counts executor reconnect attempts.
	UpstreamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "toolgate_upstream_reconnects_total",
			Help: "Total number of executor reconnect attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(ToolCallsTotal)
	prometheus.MustRegister(DecisionDuration)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(AuditDroppedTotal)
	prometheus.MustRegister(UpstreamReconnectsTotal)
}
