package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects orchestrator metrics for the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	// ToolCalls counts dispatched tool calls.
	// Labels: tool, outcome (success|failure|rejected)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures downstream tool-call latency in seconds.
	// Labels: server
	ToolCallDuration *prometheus.HistogramVec

	// Executions counts sandbox executions by terminal status.
	// Labels: status (succeeded|failed|timed-out|cancelled)
	Executions *prometheus.CounterVec

	// ActiveExecutions tracks currently running sandboxes.
	ActiveExecutions prometheus.Gauge

	// QueueDepth tracks the admission queue length.
	QueueDepth prometheus.Gauge

	// ActiveDownstreamCalls tracks in-flight calls against the pool cap.
	ActiveDownstreamCalls prometheus.Gauge

	// CircuitState exposes the breaker state per downstream server
	// (0 closed, 1 half-open, 2 open).
	CircuitState *prometheus.GaugeVec

	// SchemaCacheHits counts schema cache lookups.
	// Labels: result (hit|miss|stale)
	SchemaCacheHits *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	return &Metrics{
		registry: reg,
		ToolCalls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "code_executor_tool_calls_total",
			Help: "Tool calls dispatched, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "code_executor_tool_call_duration_seconds",
			Help:    "Downstream tool-call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"server"}),
		Executions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "code_executor_executions_total",
			Help: "Sandbox executions by terminal status.",
		}, []string{"status"}),
		ActiveExecutions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "code_executor_active_executions",
			Help: "Currently running sandbox executions.",
		}),
		QueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "code_executor_queue_depth",
			Help: "Entries waiting in the admission queue.",
		}),
		ActiveDownstreamCalls: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "code_executor_active_downstream_calls",
			Help: "In-flight downstream tool calls.",
		}),
		CircuitState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "code_executor_circuit_state",
			Help: "Circuit breaker state per downstream server (0 closed, 1 half-open, 2 open).",
		}, []string{"server"}),
		SchemaCacheHits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "code_executor_schema_cache_lookups_total",
			Help: "Schema cache lookups by result.",
		}, []string{"result"}),
	}
}

// Handler returns the HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
