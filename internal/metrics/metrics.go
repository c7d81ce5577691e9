package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExecutionsTotal counts code executions per backend and outcome
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliquary_executions_total",
			Help: "Total number of code executions",
		},
		[]string{"backend", "status"},
	)

	// ExecutionDuration tracks code execution latency per backend
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reliquary_execution_duration_seconds",
			Help:    "Code execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"backend"},
	)

	// RPCRequestsTotal counts namespace RPC requests served by the host
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliquary_rpc_requests_total",
			Help: "Total number of namespace RPC requests dispatched to providers",
		},
		[]string{"namespace", "operation", "status"},
	)

	// ToolCalls counts tool invocations through the registry
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliquary_tool_calls_total",
			Help: "Total number of tool calls",
		},
		[]string{"tool", "status"},
	)

	// ActiveWorkers tracks running worker processes
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reliquary_active_workers",
			Help: "Number of running worker processes",
		},
	)

	// SkillsIndexed tracks the number of skills in the semantic index
	SkillsIndexed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reliquary_skills_indexed",
			Help: "Number of skills currently indexed for semantic search",
		},
	)

	// EmbeddingCacheLookups counts vector cache hits and misses during reindex
	EmbeddingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reliquary_embedding_cache_lookups_total",
			Help: "Vector cache lookups during skill reindexing",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecution records one code execution
func RecordExecution(backend, status string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(backend, status).Inc()
	ExecutionDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordRPC records one dispatched namespace RPC request
func RecordRPC(namespace, operation, status string) {
	RPCRequestsTotal.WithLabelValues(namespace, operation, status).Inc()
}

// RecordToolCall records a tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordEmbeddingCache records a vector cache hit or miss
func RecordEmbeddingCache(hit bool) {
	if hit {
		EmbeddingCacheLookups.WithLabelValues("hit").Inc()
	} else {
		EmbeddingCacheLookups.WithLabelValues("miss").Inc()
	}
}
