package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analyst_build_info",
			Help: "Build information of the analyst",
		},
		[]string{"version", "commit", "date"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_turns_total",
			Help: "Total number of turns by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_turn_duration_seconds",
			Help:    "Duration of turns",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s to ~100s
		},
	)

	PlansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_plans_total",
			Help: "Total number of plans by stop reason",
		},
		[]string{"stop_reason", "fallback"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_generations_total",
			Help: "Total number of step generations by provider and status",
		},
		[]string{"provider", "status"},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_executions_total",
			Help: "Total number of query executions by status",
		},
		[]string{"status"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_execution_duration_seconds",
			Help:    "Duration of query executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_retries_total",
			Help: "Total number of step retries by phase",
		},
		[]string{"phase"},
	)

	BlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_blocked_total",
			Help: "Total number of blocked turns by stop reason",
		},
		[]string{"stop_reason"},
	)

	GuardViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_guard_violations_total",
			Help: "Total number of rejected queries by provider",
		},
		[]string{"provider"},
	)

	BackendQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_backend_queries_total",
			Help: "Total number of backend queries by backend and status",
		},
		[]string{"backend", "status"},
	)

	BackendQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_backend_query_duration_seconds",
			Help:    "Duration of backend queries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"backend"},
	)

	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_llm_calls_total",
			Help: "Total number of language model calls",
		},
		[]string{"status"},
	)

	LLMCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_llm_call_duration_seconds",
			Help:    "Duration of language model calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	SubAnalystCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_subanalyst_calls_total",
			Help: "Total number of sub-analyst calls",
		},
		[]string{"status"},
	)

	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_mcp_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool_name", "status"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyst_mcp_tool_call_duration_seconds",
			Help:    "Duration of MCP tool calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
		[]string{"tool_name"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_mcp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyst_mcp_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyst_mcp_auth_failures_total",
			Help: "Total number of authentication failures",
		},
		[]string{"reason"},
	)
)
