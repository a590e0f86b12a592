// Package metrics exposes Prometheus collectors for generations, tool calls,
// MCP reconnects and consistency failures.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Opts holds the configuration options for the metrics API
type Opts struct {
	AuthMiddleware func(http.Handler) http.Handler
	// Registry defaults to a fresh registry
	Registry *prometheus.Registry
}

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	Router   chi.Router
	registry *prometheus.Registry

	generations         *prometheus.CounterVec
	generationsInFlight prometheus.Gauge
	generationDuration  prometheus.Histogram
	stageTransitions    *prometheus.CounterVec
	toolCalls           *prometheus.CounterVec
	toolCallDuration    *prometheus.HistogramVec
	reconnects          *prometheus.CounterVec
	consistencyFailures prometheus.Counter
	samplingRequests    *prometheus.CounterVec
}

// New creates the collectors and the /metrics router
func New(opts Opts) *Metrics {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		Router:   chi.NewRouter(),
		registry: registry,
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadloom_generations_total",
			Help: "Generations finished, by outcome",
		}, []string{"outcome"}),
		generationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threadloom_generations_in_flight",
			Help: "Generations currently running",
		}),
		generationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threadloom_generation_duration_seconds",
			Help:    "Wall time of a generation turn",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadloom_stage_transitions_total",
			Help: "Thread generation stage transitions, by target stage",
		}, []string{"stage"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadloom_tool_calls_total",
			Help: "Tool invocations, by tool and outcome",
		}, []string{"tool", "outcome"}),
		toolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threadloom_tool_call_duration_seconds",
			Help:    "Tool invocation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadloom_mcp_reconnects_total",
			Help: "MCP reconnect attempts, by server, trigger and outcome",
		}, []string{"server", "trigger", "outcome"}),
		consistencyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadloom_consistency_violations_total",
			Help: "Writes rejected because the thread log changed underneath them",
		}),
		samplingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadloom_sampling_requests_total",
			Help: "Server initiated sampling requests, by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		m.generations,
		m.generationsInFlight,
		m.generationDuration,
		m.stageTransitions,
		m.toolCalls,
		m.toolCallDuration,
		m.reconnects,
		m.consistencyFailures,
		m.samplingRequests,
	)

	var handler http.Handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	if opts.AuthMiddleware != nil {
		handler = opts.AuthMiddleware(handler)
	}
	m.Router.Method(http.MethodGet, "/", handler)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
