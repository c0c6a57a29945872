// Package telemetry exposes Prometheus metrics for authorization decisions,
// tool execution, maintenance jobs and the upstream client.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "enact"

// Metrics holds every collector on a private registry so that multiple
// instances (and tests) never collide on the global one. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	decisions        *prometheus.CounterVec
	authorizeLatency prometheus.Histogram
	toolCalls        *prometheus.CounterVec
	toolLatency      *prometheus.HistogramVec
	usageWriteErrors prometheus.Counter
	tokensSwept      prometheus.Counter
	usagePruned      prometheus.Counter
	upstreamRequests *prometheus.CounterVec
	upstreamCache    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_decisions_total",
			Help:      "Authorization decisions by reason.",
		}, []string{"reason"}),
		authorizeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authorization_duration_seconds",
			Help:      "Time spent deciding whether to allow a tool call.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Executed tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		usageWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_write_errors_total",
			Help:      "Usage records that could not be persisted.",
		}),
		tokensSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_expired_deactivated_total",
			Help:      "Tokens deactivated by the expiry sweep.",
		}),
		usagePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_pruned_total",
			Help:      "Usage records removed by retention.",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Requests to upstream data APIs by host and status class.",
		}, []string{"host", "status"}),
		upstreamCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_cache_total",
			Help:      "Upstream response cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions,
		m.authorizeLatency,
		m.toolCalls,
		m.toolLatency,
		m.usageWriteErrors,
		m.tokensSwept,
		m.usagePruned,
		m.upstreamRequests,
		m.upstreamCache,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveDecision records one authorization decision.
func (m *Metrics) ObserveDecision(reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(reason).Inc()
	m.authorizeLatency.Observe(took.Seconds())
}

// ObserveToolCall records one executed tool call.
func (m *Metrics) ObserveToolCall(tool string, success bool, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolLatency.WithLabelValues(tool).Observe(took.Seconds())
}

// UsageWriteFailed counts a lost usage record.
func (m *Metrics) UsageWriteFailed() {
	if m == nil {
		return
	}
	m.usageWriteErrors.Inc()
}

// TokensSwept counts tokens deactivated by the expiry sweep.
func (m *Metrics) TokensSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensSwept.Add(float64(n))
}

// UsagePruned counts usage records removed by retention.
func (m *Metrics) UsagePruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.usagePruned.Add(float64(n))
}

// ObserveUpstream records an upstream response status.
func (m *Metrics) ObserveUpstream(host string, status int) {
	if m == nil {
		return
	}
	class := "error"
	if status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	m.upstreamRequests.WithLabelValues(host, class).Inc()
}

// ObserveCache records an upstream cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.upstreamCache.WithLabelValues(result).Inc()
}

// RegisterTokenGauge exposes the active token count, read on each scrape.
func (m *Metrics) RegisterTokenGauge(active func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tokens",
		Help:      "Tokens currently active.",
	}, active))
}
