// Package metrics exposes flowpulse runtime metrics in the Prometheus
// format. Each Collector owns its registry so several can coexist in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/WessleyAI/flowpulse/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are the fetch latency buckets in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Collector holds every flowpulse metric.
type Collector struct {
	reg *prometheus.Registry

	fetches        *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	recomputes     *prometheus.CounterVec
	refetches      *prometheus.CounterVec
	schedulerState *prometheus.GaugeVec
	interval       prometheus.Gauge
	breakerState   *prometheus.GaugeVec
	nodes          prometheus.Gauge
	edges          prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

// New creates a Collector with its own registry. Go runtime and process
// collectors are included.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpulse_history_fetches_total",
			Help: "History provider calls by kind and result.",
		}, []string{"kind", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpulse_history_fetch_duration_seconds",
			Help:    "History provider call latency.",
			Buckets: DefaultBuckets,
		}, []string{"kind"}),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpulse_recomputes_total",
			Help: "Projection recomputations by target and whether anything changed.",
		}, []string{"target", "changed"}),
		refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpulse_refetches_total",
			Help: "Refetch passes by trigger.",
		}, []string{"trigger"}),
		schedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowpulse_scheduler_state",
			Help: "1 for the scheduler's current state, 0 otherwise.",
		}, []string{"state"}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowpulse_scheduler_interval_seconds",
			Help: "Interval of the armed refetch timer, 0 when disarmed.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowpulse_breaker_state",
			Help: "Circuit breaker state per history kind (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowpulse_flow_nodes",
			Help: "Nodes in the served flow.",
		}),
		edges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowpulse_flow_edges",
			Help: "Edges in the served flow.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpulse_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
	c.reg.MustRegister(
		c.fetches, c.fetchDuration, c.recomputes, c.refetches,
		c.schedulerState, c.interval, c.breakerState, c.nodes, c.edges,
		c.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// ObserveFetch records one history provider call.
func (c *Collector) ObserveFetch(kind string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.fetches.WithLabelValues(kind, result).Inc()
	c.fetchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveRecompute records one projection pass over nodes or edges.
func (c *Collector) ObserveRecompute(target string, changed bool) {
	v := "false"
	if changed {
		v = "true"
	}
	c.recomputes.WithLabelValues(target, v).Inc()
}

// IncRefetch counts a refetch pass started by trigger.
func (c *Collector) IncRefetch(trigger string) {
	c.refetches.WithLabelValues(trigger).Inc()
}

// SetScheduler records the scheduler state and armed interval.
func (c *Collector) SetScheduler(state string, interval time.Duration, states ...string) {
	for _, s := range states {
		c.schedulerState.WithLabelValues(s).Set(0)
	}
	c.schedulerState.WithLabelValues(state).Set(1)
	c.interval.Set(interval.Seconds())
}

// BreakerChanged matches resilience.BreakerOpts.OnStateChange.
func (c *Collector) BreakerChanged(name string, _, to resilience.State) {
	c.breakerState.WithLabelValues(name).Set(float64(to))
}

// SetGraphSize records the node and edge counts of the served flow.
func (c *Collector) SetGraphSize(nodes, edges int) {
	c.nodes.Set(float64(nodes))
	c.edges.Set(float64(edges))
}

// ObserveHTTP counts one served request.
func (c *Collector) ObserveHTTP(method string, code int) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
