// Package metrics provides Prometheus metrics export for the proxy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "motiveproxy"

// Collector bundles the proxy's Prometheus collectors behind one registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	rendezvousTotal   *prometheus.CounterVec
	rendezvousLatency prometheus.Histogram

	sessionsActive prometheus.Gauge
	sessionsReaped prometheus.Counter
}

// Config configures the collector.
type Config struct {
	// Registry to use (if nil, creates a new one).
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds).
	LatencyBuckets []float64
}

// DefaultConfig returns the default collector configuration. The buckets are
// wide because a healthy rendezvous spends most of its latency suspended,
// waiting for a human on the other side.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.005, 0.05, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}
}

// NewCollector creates and registers the proxy collectors.
func NewCollector(cfg Config) *Collector {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{registry: registry}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "status"},
	)
	c.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_latency_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"path"},
	)
	c.rendezvousTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rendezvous_total",
			Help:      "Rendezvous outcomes (delivered, timeout, cancelled, closed, error)",
		},
		[]string{"outcome"},
	)
	c.rendezvousLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rendezvous_latency_seconds",
			Help:      "Time a request spent inside the session exchange",
			Buckets:   cfg.LatencyBuckets,
		},
	)
	c.sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sessions in the registry",
		},
	)
	c.sessionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Total number of sessions evicted by the TTL reaper",
		},
	)

	registry.MustRegister(
		c.requestsTotal,
		c.requestLatency,
		c.rendezvousTotal,
		c.rendezvousLatency,
		c.sessionsActive,
		c.sessionsReaped,
	)
	return c
}

// RecordRequest records one terminated HTTP request.
func (c *Collector) RecordRequest(path string, status int, latency time.Duration) {
	c.requestsTotal.WithLabelValues(path, statusLabel(status)).Inc()
	c.requestLatency.WithLabelValues(path).Observe(latency.Seconds())
}

// RecordRendezvous records one session exchange and its outcome.
func (c *Collector) RecordRendezvous(outcome string, latency time.Duration) {
	c.rendezvousTotal.WithLabelValues(outcome).Inc()
	c.rendezvousLatency.Observe(latency.Seconds())
}

// SessionsActive returns the live-session gauge, wired into the registry.
func (c *Collector) SessionsActive() prometheus.Gauge {
	return c.sessionsActive
}

// RecordReaped adds to the reaped-session counter.
func (c *Collector) RecordReaped(count int) {
	c.sessionsReaped.Add(float64(count))
}

// Handler returns the HTTP handler serving the /metrics exposition.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
