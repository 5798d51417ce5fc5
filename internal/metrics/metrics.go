// Package metrics exposes gateway request metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aman-churiwal/edge-gateway/internal/events"
)

// Collector turns pipeline events into Prometheus metrics. It is an
// events.Sink and owns its own registry.
type Collector struct {
	namespace       string
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	responseSize    *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	failures        *prometheus.CounterVec
	circuitBreaker  prometheus.Gauge
	backendHealth   prometheus.Gauge
	startTime       prometheus.Gauge
}

func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Collector{namespace: namespace, registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests by terminating stage and status",
		},
		[]string{"method", "stage", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request receipt to response, by terminating stage",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30,
			},
		},
		[]string{"stage"},
	)

	m.responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Response body size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"stage"},
	)

	m.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result",
		},
		[]string{"result"},
	)

	m.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Requests that ended in a rejection or upstream error, by reason",
		},
		[]string{"reason"},
	)

	m.circuitBreaker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Backend circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	m.backendHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_health",
			Help:      "Backend health as seen by the prober (1=healthy, 0=unhealthy)",
		},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.responseSize,
		m.cacheLookups,
		m.failures,
		m.circuitBreaker,
		m.backendHealth,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()
	return m
}

// Emit records one completed request.
func (m *Collector) Emit(e events.Event) {
	status := strconv.Itoa(e.Status)
	m.requestsTotal.WithLabelValues(e.Method, e.Stage, status).Inc()
	m.requestDuration.WithLabelValues(e.Stage).Observe(e.Elapsed.Seconds())
	m.responseSize.WithLabelValues(e.Stage).Observe(float64(e.BytesOut))

	if e.Cache != "" {
		m.cacheLookups.WithLabelValues(e.Cache).Inc()
	}
	if e.Error != "" {
		m.failures.WithLabelValues(e.Error).Inc()
	}
}

// TrackSize registers a gauge whose value is read from fn at scrape time.
func (m *Collector) TrackSize(name, help string, fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help,
		},
		func() float64 { return float64(fn()) },
	))
}

// SetCircuitBreakerState records the breaker state as its numeric value.
func (m *Collector) SetCircuitBreakerState(state int) {
	m.circuitBreaker.Set(float64(state))
}

// SetBackendHealth records the prober's verdict.
func (m *Collector) SetBackendHealth(healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.backendHealth.Set(value)
}

func (m *Collector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
