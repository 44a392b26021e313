// Package metrics holds the Prometheus collectors for the gateway.
//
// A nil *Metrics is valid and records nothing, so callers don't need to
// check whether metrics are enabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatproxy"

// Metrics is the set of gateway collectors, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	deltas   *prometheus.CounterVec
	upstream *prometheus.HistogramVec
}

// New creates the collectors and registers them on registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Chat completion requests by model, engine, response mode and HTTP status.",
		}, []string{"model", "engine", "mode", "status"}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_deltas_total",
			Help:      "Non-empty text deltas written to streaming clients.",
		}, []string{"engine"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_seconds",
			Help:      "Time from dispatch until the upstream answer was fully relayed.",
			// LLM latencies: 100ms to a couple of minutes for long streams.
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"engine", "mode"}),
	}

	registry.MustRegister(m.requests, m.deltas, m.upstream)
	return m
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(model, engine, mode string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(model, engine, mode, strconv.Itoa(status)).Inc()
}

// AddDeltas counts streamed chunks.
func (m *Metrics) AddDeltas(engine string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deltas.WithLabelValues(engine).Add(float64(n))
}

// ObserveUpstream records how long an engine took to produce its answer.
func (m *Metrics) ObserveUpstream(engine, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(engine, mode).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
