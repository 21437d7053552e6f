package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so several servers can live in one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	latencyMS       *prometheus.HistogramVec
	checkouts       *prometheus.CounterVec
	checkoutLatency prometheus.Histogram
	lowStock        prometheus.Counter
	qrTransitions   *prometheus.CounterVec
}

var latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possale",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		latencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "possale",
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   latencyBuckets,
		}, []string{"handler"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possale",
			Subsystem: "sales",
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome (ok or an error code).",
		}, []string{"outcome"}),
		checkoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "possale",
			Subsystem: "sales",
			Name:      "checkout_duration_ms",
			Help:      "Checkout latency in milliseconds.",
			Buckets:   latencyBuckets,
		}),
		lowStock: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "possale",
			Subsystem: "sales",
			Name:      "low_stock_warnings_total",
			Help:      "Low stock warnings attached to receipts.",
		}),
		qrTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "possale",
			Subsystem: "qr",
			Name:      "session_transitions_total",
			Help:      "QR payment session transitions by resulting status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.latencyMS,
		m.checkouts,
		m.checkoutLatency,
		m.lowStock,
		m.qrTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.latencyMS.WithLabelValues(handler).Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *Metrics) ObserveCheckout(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
	m.checkoutLatency.Observe(float64(elapsed.Microseconds()) / 1000)
}

func (m *Metrics) LowStockWarnings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lowStock.Add(float64(n))
}

func (m *Metrics) QRTransition(status string) {
	if m == nil {
		return
	}
	m.qrTransitions.WithLabelValues(status).Inc()
}
