package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// HTTPMetrics tracks request volume and latency per route.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardauth",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of HTTP requests segmented by route, method and status class.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cardauth",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution of HTTP requests per route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one served request.
func (m *HTTPMetrics) Observe(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(labelOrUnknown(route), method, status).Inc()
	m.latency.WithLabelValues(labelOrUnknown(route), method).Observe(d.Seconds())
}
