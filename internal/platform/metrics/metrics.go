package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds application-wide Prometheus metrics. Domain modules carry
// their own metrics package; this one covers the HTTP surface.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
}

// New creates and registers all application-level Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kycbridge_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "status"}),

		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kycbridge_http_requests_total",
			Help: "Total HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m != nil {
		m.RequestDuration.WithLabelValues(route, status).Observe(d.Seconds())
		m.RequestsTotal.WithLabelValues(route, status).Inc()
	}
}
