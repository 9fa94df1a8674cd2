package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification module.
type Metrics struct {
	// Provider sessions created, including superseded restarts
	SessionsCreated prometheus.Counter

	// Webhook processing outcomes by result
	WebhookOutcome *prometheus.CounterVec

	// Terminal status transitions by final status
	TerminalTransitions *prometheus.CounterVec

	// Conflicting terminal statuses overwriting a prior terminal record
	TerminalOverwrites prometheus.Counter

	// Provider round-trip latency by operation
	ProviderLatency *prometheus.HistogramVec

	// Decision poll latency including store update
	PollLatency prometheus.Histogram
}

// New creates a new Metrics instance with all verification module metrics registered.
func New() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kycbridge_verification_sessions_created_total",
			Help: "Total provider verification sessions created",
		}),

		WebhookOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kycbridge_verification_webhook_outcomes_total",
			Help: "Total webhook deliveries by processing result",
		}, []string{"result"}), // result: "accepted", "unauthorized", "forbidden", "bad_request", "not_found"

		TerminalTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kycbridge_verification_terminal_transitions_total",
			Help: "Total sessions reaching a terminal status",
		}, []string{"status"}),

		TerminalOverwrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kycbridge_verification_terminal_overwrites_total",
			Help: "Total terminal statuses replaced by a different terminal status",
		}),

		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kycbridge_verification_provider_duration_seconds",
			Help:    "Duration of provider API calls by operation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}), // operation: "create_session", "get_decision"

		PollLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kycbridge_verification_poll_duration_seconds",
			Help:    "Duration of decision polls including store update",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// IncrementSessionsCreated records a newly created provider session.
func (m *Metrics) IncrementSessionsCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

// IncrementWebhookOutcome records the result of processing a webhook delivery.
func (m *Metrics) IncrementWebhookOutcome(result string) {
	if m != nil {
		m.WebhookOutcome.WithLabelValues(result).Inc()
	}
}

// IncrementTerminalTransition records a session reaching a terminal status.
func (m *Metrics) IncrementTerminalTransition(status string) {
	if m != nil {
		m.TerminalTransitions.WithLabelValues(status).Inc()
	}
}

// IncrementTerminalOverwrite records a terminal status replaced by a different one.
func (m *Metrics) IncrementTerminalOverwrite() {
	if m != nil {
		m.TerminalOverwrites.Inc()
	}
}

// ObserveProviderLatency records the duration of a provider API call.
func (m *Metrics) ObserveProviderLatency(operation string, d time.Duration) {
	if m != nil {
		m.ProviderLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

// ObservePollLatency records the duration of a decision poll.
func (m *Metrics) ObservePollLatency(d time.Duration) {
	if m != nil {
		m.PollLatency.Observe(d.Seconds())
	}
}
