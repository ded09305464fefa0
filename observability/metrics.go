package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	authMetricsOnce sync.Once
	authRegistry    *AuthorizationMetrics
)

// AuthorizationMetrics bundles the Prometheus collectors tracking pipeline
// health: decision volume, authorize latency, hold transitions and expiry
// sweeps.
type AuthorizationMetrics struct {
	decisions        *prometheus.CounterVec
	authorizeLatency *prometheus.HistogramVec
	holdTransitions  *prometheus.CounterVec
	sweepRuns        prometheus.Counter
	sweepFailures    prometheus.Counter
}

// Authorization returns the lazily-initialised metrics registry for the
// authorization pipeline.
func Authorization() *AuthorizationMetrics {
	authMetricsOnce.Do(func() {
		authRegistry = &AuthorizationMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardauth",
				Subsystem: "authz",
				Name:      "decisions_total",
				Help:      "Count of authorization decisions segmented by outcome and reason code.",
			}, []string{"decision", "reason"}),
			authorizeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cardauth",
				Subsystem: "authz",
				Name:      "authorize_duration_seconds",
				Help:      "Latency distribution for end-to-end authorize calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"decision"}),
			holdTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardauth",
				Subsystem: "holds",
				Name:      "transitions_total",
				Help:      "Count of hold state transitions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cardauth",
				Subsystem: "sweeper",
				Name:      "runs_total",
				Help:      "Number of expiry sweep executions.",
			}),
			sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "cardauth",
				Subsystem: "sweeper",
				Name:      "hold_failures_total",
				Help:      "Number of individual holds that failed to expire during sweeps.",
			}),
		}
		prometheus.MustRegister(
			authRegistry.decisions,
			authRegistry.authorizeLatency,
			authRegistry.holdTransitions,
			authRegistry.sweepRuns,
			authRegistry.sweepFailures,
		)
	})
	return authRegistry
}

// ObserveDecision records a decision outcome and its end-to-end latency.
func (m *AuthorizationMetrics) ObserveDecision(decision, reason string, d time.Duration) {
	if m == nil {
		return
	}
	decision = labelOrUnknown(decision)
	m.decisions.WithLabelValues(decision, labelOrUnknown(reason)).Inc()
	m.authorizeLatency.WithLabelValues(decision).Observe(d.Seconds())
}

// RecordHoldTransition increments the transition counter for an action
// ("capture", "release", "expire") and outcome ("success", "error").
func (m *AuthorizationMetrics) RecordHoldTransition(action string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.holdTransitions.WithLabelValues(labelOrUnknown(action), outcome).Inc()
}

// RecordSweep tallies one sweep run and the number of per-hold failures it hit.
func (m *AuthorizationMetrics) RecordSweep(failures int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	if failures > 0 {
		m.sweepFailures.Add(float64(failures))
	}
}

func labelOrUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}
