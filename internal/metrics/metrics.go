package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so tests and one-shot CLI runs skip registration.
type Metrics struct {
	syncPasses    *prometheus.CounterVec
	passDuration  prometheus.Histogram
	providerCalls *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	feedRequests  *prometheus.CounterVec
}

// New registers the engine's collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "curasync",
			Name:      "sync_passes_total",
			Help:      "Reconciliation passes by outcome.",
		}, []string{"provider", "outcome"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "curasync",
			Name:      "sync_pass_duration_seconds",
			Help:      "Wall time of reconciliation passes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "curasync",
			Name:      "provider_calls_total",
			Help:      "Provider API calls by operation and failure kind.",
		}, []string{"provider", "operation", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "curasync",
			Name:      "conflicts_total",
			Help:      "Conflict resolutions by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		feedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "curasync",
			Name:      "feed_requests_total",
			Help:      "Feed endpoint requests by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.syncPasses, m.passDuration, m.providerCalls,
		m.conflicts, m.feedRequests)
	return m
}

// ObservePass records one finished reconciliation pass.
func (m *Metrics) ObservePass(providerKind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncPasses.WithLabelValues(providerKind, outcome).Inc()
	m.passDuration.Observe(d.Seconds())
}

// ObserveProviderCall records one provider API call.
func (m *Metrics) ObserveProviderCall(providerKind, operation, result string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(providerKind, operation, result).Inc()
}

// ObserveConflict records one conflict resolution.
func (m *Metrics) ObserveConflict(strategy, outcome string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(strategy, outcome).Inc()
}

// ObserveFeedRequest records one feed request.
func (m *Metrics) ObserveFeedRequest(status string) {
	if m == nil {
		return
	}
	m.feedRequests.WithLabelValues(status).Inc()
}
