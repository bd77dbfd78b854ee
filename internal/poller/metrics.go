package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are per category. A nil *Metrics records nothing.
type Metrics struct {
	iterations  *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics registers the poller collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsbot_poller_iterations_total",
			Help: "Poll iterations by category and outcome (ok, suspended, fetch_error, store_error)",
		}, []string{"category", "outcome"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsbot_poller_entries_skipped_total",
			Help: "Feed entries not dispatched, by reason (stale, seen, no_link)",
		}, []string{"category", "reason"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "newsbot_poller_dispatches_total",
			Help: "Dispatch attempts by category and result (delivered, failed)",
		}, []string{"category", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsbot_poller_iteration_duration_seconds",
			Help:    "Wall time of one poll iteration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"category"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsbot_poller_last_success_timestamp_seconds",
			Help: "Unix time of the last iteration that fetched its feed",
		}, []string{"category"}),
	}
}

func (m *Metrics) iteration(category, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(category, outcome).Inc()
	m.duration.WithLabelValues(category).Observe(took.Seconds())
	if outcome == outcomeOK {
		m.lastSuccess.WithLabelValues(category).SetToCurrentTime()
	}
}

func (m *Metrics) skip(category, reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(category, reason).Inc()
}

func (m *Metrics) dispatch(category string, delivered bool) {
	if m == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	m.dispatches.WithLabelValues(category, result).Inc()
}
