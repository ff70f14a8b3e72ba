package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for event handling and alert dedup.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	AlertsCreated    *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	PolicySkips      *prometheus.CounterVec
	DedupDuration    prometheus.Histogram
	NotifyFailures   prometheus.Counter
}

// NewMetrics registers and returns monitor metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_events_total",
			Help: "Total events stored, by event type.",
		}, []string{"type"}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_alerts_created_total",
			Help: "Total alerts created, by alert type and severity.",
		}, []string{"type", "severity"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_alerts_suppressed_total",
			Help: "Alert attempts suppressed by an active cooldown, by alert type.",
		}, []string{"type"}),
		PolicySkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carewatch_policy_skips_total",
			Help: "Events that produced no alert attempt, by reason.",
		}, []string{"reason"}),
		DedupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carewatch_dedup_duration_seconds",
			Help:    "Duration of atomic alert dedup attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carewatch_notify_failures_total",
			Help: "Alert notifications that could not be delivered.",
		}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.AlertsCreated,
		m.AlertsSuppressed,
		m.PolicySkips,
		m.DedupDuration,
		m.NotifyFailures,
	)

	return m
}
