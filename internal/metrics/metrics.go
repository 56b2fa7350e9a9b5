package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels cycles that completed and handed off results.
	OutcomeSuccess = "success"
	// OutcomeError labels cycles that failed before producing results.
	OutcomeError = "error"
	// OutcomeSuppressed labels cycle triggers dropped because one was in flight.
	OutcomeSuppressed = "suppressed"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "popwatch",
			Name:      "detection_cycles_total",
			Help:      "Total number of detection cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "popwatch",
			Name:      "detection_cycle_seconds",
			Help:      "Detection cycle latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	detectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "popwatch",
			Name:      "anomalies_detected_total",
			Help:      "Total anomalous PoP detections across all cycles.",
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "popwatch",
			Name:      "alerts_total",
			Help:      "Alert lifecycle transitions, partitioned by action (created/resolved).",
		},
		[]string{"action"},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "popwatch",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions, partitioned by operation and new state.",
		},
		[]string{"operation", "to"},
	)

	subscribersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "popwatch",
			Name:      "live_subscribers",
			Help:      "Number of currently registered live subscribers.",
		},
	)

	broadcastFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "popwatch",
			Name:      "broadcast_failures_total",
			Help:      "Per-connection send failures during fanout broadcasts.",
		},
	)
)

// Register attaches popwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		detectionsTotal,
		alertsTotal,
		breakerTransitionsTotal,
		subscribersGauge,
		broadcastFailuresTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records a cycle duration and outcome label.
func ObserveCycle(duration time.Duration, outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuppressed {
		return
	}
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())
}

// AddDetections counts anomalous detections produced by a cycle.
func AddDetections(n int) {
	if n > 0 {
		detectionsTotal.Add(float64(n))
	}
}

// AlertCreated counts one raised alert.
func AlertCreated() { alertsTotal.WithLabelValues("created").Inc() }

// AlertResolved counts one retired alert.
func AlertResolved() { alertsTotal.WithLabelValues("resolved").Inc() }

// ObserveBreakerTransition counts a circuit state change.
func ObserveBreakerTransition(operation, to string) {
	breakerTransitionsTotal.WithLabelValues(operation, to).Inc()
}

// SetSubscribers publishes the current live-subscriber count.
func SetSubscribers(n int) { subscribersGauge.Set(float64(n)) }

// AddBroadcastFailures counts failed sends from one broadcast pass.
func AddBroadcastFailures(n int) {
	if n > 0 {
		broadcastFailuresTotal.Add(float64(n))
	}
}
