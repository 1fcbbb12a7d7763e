// Package metrics holds the Prometheus collectors of the publish worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the publish pipeline collectors
type Metrics struct {
	outcomes           *prometheus.CounterVec
	duplicateCallbacks prometheus.Counter
	duplicateEvents    prometheus.Counter
	incidents          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	transferBytes      prometheus.Counter
	inFlight           prometheus.Gauge
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "video_publisher_outcomes_total",
				Help: "Terminal publish outcomes by status and error kind.",
			},
			[]string{"status", "kind"},
		),
		duplicateCallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "video_publisher_duplicate_callbacks_total",
				Help: "Uploader callbacks received after the publish was already settled.",
			},
		),
		duplicateEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "video_publisher_duplicate_events_total",
				Help: "Change events skipped because the request was already claimed.",
			},
		),
		incidents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "video_publisher_incidents_total",
				Help: "Subscription and persistence incidents by kind.",
			},
			[]string{"kind"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "video_publisher_run_duration_seconds",
				Help:    "Duration of a pipeline run from claim to terminal state.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"status"},
		),
		transferBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "video_publisher_transfer_bytes_total",
				Help: "Bytes of media written to scratch storage.",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "video_publisher_runs_in_flight",
				Help: "Pipeline runs currently in progress.",
			},
		),
	}

	reg.MustRegister(
		m.outcomes,
		m.duplicateCallbacks,
		m.duplicateEvents,
		m.incidents,
		m.runDuration,
		m.transferBytes,
		m.inFlight,
	)

	return m
}

// ObserveOutcome counts a terminal outcome and its run duration
func (m *Metrics) ObserveOutcome(status, kind string, d time.Duration) {
	m.outcomes.WithLabelValues(status, kind).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// DuplicateCallback counts an ignored uploader callback
func (m *Metrics) DuplicateCallback() {
	m.duplicateCallbacks.Inc()
}

// DuplicateEvent counts a redelivered event skipped at claim
func (m *Metrics) DuplicateEvent() {
	m.duplicateEvents.Inc()
}

// Incident counts an operator incident
func (m *Metrics) Incident(kind string) {
	m.incidents.WithLabelValues(kind).Inc()
}

// TransferredBytes adds n to the transferred bytes total
func (m *Metrics) TransferredBytes(n int64) {
	m.transferBytes.Add(float64(n))
}

// RunStarted increments the in-flight gauge
func (m *Metrics) RunStarted() {
	m.inFlight.Inc()
}

// RunFinished decrements the in-flight gauge
func (m *Metrics) RunFinished() {
	m.inFlight.Dec()
}
