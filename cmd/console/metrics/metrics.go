// Package metrics provides Prometheus instrumentation for the console.
//
// Metrics exposed:
//   - fleetdash_fetch_total: Counter of upstream fetches by source and result
//   - fleetdash_fetch_seconds: Histogram of upstream fetch duration by source
//   - fleetdash_prediction_retries_total: Counter of prediction retries
//   - fleetdash_prediction_giveups_total: Counter of exhausted retry chains
//   - fleetdash_stale_responses_total: Counter of responses dropped after a selection change
//   - fleetdash_skipped_ticks_total: Counter of ticks skipped while a retry chain was pending
//   - fleetdash_notify_total: Counter of notifier runs by notifier and result
//   - fleetdash_active_sessions: Gauge of open dashboard views
//   - fleetdash_errors_total: Counter of errors by component and reason
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the console. It implements
// dashboard.Recorder.
type Metrics struct {
	FetchTotal     *prometheus.CounterVec
	FetchSeconds   *prometheus.HistogramVec
	RetriesTotal   prometheus.Counter
	GiveUpsTotal   prometheus.Counter
	StaleTotal     *prometheus.CounterVec
	SkippedTicks   prometheus.Counter
	NotifyTotal    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	ErrorsTotal    *prometheus.CounterVec
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdash_fetch_total",
			Help: "Upstream fetches by source and result",
		}, []string{"source", "result"}),

		FetchSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleetdash_fetch_seconds",
			Help:    "Time spent on one upstream fetch",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetdash_prediction_retries_total",
			Help: "Prediction fetch retries",
		}),

		GiveUpsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetdash_prediction_giveups_total",
			Help: "Prediction retry chains that exhausted their attempts",
		}),

		StaleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdash_stale_responses_total",
			Help: "Responses dropped because the selection changed",
		}, []string{"source"}),

		SkippedTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleetdash_skipped_ticks_total",
			Help: "Poll ticks that found the previous prediction chain still pending",
		}),

		NotifyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdash_notify_total",
			Help: "Notifier runs by notifier and result",
		}, []string{"notifier", "result"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fleetdash_active_sessions",
			Help: "Open dashboard views",
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetdash_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordFetch records one upstream fetch. Failed fetches also count as errors.
func (m *Metrics) RecordFetch(source, result string, seconds float64) {
	m.FetchTotal.WithLabelValues(source, result).Inc()
	m.FetchSeconds.WithLabelValues(source).Observe(seconds)
	if result != "success" {
		m.ErrorsTotal.WithLabelValues(source, result).Inc()
	}
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry() {
	m.RetriesTotal.Inc()
}

// RecordGiveUp increments the give-up counter.
func (m *Metrics) RecordGiveUp() {
	m.GiveUpsTotal.Inc()
}

// RecordStale increments the stale response counter.
func (m *Metrics) RecordStale(source string) {
	m.StaleTotal.WithLabelValues(source).Inc()
}

// RecordSkippedTick increments the skipped tick counter.
func (m *Metrics) RecordSkippedTick() {
	m.SkippedTicks.Inc()
}

// RecordNotify records one notifier run.
func (m *Metrics) RecordNotify(notifier, result string) {
	m.NotifyTotal.WithLabelValues(notifier, result).Inc()
	if result != "success" {
		m.ErrorsTotal.WithLabelValues(notifier, result).Inc()
	}
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
