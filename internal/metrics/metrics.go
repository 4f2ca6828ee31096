// Package metrics exposes Prometheus collectors for ingest, matching, and delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"permitalert/internal/domain"
)

// Metrics holds service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PermitsIngested    *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	RuleMatches        prometheus.Counter
	AlertEvents        *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec
	DigestsFlushed     prometheus.Counter
	SweepRuns          *prometheus.CounterVec
}

// New creates and registers collectors.
// Params: none.
// Returns: metrics bound to a fresh registry with Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PermitsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitalert_permits_ingested_total",
				Help: "Total number of permits received, by source and validation result",
			},
			[]string{"source", "result"},
		),
		EvaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "permitalert_batch_evaluation_duration_seconds",
				Help:    "Duration of rule evaluation per permit batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		RuleMatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permitalert_rule_matches_total",
				Help: "Total number of (rule, permit) matches",
			},
		),
		AlertEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitalert_alert_events_total",
				Help: "Total number of alert events, by handling mode",
			},
			[]string{"mode"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitalert_deliveries_total",
				Help: "Total number of delivery attempts, by channel and resulting status",
			},
			[]string{"channel", "status"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "permitalert_delivery_duration_seconds",
				Help:    "Duration of channel delivery attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		DigestsFlushed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "permitalert_digests_flushed_total",
				Help: "Total number of digest events dispatched",
			},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "permitalert_sweep_runs_total",
				Help: "Total number of retry sweeps, by result",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PermitsIngested,
		m.EvaluationDuration,
		m.RuleMatches,
		m.AlertEvents,
		m.Deliveries,
		m.DeliveryDuration,
		m.DigestsFlushed,
		m.SweepRuns,
	)
	return m
}

// Registry returns underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDelivery records one worker outcome.
// Params: channel, resulting status, and attempt duration.
// Returns: none.
func (m *Metrics) ObserveDelivery(channel domain.Channel, status domain.NotificationStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(string(channel), string(status)).Inc()
	m.DeliveryDuration.WithLabelValues(string(channel)).Observe(elapsed.Seconds())
}

// ObserveIngest counts received permits.
// Params: source label (http, nats) and valid/invalid counts.
// Returns: none.
func (m *Metrics) ObserveIngest(source string, valid, invalid int) {
	if m == nil {
		return
	}
	if valid > 0 {
		m.PermitsIngested.WithLabelValues(source, "valid").Add(float64(valid))
	}
	if invalid > 0 {
		m.PermitsIngested.WithLabelValues(source, "invalid").Add(float64(invalid))
	}
}

// ObserveEvaluation records one batch evaluation.
func (m *Metrics) ObserveEvaluation(matches int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(elapsed.Seconds())
	m.RuleMatches.Add(float64(matches))
}

// ObserveAlertEvent counts one event by mode (immediate, digest_buffered, digest).
func (m *Metrics) ObserveAlertEvent(mode string) {
	if m == nil {
		return
	}
	m.AlertEvents.WithLabelValues(mode).Inc()
	if mode == "digest" {
		m.DigestsFlushed.Inc()
	}
}

// ObserveSweep counts one sweep run.
func (m *Metrics) ObserveSweep(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SweepRuns.WithLabelValues(result).Inc()
}
