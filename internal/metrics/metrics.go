// Package metrics holds the Prometheus collectors shared by runstream components.
//
// Every recording method is safe to call on a nil *Metrics, so components can
// be constructed without metrics in tests and single-binary tools.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.RunEnqueued("chat")
//	http.Handle("/metrics", m.Handler())
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all runstream collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	// RunsEnqueued counts runs pushed onto the run queue.
	// Labels: kind
	RunsEnqueued *prometheus.CounterVec

	// RunsFinished counts runs reaching a terminal status.
	// Labels: kind, status (succeeded|failed|cancelled)
	RunsFinished *prometheus.CounterVec

	// RunDuration measures time from start to terminal status in seconds.
	// Labels: kind
	RunDuration *prometheus.HistogramVec

	// EventsAppended counts records appended to run event logs.
	// Labels: kind
	EventsAppended *prometheus.CounterVec

	// AdmissionDecisions counts rate limiter outcomes.
	// Labels: result (allowed|rejected|exempt), reason (""|rate|concurrent)
	AdmissionDecisions *prometheus.CounterVec

	// SequenceReconciles counts sequence generator reconciliations.
	// Labels: outcome (in_sync|initialized|raised|source_error)
	SequenceReconciles *prometheus.CounterVec

	// HubSubscribers tracks live hub subscriptions.
	HubSubscribers prometheus.Gauge

	// HubDropped counts broadcasts discarded from full subscriber queues.
	HubDropped prometheus.Counter

	// HubReaped counts subscriptions disposed by the idle reaper.
	HubReaped prometheus.Counter
}

// New creates all collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		RunsEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runstream_runs_enqueued_total",
				Help: "Total number of runs enqueued by kind",
			},
			[]string{"kind"},
		),

		RunsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runstream_runs_finished_total",
				Help: "Total number of runs reaching a terminal status by kind and status",
			},
			[]string{"kind", "status"},
		),

		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runstream_run_duration_seconds",
				Help:    "Duration of run execution in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),

		EventsAppended: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runstream_events_appended_total",
				Help: "Total number of run events appended by kind",
			},
			[]string{"kind"},
		),

		AdmissionDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runstream_admission_decisions_total",
				Help: "Total number of rate limiter decisions by result and reason",
			},
			[]string{"result", "reason"},
		),

		SequenceReconciles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runstream_sequence_reconciles_total",
				Help: "Total number of sequence counter reconciliations by outcome",
			},
			[]string{"outcome"},
		),

		HubSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "runstream_hub_subscribers",
			Help: "Number of live stream hub subscriptions",
		}),

		HubDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "runstream_hub_dropped_total",
			Help: "Total number of broadcasts dropped from full subscriber queues",
		}),

		HubReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "runstream_hub_reaped_total",
			Help: "Total number of idle subscriptions disposed by the reaper",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RunEnqueued(kind string) {
	if m == nil {
		return
	}
	m.RunsEnqueued.WithLabelValues(kind).Inc()
}

func (m *Metrics) RunFinished(kind, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(kind, status).Inc()
	if seconds > 0 {
		m.RunDuration.WithLabelValues(kind).Observe(seconds)
	}
}

func (m *Metrics) EventAppended(kind string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) Admission(result, reason string) {
	if m == nil {
		return
	}
	m.AdmissionDecisions.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) Reconcile(outcome string) {
	if m == nil {
		return
	}
	m.SequenceReconciles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.HubSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.HubSubscribers.Dec()
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.HubDropped.Inc()
}

func (m *Metrics) SubscriptionReaped() {
	if m == nil {
		return
	}
	m.HubReaped.Inc()
}
