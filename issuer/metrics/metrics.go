// Package metrics exposes the issuance node's prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for recipient counters.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

type IssuanceMetrics struct {
	bulkSubmitted      *prometheus.CounterVec
	recipientOutcomes  *prometheus.CounterVec
	staleTransitions   *prometheus.CounterVec
	registryReconciles *prometheus.CounterVec
	undecodableLogs    *prometheus.CounterVec
	inFlight           *prometheus.GaugeVec
	unconfirmed        prometheus.Gauge
	confirmPolls       prometheus.Histogram
}

var (
	issuanceOnce     sync.Once
	issuanceRegistry *IssuanceMetrics
)

// Issuance returns the process-wide collectors, registering them on first use.
func Issuance() *IssuanceMetrics {
	issuanceOnce.Do(func() {
		issuanceRegistry = &IssuanceMetrics{
			bulkSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hcert_bulk_submitted_total",
				Help: "Bulk ledger transactions submitted by operation kind.",
			}, []string{"kind"}),
			recipientOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hcert_recipient_outcomes_total",
				Help: "Reconciled recipient outcomes by operation kind and result.",
			}, []string{"kind", "result"}),
			staleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hcert_stale_transitions_total",
				Help: "Confirmations dropped because the record had already moved.",
			}, []string{"kind"}),
			registryReconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hcert_registry_reconcile_total",
				Help: "Event registry reconciliations by result.",
			}, []string{"result"}),
			undecodableLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "hcert_undecodable_logs_total",
				Help: "Receipts containing a known event log that failed to decode.",
			}, []string{"kind"}),
			inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "hcert_bulk_in_flight",
				Help: "Bulk operations currently awaiting confirmation by kind.",
			}, []string{"kind"}),
			unconfirmed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "hcert_unconfirmed_attempts",
				Help: "Attempts left for the background sweep after exhausting the poll budget.",
			}),
			confirmPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "hcert_confirm_polls",
				Help:    "Receipt polls needed before an attempt confirmed.",
				Buckets: []float64{1, 2, 5, 10, 20, 40, 80},
			}),
		}
		prometheus.MustRegister(
			issuanceRegistry.bulkSubmitted,
			issuanceRegistry.recipientOutcomes,
			issuanceRegistry.staleTransitions,
			issuanceRegistry.registryReconciles,
			issuanceRegistry.undecodableLogs,
			issuanceRegistry.inFlight,
			issuanceRegistry.unconfirmed,
			issuanceRegistry.confirmPolls,
		)
	})
	return issuanceRegistry
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func (m *IssuanceMetrics) ObserveBulkSubmitted(kind string) {
	if m == nil {
		return
	}
	m.bulkSubmitted.WithLabelValues(label(kind)).Inc()
}

func (m *IssuanceMetrics) ObserveRecipients(kind, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recipientOutcomes.WithLabelValues(label(kind), label(result)).Add(float64(n))
}

func (m *IssuanceMetrics) ObserveStaleTransition(kind string) {
	if m == nil {
		return
	}
	m.staleTransitions.WithLabelValues(label(kind)).Inc()
}

func (m *IssuanceMetrics) ObserveRegistryReconcile(result string) {
	if m == nil {
		return
	}
	m.registryReconciles.WithLabelValues(label(result)).Inc()
}

func (m *IssuanceMetrics) ObserveUndecodableLog(kind string) {
	if m == nil {
		return
	}
	m.undecodableLogs.WithLabelValues(label(kind)).Inc()
}

func (m *IssuanceMetrics) IncInFlight(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(label(kind)).Inc()
}

func (m *IssuanceMetrics) DecInFlight(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(label(kind)).Dec()
}

func (m *IssuanceMetrics) SetUnconfirmed(n int) {
	if m == nil {
		return
	}
	m.unconfirmed.Set(float64(n))
}

func (m *IssuanceMetrics) ObserveConfirmPolls(polls int) {
	if m == nil {
		return
	}
	m.confirmPolls.Observe(float64(polls))
}
