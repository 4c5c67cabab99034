package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the settlement-integrity events worth alerting on.
type Metrics struct {
	settlements   *prometheus.CounterVec
	priceChecks   *prometheus.CounterVec
	corrections   *prometheus.CounterVec
	reconcileRuns prometheus.Counter
}

var (
	registryOnce sync.Once
	registry     *Metrics
)

// Desk returns the lazily-initialised desk metrics registry.
func Desk() *Metrics {
	registryOnce.Do(func() {
		registry = &Metrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otcdesk",
				Subsystem: "settle",
				Name:      "transitions_total",
				Help:      "Offer state transitions driven by the orchestrator, segmented by chain, stage, and outcome.",
			}, []string{"chain", "stage", "outcome"}),
			priceChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otcdesk",
				Subsystem: "oracle",
				Name:      "price_checks_total",
				Help:      "Price protection decisions segmented by context and verdict.",
			}, []string{"context", "verdict"}),
			corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otcdesk",
				Subsystem: "reconcile",
				Name:      "corrections_total",
				Help:      "Local records overwritten with ledger truth, segmented by chain and record kind.",
			}, []string{"chain", "kind"}),
			reconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "otcdesk",
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Completed reconciliation sweeps.",
			}),
		}
		prometheus.MustRegister(
			registry.settlements,
			registry.priceChecks,
			registry.corrections,
			registry.reconcileRuns,
		)
	})
	return registry
}

// RecordTransition counts one orchestrator-driven transition attempt.
func (m *Metrics) RecordTransition(chain, stage, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(chain, stage, outcome).Inc()
}

// RecordPriceCheck counts one price protection decision.
func (m *Metrics) RecordPriceCheck(checkContext string, valid bool) {
	if m == nil {
		return
	}
	verdict := "valid"
	if !valid {
		verdict = "rejected"
	}
	m.priceChecks.WithLabelValues(checkContext, verdict).Inc()
}

// RecordCorrection counts one reconciliation overwrite.
func (m *Metrics) RecordCorrection(chain, kind string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(chain, kind).Inc()
}

// RecordReconcileRun counts one completed sweep.
func (m *Metrics) RecordReconcileRun() {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
}
