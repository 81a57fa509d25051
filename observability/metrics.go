package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks ledger activity for scraping. All series are
// registered once on first use.
type LedgerMetrics struct {
	operations     *prometheus.CounterVec
	events         *prometheus.CounterVec
	pendingChanges *prometheus.GaugeVec
	rateBuckets    prometheus.Gauge
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loanledger",
				Name:      "events_total",
				Help:      "Count of emitted ledger events by type.",
			}, []string{"type"}),
			pendingChanges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "loanledger",
				Name:      "pending_changes",
				Help:      "Noted changes waiting for release, by scope.",
			}, []string{"scope"}),
			rateBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "loanledger",
				Name:      "rate_buckets",
				Help:      "Live interest rate buckets.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.events,
			ledgerRegistry.pendingChanges,
			ledgerRegistry.rateBuckets,
		)
	})
	return ledgerRegistry
}

// RecordOperation counts one ledger operation and its outcome.
func (m *LedgerMetrics) RecordOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(normalizeLabel(op), outcome).Inc()
}

// RecordEvent counts one emitted event by type.
func (m *LedgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// SetPendingChanges publishes the pending change-guard queue depth.
func (m *LedgerMetrics) SetPendingChanges(scope string, n float64) {
	if m == nil {
		return
	}
	m.pendingChanges.WithLabelValues(normalizeLabel(scope)).Set(n)
}

// SetRateBuckets publishes the live bucket count.
func (m *LedgerMetrics) SetRateBuckets(n float64) {
	if m == nil {
		return
	}
	m.rateBuckets.Set(n)
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
