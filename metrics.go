package audit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRecordsTotal        = "audit_records_total"
	MetricRecordDuration      = "audit_record_duration_seconds"
	MetricChainConflictsTotal = "audit_chain_conflicts_total"
	MetricVerifiedTotal       = "audit_verified_entries_total"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Metrics contains the Prometheus collectors of the audit log.
// All operations are thread-safe.
type Metrics struct {
	recordsTotal   *prometheus.CounterVec
	recordDuration prometheus.Histogram
	conflicts      prometheus.Counter
	verified       *prometheus.CounterVec
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRecordsTotal,
				Help: "Total number of audit record attempts by event category and status",
			},
			[]string{"event_category", "status"},
		),
		recordDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRecordDuration,
				Help:    "Histogram of audit record latency in seconds",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricChainConflictsTotal,
				Help: "Total number of appends rejected because the chain tail moved",
			},
		),
		verified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerifiedTotal,
				Help: "Total number of verified audit entries by result",
			},
			[]string{"status"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.recordsTotal,
		m.recordDuration,
		m.conflicts,
		m.verified,
	}
}

func (m *Metrics) observeRecord(category Category, status string, seconds float64) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(string(category), status).Inc()
	m.recordDuration.Observe(seconds)
}

func (m *Metrics) incConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) incVerified(valid bool) {
	if m == nil {
		return
	}
	status := StatusValid
	if !valid {
		status = StatusInvalid
	}
	m.verified.WithLabelValues(status).Inc()
}
