// Package metrics provides Prometheus collectors for the synchronizer and the
// remote store server. Every recording method is safe on a nil receiver so
// callers can run without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notesync"

// Result labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultDead    = "dead"
)

// SyncMetrics tracks reconcile runs, uploads and pending remote operations.
type SyncMetrics struct {
	reconcileTotal    *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	uploadsTotal      *prometheus.CounterVec
	remoteOpsTotal    *prometheus.CounterVec
	pendingOps        prometheus.Gauge
	notes             prometheus.Gauge
}

// NewSyncMetrics creates the synchronizer collectors and registers them.
func NewSyncMetrics(registry prometheus.Registerer) (*SyncMetrics, error) {
	m := &SyncMetrics{
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_total",
				Help:      "Reconcile runs by result",
			},
			[]string{"result"}, // success, error, skipped
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Time taken by completed reconcile runs",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_total",
				Help:      "Local-only records uploaded to the remote store",
			},
			[]string{"result"},
		),
		remoteOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_operations_total",
				Help:      "Remote insert, update and delete calls by outcome",
			},
			[]string{"op", "result"}, // op: insert, update, delete; result: success, error, dead
		),
		pendingOps: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_operations",
				Help:      "Remote operations waiting to be replayed",
			},
		),
		notes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notes",
				Help:      "Records in the local collection",
			},
		),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *SyncMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.reconcileTotal,
		m.reconcileDuration,
		m.uploadsTotal,
		m.remoteOpsTotal,
		m.pendingOps,
		m.notes,
	}
}

// Describe implements prometheus.Collector.
func (m *SyncMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *SyncMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// RecordReconcile records one reconcile run. seconds is ignored for skipped runs.
func (m *SyncMetrics) RecordReconcile(result string, seconds float64) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		m.reconcileDuration.Observe(seconds)
	}
}

func (m *SyncMetrics) RecordUpload(result string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(result).Inc()
}

func (m *SyncMetrics) RecordRemoteOp(op, result string) {
	if m == nil {
		return
	}
	m.remoteOpsTotal.WithLabelValues(op, result).Inc()
}

func (m *SyncMetrics) SetPendingOps(n int) {
	if m == nil {
		return
	}
	m.pendingOps.Set(float64(n))
}

func (m *SyncMetrics) SetNotes(n int) {
	if m == nil {
		return
	}
	m.notes.Set(float64(n))
}
