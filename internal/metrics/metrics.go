// Package metrics counts what an import run did. The importer is a batch
// job, so the registry is written out as a node-exporter textfile instead
// of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "district_import"

// Metrics is one run's collector set on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	SourceRows     *prometheus.CounterVec
	SourceFailures *prometheus.CounterVec
	FactsWritten   *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	Batches        *prometheus.CounterVec
	BatchSplits    *prometheus.CounterVec
	WriteLatency   *prometheus.HistogramVec

	Districts         prometheus.Gauge
	IdentityConflicts prometheus.Counter
	ConnectAttempts   prometheus.Counter
	RunDuration       prometheus.Gauge
	LastRun           *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		SourceRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rows_total",
			Help:      "Data rows read per source file.",
		}, []string{"source"}),
		SourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Sources skipped, by the stage that failed.",
		}, []string{"stage"}),
		FactsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_written_total",
			Help:      "Facts upserted per fact family.",
		}, []string{"family"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_total",
			Help:      "Rejected rows, cells and facts by reason.",
		}, []string{"reason"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Fact batches submitted per family.",
		}, []string{"family"}),
		BatchSplits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_splits_total",
			Help:      "Failed batches split into halves per family.",
		}, []string{"family"}),
		WriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_seconds",
			Help:      "Time spent loading one source's facts.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"family"}),
		Districts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "districts",
			Help:      "Districts in the committed registry.",
		}),
		IdentityConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_conflicts_total",
			Help:      "District identity conflicts found while building the registry.",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Database connection attempts.",
		}),
		RunDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		LastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished, by status.",
		}, []string{"status"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Finish records the run outcome.
func (m *Metrics) Finish(status string, started, finished time.Time) {
	m.RunDuration.Set(finished.Sub(started).Seconds())
	m.LastRun.WithLabelValues(status).Set(float64(finished.Unix()))
}

// WriteTextfile writes the registry atomically to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
