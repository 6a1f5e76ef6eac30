// Package metrics exposes daemon counters in the Prometheus text format.
//
// netpulsed has no listening socket. Metrics are written to a textfile after
// every cycle, for node_exporter's textfile collector to pick up.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xtxerr/netpulse/internal/records"
)

const namespace = "netpulse"

// Metrics holds the daemon's collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	mCycles        prometheus.Counter
	mChecks        *prometheus.CounterVec
	mLatency       *prometheus.HistogramVec
	mCycleDuration prometheus.Histogram
	mSaves         *prometheus.CounterVec
	mReloads       prometheus.Counter
	mRecords       prometheus.Gauge
	mDiskBytes     prometheus.Gauge
	mJournalBytes  prometheus.Gauge
	mState         prometheus.Gauge
	mLastCycle     prometheus.Gauge
}

// New creates a Metrics with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		mCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total", Help: "Check cycles run",
		}),
		mChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checks_total", Help: "Checks by combination and outcome",
		}, []string{"combination", "result"}),
		mLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_latency_seconds",
			Help:      "Latency of successful checks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"combination"}),
		mCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a check cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		mSaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_saves_total", Help: "Store saves by result",
		}, []string{"result"}),
		mReloads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_reloads_total", Help: "Store reloads",
		}),
		mRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_records", Help: "Records held in the store",
		}),
		mDiskBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_disk_bytes", Help: "Size of the store file at the last save",
		}),
		mJournalBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "journal_written_bytes", Help: "Bytes appended to the journal since start",
		}),
		mState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daemon_state", Help: "Daemon control state",
		}),
		mLastCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_cycle_timestamp_seconds", Help: "Start of the last cycle",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(batch []records.CheckRecord, took time.Duration) {
	m.mCycles.Inc()
	m.mCycleDuration.Observe(took.Seconds())
	for _, r := range batch {
		combo := r.Combination().String()
		if !r.Success {
			m.mChecks.WithLabelValues(combo, "fail").Inc()
			continue
		}
		m.mChecks.WithLabelValues(combo, "ok").Inc()
		m.mLatency.WithLabelValues(combo).Observe(r.Latency.Seconds())
	}
	if len(batch) > 0 {
		m.mLastCycle.Set(float64(batch[0].TimestampMs) / 1000)
	}
}

// ObserveSave records a save attempt.
func (m *Metrics) ObserveSave(err error, n int, diskBytes int64) {
	if err != nil {
		m.mSaves.WithLabelValues("error").Inc()
		return
	}
	m.mSaves.WithLabelValues("ok").Inc()
	m.mRecords.Set(float64(n))
	m.mDiskBytes.Set(float64(diskBytes))
}

// ObserveReload counts a reload.
func (m *Metrics) ObserveReload() {
	m.mReloads.Inc()
}

// SetRecords sets the number of records in memory.
func (m *Metrics) SetRecords(n int) {
	m.mRecords.Set(float64(n))
}

// SetJournalBytes sets the journal byte counter.
func (m *Metrics) SetJournalBytes(n int64) {
	m.mJournalBytes.Set(float64(n))
}

// SetState sets the daemon state gauge.
func (m *Metrics) SetState(state int) {
	m.mState.Set(float64(state))
}

// WriteTextfile writes all metrics to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
