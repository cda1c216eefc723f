// Package observability exposes the bridge's own Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zbxbridge"

// Metrics holds all bridge metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	PointsForwarded *prometheus.CounterVec
	PointsSkipped   *prometheus.CounterVec
	RowsFetched     *prometheus.CounterVec
	Cycles          *prometheus.CounterVec

	CheckpointTimestamp *prometheus.GaugeVec
	CheckpointLag       *prometheus.GaugeVec
	QueryLimit          *prometheus.GaugeVec
	SeriesTracked       prometheus.Gauge

	CycleDuration prometheus.Histogram
	QueryDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PointsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_forwarded_total",
			Help:      "Points handed to the sink, by stream",
		}, []string{"stream"}),
		PointsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_skipped_total",
			Help:      "Records dropped because their key could not be normalized, by stream",
		}, []string{"stream"}),
		RowsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_fetched_total",
			Help:      "History rows read from the database, by stream",
		}, []string{"stream"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Poll cycles by result",
		}, []string{"result"}), // "success", "database", "sink", "checkpoint"

		CheckpointTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_timestamp_seconds",
			Help:      "Persisted checkpoint per stream, Unix seconds",
		}, []string{"stream"}),
		CheckpointLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_lag_seconds",
			Help:      "Wall clock minus checkpoint per stream",
		}, []string{"stream"}),
		QueryLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "query_limit",
			Help:      "Current per-cycle row limit per stream",
		}, []string{"stream"}),
		SeriesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "series_tracked",
			Help:      "Distinct metric/host series forwarded in the last 24 hours",
		}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete poll cycle",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "History fetch duration per stream",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stream"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PointsForwarded, m.PointsSkipped, m.RowsFetched, m.Cycles,
			m.CheckpointTimestamp, m.CheckpointLag, m.QueryLimit, m.SeriesTracked,
			m.CycleDuration, m.QueryDuration,
		)
	}
	return m
}

// ObserveStream records the outcome of one stream within a cycle.
func (m *Metrics) ObserveStream(stream string, fetched, forwarded, skipped int, query time.Duration) {
	if m == nil {
		return
	}
	m.RowsFetched.WithLabelValues(stream).Add(float64(fetched))
	m.PointsForwarded.WithLabelValues(stream).Add(float64(forwarded))
	m.PointsSkipped.WithLabelValues(stream).Add(float64(skipped))
	m.QueryDuration.WithLabelValues(stream).Observe(query.Seconds())
}

// ObserveCheckpoint records a persisted checkpoint.
func (m *Metrics) ObserveCheckpoint(stream string, ts int64, now time.Time) {
	if m == nil {
		return
	}
	m.CheckpointTimestamp.WithLabelValues(stream).Set(float64(ts))
	m.CheckpointLag.WithLabelValues(stream).Set(now.Sub(time.Unix(ts, 0)).Seconds())
}

// ObserveCycle records a finished cycle. result is "success" or a fatal
// error kind.
func (m *Metrics) ObserveCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

// SetLimit records the row limit a stream will use next.
func (m *Metrics) SetLimit(stream string, limit int) {
	if m == nil {
		return
	}
	m.QueryLimit.WithLabelValues(stream).Set(float64(limit))
}

// SetSeries records the tracked series count.
func (m *Metrics) SetSeries(n int) {
	if m == nil {
		return
	}
	m.SeriesTracked.Set(float64(n))
}
