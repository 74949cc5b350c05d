package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeApplied      = "applied"
	outcomeMalformed    = "malformed"
	outcomeEnumFailed   = "enum_failed"
	outcomeStale        = "stale"
	outcomeConflict     = "conflict"
	outcomeStorageError = "storage_error"
	outcomeOutOfBounds  = "out_of_bounds"
)

// metrics holds the ingest counters exported to Prometheus.
type metrics struct {
	reports         *prometheus.CounterVec
	applyDuration   prometheus.Histogram
	agedPositions   prometheus.Counter
	positionRejects *prometheus.CounterVec
	snapshots       prometheus.Counter
	archivedRows    prometheus.Counter
}

// newMetrics builds and registers the ingest metrics. A nil registerer
// creates unregistered metrics, which tests use to avoid collisions.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adsb",
			Subsystem: "ingest",
			Name:      "reports_total",
			Help:      "Count of processed aircraft reports by outcome",
		}, []string{"outcome"}),
		applyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "adsb",
			Subsystem: "ingest",
			Name:      "apply_duration_seconds",
			Help:      "Histogram of report apply latencies including retries",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2.5},
		}),
		agedPositions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "adsb",
			Subsystem: "ingest",
			Name:      "aged_positions_total",
			Help:      "Count of last-known-good position rows written",
		}),
		positionRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adsb",
			Subsystem: "ingest",
			Name:      "position_rejects_total",
			Help:      "Count of candidate fixes rejected by the aging tracker",
		}, []string{"reason"}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: "adsb",
			Subsystem: "ingest",
			Name:      "snapshots_total",
			Help:      "Count of feed snapshots processed",
		}),
		archivedRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "adsb",
			Subsystem: "ingest",
			Name:      "archived_rows_total",
			Help:      "Count of rows flushed to the ClickHouse archive",
		}),
	}
}
