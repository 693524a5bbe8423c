package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and histograms of the cache builder.
type Metrics struct {
	UnitsBuilt    *prometheus.CounterVec // labels: feed, outcome={success,upstream_error,extraction_error,malformed_message,schema_violation,error}
	FilesDecoded  prometheus.Counter
	SchemaDrift   prometheus.Counter
	RowsWritten   prometheus.Histogram
	BuildDuration prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg. If reg is nil the metrics
// are not registered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UnitsBuilt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "koda",
			Name:      "cache_units_built_total",
			Help:      "Cache unit builds by feed and outcome.",
		}, []string{"feed", "outcome"}),
		FilesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "koda",
			Name:      "message_files_decoded_total",
			Help:      "GTFS realtime message files decoded from archives.",
		}),
		SchemaDrift: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "koda",
			Name:      "schema_drift_warnings_total",
			Help:      "Columns left with nested values after unpacking.",
		}),
		RowsWritten: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "koda",
			Name:      "cache_unit_rows",
			Help:      "Number of rows in each written cache unit.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "koda",
			Name:      "cache_unit_build_duration_seconds",
			Help:      "Duration of a cache unit build, download included.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.UnitsBuilt, m.FilesDecoded, m.SchemaDrift, m.RowsWritten, m.BuildDuration)
	}
	return m
}
