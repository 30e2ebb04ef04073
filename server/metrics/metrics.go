// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MeasurementsRecorded counts measurement rows actually inserted.
	MeasurementsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchdb_measurements_recorded_total",
		Help: "Number of measurement rows inserted",
	})

	// MeasurementsSkipped counts tuples skipped by the dedup oracle or lost
	// to conflicting concurrent inserts.
	MeasurementsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchdb_measurements_skipped_total",
		Help: "Number of duplicate measurement tuples skipped",
	})

	// ProfilesRecorded counts profile rows inserted.
	ProfilesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchdb_profiles_recorded_total",
		Help: "Number of profile rows inserted",
	})

	// IngestDuration observes the wall time of RecordAllData.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "benchdb_ingest_duration_seconds",
		Help:    "Duration of result ingestion requests",
		Buckets: prometheus.DefBuckets,
	})

	// TimelineJobsProcessed counts completed timeline recomputations.
	TimelineJobsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchdb_timeline_jobs_processed_total",
		Help: "Number of timeline recomputation jobs completed",
	})

	// TimelineJobsFailed counts recomputations that errored and were left in
	// the durable queue for a later pass.
	TimelineJobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchdb_timeline_jobs_failed_total",
		Help: "Number of timeline recomputation jobs that failed",
	})

	// TimelinePendingValues gauges the updater's in-memory backlog.
	TimelinePendingValues = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "benchdb_timeline_pending_values",
		Help: "Values buffered for timeline recomputation",
	})

	// InternCacheHits / InternCacheMisses track the metadata interning caches.
	InternCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchdb_intern_cache_hits_total",
		Help: "Metadata interning cache hits",
	})

	InternCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchdb_intern_cache_misses_total",
		Help: "Metadata interning cache misses",
	})
)
