package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PhotosProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "photos_processed_total", Help: "Photos processed to a terminal success state"})
	PhotosFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "photos_failed_total", Help: "Photo jobs that failed and will retry"})
	PhotosDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "photos_dead_letter_total", Help: "Photo jobs moved to DLQ"})
	ClaimConflicts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "photos_claim_conflicts_total", Help: "Claims lost to another worker or stale job"})
	StuckReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "photos_stuck_reclaimed_total", Help: "Processing rows taken over after staleness"})
	PackagesBuilt     = prometheus.NewCounter(prometheus.CounterOpts{Name: "packages_built_total", Help: "Archive packages completed"})
	PackagesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "packages_failed_total", Help: "Archive packages failed"})
	ReconcileIssues   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_issues_total", Help: "Divergences found by the reconciler"})
	ReconcileRepairs  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reconcile_repairs_total", Help: "Repairs applied by the reconciler"})
	WatermarksSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "watermarks_skipped_total", Help: "Watermark layers skipped due to fetch or safety errors"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "photos_queue_depth", Help: "Ready queue depth"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "photos_inflight", Help: "Jobs currently leased"})
	TransformSeconds  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "transform_duration_seconds", Help: "Wall time of the transform pipeline", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PhotosProcessed,
			PhotosFailed,
			PhotosDeadLetter,
			ClaimConflicts,
			StuckReclaimed,
			PackagesBuilt,
			PackagesFailed,
			ReconcileIssues,
			ReconcileRepairs,
			WatermarksSkipped,
			QueueDepthGauge,
			InFlightGauge,
			TransformSeconds,
		)
	})
	return promhttp.Handler()
}
