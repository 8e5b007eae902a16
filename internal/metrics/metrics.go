// Package metrics provides Prometheus metrics for asset builds.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetpipe_builds_total",
			Help: "Total number of completed build cycles",
		},
		[]string{"result"},
	)

	buildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "assetpipe_build_duration_seconds",
			Help:    "Wall time of a full build cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Per-node work unit metrics
	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetpipe_units_total",
			Help: "Total node work units executed, by phase and result",
		},
		[]string{"phase", "result"},
	)

	unitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetpipe_unit_duration_seconds",
			Help:    "Duration of a single node work unit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// Output metrics
	outputsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetpipe_outputs_written_total",
			Help: "Total output files written",
		},
		[]string{"kind"},
	)

	outputsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "assetpipe_outputs_removed_total",
			Help: "Total stale or deleted output files removed",
		},
	)

	// Cache metrics
	cacheSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetpipe_cache_saves_total",
			Help: "Total cache snapshot writes",
		},
		[]string{"status"},
	)

	// Publish metrics
	publishOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetpipe_publish_operations_total",
			Help: "Total remote store operations, by operation and result",
		},
		[]string{"operation", "result"},
	)

	publishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetpipe_publish_duration_seconds",
			Help:    "Duration of remote store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assetpipe_tree_size",
			Help: "Number of nodes in the live asset tree",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBuild records one finished build cycle.
func RecordBuild(duration time.Duration, success bool) {
	buildDuration.Observe(duration.Seconds())
	buildsTotal.WithLabelValues(result(success)).Inc()
}

// RecordUnit records one node work unit of the given phase.
func RecordUnit(phase string, duration time.Duration, success bool) {
	unitDuration.WithLabelValues(phase).Observe(duration.Seconds())
	unitsTotal.WithLabelValues(phase, result(success)).Inc()
}

// RecordOutputWritten records an output file written ("copy" or "write").
func RecordOutputWritten(kind string) {
	outputsWritten.WithLabelValues(kind).Inc()
}

// RecordOutputRemoved records the removal of an output file.
func RecordOutputRemoved() {
	outputsRemoved.Inc()
}

// RecordCacheSave records a cache snapshot write.
func RecordCacheSave(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	cacheSavesTotal.WithLabelValues(status).Inc()
}

// RecordPublish records one remote store operation ("put" or "delete").
func RecordPublish(operation string, duration time.Duration, success bool) {
	publishDuration.WithLabelValues(operation).Observe(duration.Seconds())
	publishOps.WithLabelValues(operation, result(success)).Inc()
}

// SetTreeSize sets the current tree size.
func SetTreeSize(size int) {
	treeSize.Set(float64(size))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
