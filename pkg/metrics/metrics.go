// Package metrics exposes Prometheus collectors for captures, restores and
// checkpoint storage.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deckrewind/rewind/pkg/types"
)

const namespace = "rewind"

var (
	// captureTotal counts capture attempts by backend method and result.
	captureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_total",
		Help:      "Capture attempts by method and result",
	}, []string{"method", "result"})

	// captureDuration tracks how long a successful capture takes.
	captureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "capture_duration_seconds",
		Help:      "Capture duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"method"})

	// checkpointBytes tracks the size of published checkpoints.
	checkpointBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "checkpoint_size_bytes",
		Help:      "Size of published checkpoints in bytes",
		Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MiB to 2GiB
	})

	restoreTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restore_total",
		Help:      "Restore attempts by method and result",
	}, []string{"method", "result"})

	restoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "restore_duration_seconds",
		Help:      "Restore duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"method"})

	// evictionTotal counts checkpoints removed by retention.
	evictionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eviction_total",
		Help:      "Checkpoints evicted by retention, by result",
	}, []string{"result"})

	storageUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_used_bytes",
		Help:      "Bytes used by checkpoints under the storage root",
	})

	storageFreeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_free_bytes",
		Help:      "Free bytes on the filesystem holding the storage root",
	})

	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_skipped_total",
		Help:      "Automatic captures skipped, by reason",
	}, []string{"reason"})
)

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, types.ErrCaptureTimedOut), errors.Is(err, types.ErrRestoreTimedOut):
		return "timeout"
	default:
		return "failure"
	}
}

// ObserveCapture records one backend capture attempt.
func ObserveCapture(method types.Method, d time.Duration, err error) {
	captureTotal.WithLabelValues(method.String(), result(err)).Inc()
	if err == nil {
		captureDuration.WithLabelValues(method.String()).Observe(d.Seconds())
	}
}

// ObserveCheckpointSize records the size of a published checkpoint.
func ObserveCheckpointSize(bytes int64) {
	checkpointBytes.Observe(float64(bytes))
}

// ObserveRestore records one restore attempt.
func ObserveRestore(method types.Method, d time.Duration, err error) {
	restoreTotal.WithLabelValues(method.String(), result(err)).Inc()
	if err == nil {
		restoreDuration.WithLabelValues(method.String()).Observe(d.Seconds())
	}
}

// ObserveEvictions records the outcome of a retention pass.
func ObserveEvictions(deleted, failed int) {
	evictionTotal.WithLabelValues("deleted").Add(float64(deleted))
	evictionTotal.WithLabelValues("failed").Add(float64(failed))
}

// SetStorage records current storage usage and free space.
func SetStorage(used, free int64) {
	if used >= 0 {
		storageUsedBytes.Set(float64(used))
	}
	if free >= 0 {
		storageFreeBytes.Set(float64(free))
	}
}

// ObserveSkipped records an automatic capture that did not run.
func ObserveSkipped(reason string) {
	skippedTotal.WithLabelValues(reason).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
