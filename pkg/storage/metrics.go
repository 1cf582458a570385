package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blobstore_uploads_total",
		Help: "Upload attempts by outcome.",
	}, []string{"outcome"})

	uploadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_upload_bytes_total",
		Help: "Payload bytes accepted for storage.",
	})

	uploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "blobstore_upload_duration_seconds",
		Help:    "Wall time spent storing a blob.",
		Buckets: prometheus.DefBuckets,
	})

	deletesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_deletes_total",
		Help: "Blobs removed through explicit deletes.",
	})

	sweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sweep_runs_total",
		Help: "Completed expiry sweeps.",
	})

	sweepRemovedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sweep_removed_total",
		Help: "Expired blobs removed by sweeps.",
	})

	sweepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blobstore_sweep_failures_total",
		Help: "Expired blobs a sweep failed to remove.",
	})
)

const (
	outcomeStored       = "stored"
	outcomeDeduplicated = "deduplicated"
	outcomeRejected     = "rejected"
	outcomeFailed       = "failed"
)

func init() {
	prometheus.MustRegister(
		uploadsTotal,
		uploadBytesTotal,
		uploadDuration,
		deletesTotal,
		sweepRunsTotal,
		sweepRemovedTotal,
		sweepFailuresTotal,
	)
}
