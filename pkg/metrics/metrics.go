package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	FilesUploaded   prometheus.Counter
	FilesDeleted    prometheus.Counter
	UploadedBytes   prometheus.Counter
	OCRRuns         *prometheus.CounterVec
	AnalysisRuns    *prometheus.CounterVec
	AnalysisLatency prometheus.Histogram
	BlobsReconciled prometheus.Counter
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		FilesUploaded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_uploaded_total",
			Help:      "Total number of successfully uploaded files",
		}),
		FilesDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_deleted_total",
			Help:      "Total number of deleted files",
		}),
		UploadedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Total size of uploaded file content in bytes",
		}),
		OCRRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_runs_total",
			Help:      "Total number of OCR invocations by outcome",
		}, []string{"status"}),
		AnalysisRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_analysis_runs_total",
			Help:      "Total number of structured extraction calls by outcome",
		}, []string{"status"}),
		AnalysisLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_analysis_duration_seconds",
			Help:      "Time spent in structured extraction calls",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		BlobsReconciled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_reconciled_total",
			Help:      "Total number of orphaned blobs cleaned by the reconciler",
		}),
	}
}
