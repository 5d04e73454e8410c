package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	batchesTotal  *prometheus.CounterVec
	recordsStaged *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	unmappedFields *prometheus.CounterVec
	loaderActions  *prometheus.CounterVec

	watermarkAdvanced *prometheus.CounterVec
	runsTotal         *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		batchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Name:      "batches_total",
			Help:      "Total number of extractor batches processed.",
		}, []string{"entity", "status"}),
		recordsStaged: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Name:      "records_staged_total",
			Help:      "Total number of records landed in staging.",
		}, []string{"entity"}),
		batchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "importer",
			Name:      "batch_duration_seconds",
			Help:      "Latency distribution for batch transform+stage.",
			Buckets: []float64{
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10, 30,
			},
		}, []string{"entity"}),
		unmappedFields: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Name:      "unmapped_fields_total",
			Help:      "Occurrences of raw source fields no mapping consumed.",
		}, []string{"entity"}),
		loaderActions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Name:      "loader_actions_total",
			Help:      "Loader decisions by action.",
		}, []string{"entity", "action"}),
		watermarkAdvanced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Name:      "watermark_advanced_total",
			Help:      "Watermark advancement events.",
		}, []string{"adapter", "object"}),
		runsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "importer",
			Name:      "runs_total",
			Help:      "Import runs by terminal status.",
		}, []string{"adapter", "status"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
