package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// IngestStageTotal counts pipeline stage outcomes per stage and result.
	IngestStageTotal *prometheus.CounterVec

	// IngestDuration observes end-to-end document ingestion latency.
	IngestDuration prometheus.Histogram

	// ExtractionChunksTotal counts extraction chunk outcomes (ok, skipped, failed).
	ExtractionChunksTotal *prometheus.CounterVec

	// BackupOperationsTotal counts backup operations per kind and result.
	BackupOperationsTotal *prometheus.CounterVec

	// StoreLatency records store operation latency per backend and operation.
	StoreLatency *prometheus.HistogramVec

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge
)

var initOnce sync.Once

// Init registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers.
func Init(constLabels map[string]string) {
	initOnce.Do(func() {
		reg := prometheus.WrapRegistererWith(prometheus.Labels(constLabels), prometheus.DefaultRegisterer)
		f := promauto.With(reg)

		httpRequestsTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_memory_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		)
		httpRequestDuration = f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graph_memory_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)
		IngestStageTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_memory_ingest_stage_total",
				Help: "Ingestion pipeline stage outcomes",
			},
			[]string{"stage", "result"},
		)
		IngestDuration = f.NewHistogram(prometheus.HistogramOpts{
			Name:    "graph_memory_ingest_duration_seconds",
			Help:    "End-to-end document ingestion duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		})
		ExtractionChunksTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_memory_extraction_chunks_total",
				Help: "Extraction chunk outcomes",
			},
			[]string{"result"},
		)
		BackupOperationsTotal = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graph_memory_backup_operations_total",
				Help: "Backup operations by kind and result",
			},
			[]string{"kind", "result"},
		)
		StoreLatency = f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graph_memory_store_latency_seconds",
				Help:    "Store operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"store", "operation"},
		)
		DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
			Name: "graph_memory_db_pool_open_connections",
			Help: "Number of open database connections",
		})
	})
}

// Middleware records HTTP request metrics for Prometheus.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}

// ObserveStore records one store operation's latency, tolerating use before Init.
func ObserveStore(store, operation string, start time.Time) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
	}
}

// CountStage records one ingestion stage outcome, tolerating use before Init.
func CountStage(stage, result string) {
	if IngestStageTotal != nil {
		IngestStageTotal.WithLabelValues(stage, result).Inc()
	}
}

// CountChunk records one extraction chunk outcome, tolerating use before Init.
func CountChunk(result string) {
	if ExtractionChunksTotal != nil {
		ExtractionChunksTotal.WithLabelValues(result).Inc()
	}
}

// CountBackup records one backup operation outcome, tolerating use before Init.
func CountBackup(kind, result string) {
	if BackupOperationsTotal != nil {
		BackupOperationsTotal.WithLabelValues(kind, result).Inc()
	}
}
