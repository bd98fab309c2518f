package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "logshipper"

// Collector provides a central place for all application metrics
type Collector struct {
	// File target metrics
	ReadBytesTotal *prometheus.CounterVec
	ReadLinesTotal *prometheus.CounterVec
	FileBytes      *prometheus.GaugeVec
	FilesActive    prometheus.Gauge

	// Target metrics
	TargetEntriesTotal *prometheus.CounterVec
	TargetsActive      *prometheus.GaugeVec
	TargetRateLimited  *prometheus.CounterVec

	// Pipeline metrics
	PipelineEntriesTotal *prometheus.CounterVec
	PipelineStageErrors  *prometheus.CounterVec
	PipelineDropped      *prometheus.CounterVec
	PipelineDuration     *prometheus.HistogramVec
	InvalidLabelsTotal   *prometheus.CounterVec

	// Worker pool metrics
	WorkerQueueDepth *prometheus.GaugeVec
	WorkerJobsTotal  *prometheus.CounterVec

	// Client metrics
	BatchesFlushed      *prometheus.CounterVec
	BatchEntries        *prometheus.HistogramVec
	QueueLength         *prometheus.GaugeVec
	SentBytesTotal      *prometheus.CounterVec
	SentEntriesTotal    *prometheus.CounterVec
	DroppedBytesTotal   *prometheus.CounterVec
	DroppedEntriesTotal *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec

	// Reliability metrics
	CircuitBreakerState *prometheus.GaugeVec
	DLQBatchesTotal     *prometheus.CounterVec
	DLQSize             prometheus.Gauge
	WALRecordsTotal     *prometheus.CounterVec
	WALReplayedTotal    *prometheus.CounterVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	c := &Collector{
		registry: registry,
	}

	c.initFileMetrics()
	c.initTargetMetrics()
	c.initPipelineMetrics()
	c.initWorkerMetrics()
	c.initClientMetrics()
	c.initReliabilityMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initFileMetrics() {
	c.ReadBytesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "read_bytes_total",
			Help:      "Number of bytes read from each tailed file",
		},
		[]string{"path"},
	)

	c.ReadLinesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "read_lines_total",
			Help:      "Number of lines read from each tailed file",
		},
		[]string{"path"},
	)

	c.FileBytes = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "size_bytes",
			Help:      "Size of each tailed file",
		},
		[]string{"path"},
	)

	c.FilesActive = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "file",
			Name:      "active",
			Help:      "Number of files currently tailed",
		},
	)
}

func (c *Collector) initTargetMetrics() {
	c.TargetEntriesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "entries_total",
			Help:      "Number of entries produced by each target",
		},
		[]string{"job", "type"},
	)

	c.TargetsActive = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "active",
			Help:      "Number of running targets",
		},
		[]string{"type"},
	)

	c.TargetRateLimited = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "rate_limited_total",
			Help:      "Number of requests rejected by a target rate limiter",
		},
		[]string{"job"},
	)
}

func (c *Collector) initPipelineMetrics() {
	c.PipelineEntriesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "entries_total",
			Help:      "Number of entries processed by each job pipeline",
		},
		[]string{"job"},
	)

	c.PipelineStageErrors = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_errors_total",
			Help:      "Number of entries a stage failed to process",
		},
		[]string{"job", "stage"},
	)

	c.PipelineDropped = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dropped_entries_total",
			Help:      "Number of entries dropped by pipeline stages",
		},
		[]string{"job", "reason"},
	)

	c.PipelineDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Time spent running an entry through a pipeline",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		},
		[]string{"job"},
	)

	c.InvalidLabelsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invalid_labels_total",
			Help:      "Number of labels discarded because of an invalid name or value",
		},
		[]string{"job"},
	)
}

func (c *Collector) initWorkerMetrics() {
	c.WorkerQueueDepth = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Entries waiting in each worker shard",
		},
		[]string{"worker"},
	)

	c.WorkerJobsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Entries processed by each worker shard",
		},
		[]string{"worker"},
	)
}

func (c *Collector) initClientMetrics() {
	c.BatchesFlushed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "batches_flushed_total",
			Help:      "Number of batches flushed, by trigger",
		},
		[]string{"client", "reason"},
	)

	c.BatchEntries = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "batch_entries",
			Help:      "Number of entries per flushed batch",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"client"},
	)

	c.QueueLength = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "queue_length",
			Help:      "Batches waiting to be sent",
		},
		[]string{"client"},
	)

	c.SentBytesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sent_bytes_total",
			Help:      "Number of line bytes sent",
		},
		[]string{"client"},
	)

	c.SentEntriesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "sent_entries_total",
			Help:      "Number of entries sent",
		},
		[]string{"client"},
	)

	c.DroppedBytesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "dropped_bytes_total",
			Help:      "Number of line bytes dropped after failing to send",
		},
		[]string{"client", "reason"},
	)

	c.DroppedEntriesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "dropped_entries_total",
			Help:      "Number of entries dropped after failing to send",
		},
		[]string{"client", "reason"},
	)

	c.RequestDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of send requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"client", "status_code"},
	)

	c.RetriesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Number of send retries",
		},
		[]string{"client"},
	)
}

func (c *Collector) initReliabilityMetrics() {
	c.CircuitBreakerState = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	c.DLQBatchesTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "batches_written_total",
			Help:      "Number of batches written to the dead letter queue",
		},
		[]string{"client", "reason"},
	)

	c.DLQSize = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "entries",
			Help:      "Batches currently held by the dead letter queue",
		},
	)

	c.WALRecordsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "records_written_total",
			Help:      "Number of batches written to the write-ahead log",
		},
		[]string{"client"},
	)

	c.WALReplayedTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "records_replayed_total",
			Help:      "Number of batches replayed from the write-ahead log on start",
		},
		[]string{"client"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Global metrics collector
var (
	globalCollector *Collector
	once            sync.Once
)

// GetGlobalCollector returns the global metrics collector
func GetGlobalCollector() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}
