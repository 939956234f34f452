package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clausewise/analysis-engine/internal/logger"
)

// Metrics contains all Prometheus metrics for the engine
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Artifact store metrics
	artifactResolutionsTotal *prometheus.CounterVec
	artifactComputeDuration  *prometheus.HistogramVec
	computeLockWaitsTotal    *prometheus.CounterVec
	computeLockWaitDuration  prometheus.Histogram

	// Run lifecycle metrics
	runsTotal          *prometheus.CounterVec
	runsActive         prometheus.Gauge
	runDuration        *prometheus.HistogramVec
	checkpointsTotal   *prometheus.CounterVec
	orphansRecovered   prometheus.Counter
	queueDepth         prometheus.Gauge

	// Phase orchestration metrics
	phaseDuration   *prometheus.HistogramVec
	phasesTotal     *prometheus.CounterVec
	unitRetriesTotal *prometheus.CounterVec

	// Progress metrics
	progressEmissionsTotal *prometheus.CounterVec

	// Storage metrics
	storageOperationsTotal   *prometheus.CounterVec
	storageOperationDuration *prometheus.HistogramVec

	// System metrics
	goroutinesActive prometheus.Gauge
	memoryUsage      prometheus.Gauge

	logger *logger.Logger
}

// NewMetrics creates a new metrics instance with all Prometheus metrics
func NewMetrics(log *logger.Logger) *Metrics {
	m := &Metrics{
		logger: log.WithService("metrics"),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		artifactResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifact_resolutions_total",
				Help: "Total number of artifact address resolutions",
			},
			[]string{"outcome"},
		),
		artifactComputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "artifact_compute_duration_seconds",
				Help:    "Artifact computation duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),
		computeLockWaitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compute_lock_waits_total",
				Help: "Total number of compute lock acquisition attempts",
			},
			[]string{"outcome"},
		),
		computeLockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "compute_lock_wait_duration_seconds",
				Help:    "Time spent waiting on a concurrent holder's computation",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runs_total",
				Help: "Total number of runs by terminal status",
			},
			[]string{"status"},
		),
		runsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "runs_active",
				Help: "Number of runs currently being processed",
			},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "run_duration_seconds",
				Help:    "End-to-end run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		checkpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoints_total",
				Help: "Total number of checkpoint recordings",
			},
			[]string{"outcome"},
		),
		orphansRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orphans_recovered_total",
				Help: "Total number of orphaned runs reclaimed by the sweep",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "run_queue_depth",
				Help: "Number of runs waiting in the queue",
			},
		),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phase_duration_seconds",
				Help:    "Phase execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),
		phasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phases_total",
				Help: "Total number of phase executions by outcome",
			},
			[]string{"phase", "state"},
		),
		unitRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unit_retries_total",
				Help: "Total number of analyzer unit retries",
			},
			[]string{"unit"},
		),

		progressEmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_emissions_total",
				Help: "Total number of progress emissions by outcome",
			},
			[]string{"outcome"},
		),

		storageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total number of blob storage operations",
			},
			[]string{"operation", "status"},
		),
		storageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Blob storage operation duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		goroutinesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_active",
				Help: "Number of active goroutines",
			},
		),
		memoryUsage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_usage_bytes",
				Help: "Memory usage in bytes",
			},
		),
	}

	prometheus.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.artifactResolutionsTotal,
		m.artifactComputeDuration,
		m.computeLockWaitsTotal,
		m.computeLockWaitDuration,
		m.runsTotal,
		m.runsActive,
		m.runDuration,
		m.checkpointsTotal,
		m.orphansRecovered,
		m.queueDepth,
		m.phaseDuration,
		m.phasesTotal,
		m.unitRetriesTotal,
		m.progressEmissionsTotal,
		m.storageOperationsTotal,
		m.storageOperationDuration,
		m.goroutinesActive,
		m.memoryUsage,
	)

	m.logger.Info("Prometheus metrics initialized")
	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	statusStr := strconv.Itoa(statusCode)

	m.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordArtifactResolution records one resolution outcome: hit, partial_hit,
// computed, or wait_hit (another worker computed while we waited).
func (m *Metrics) RecordArtifactResolution(outcome string) {
	m.artifactResolutionsTotal.WithLabelValues(outcome).Inc()
}

// RecordArtifactCompute records the duration of one page computation batch
func (m *Metrics) RecordArtifactCompute(kind string, duration time.Duration) {
	m.artifactComputeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLockWait records a compute lock attempt: acquired, contended, timeout
func (m *Metrics) RecordLockWait(outcome string, waited time.Duration) {
	m.computeLockWaitsTotal.WithLabelValues(outcome).Inc()
	if waited > 0 {
		m.computeLockWaitDuration.Observe(waited.Seconds())
	}
}

// RecordRunFinished records a run reaching a terminal status
func (m *Metrics) RecordRunFinished(status string, duration time.Duration) {
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncRunsActive increments the active run gauge
func (m *Metrics) IncRunsActive() {
	m.runsActive.Inc()
}

// DecRunsActive decrements the active run gauge
func (m *Metrics) DecRunsActive() {
	m.runsActive.Dec()
}

// RecordCheckpoint records a checkpoint outcome: accepted or rejected
func (m *Metrics) RecordCheckpoint(outcome string) {
	m.checkpointsTotal.WithLabelValues(outcome).Inc()
}

// IncOrphansRecovered increments the orphan recovery counter
func (m *Metrics) IncOrphansRecovered() {
	m.orphansRecovered.Inc()
}

// SetQueueDepth sets the run queue depth gauge
func (m *Metrics) SetQueueDepth(depth int64) {
	m.queueDepth.Set(float64(depth))
}

// RecordPhase records one phase execution outcome
func (m *Metrics) RecordPhase(phase, state string, duration time.Duration) {
	m.phasesTotal.WithLabelValues(phase, state).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// IncUnitRetries increments the retry counter for an analyzer unit
func (m *Metrics) IncUnitRetries(unit string) {
	m.unitRetriesTotal.WithLabelValues(unit).Inc()
}

// RecordProgressEmission records an emission outcome: accepted, rejected,
// or baseline_reset.
func (m *Metrics) RecordProgressEmission(outcome string) {
	m.progressEmissionsTotal.WithLabelValues(outcome).Inc()
}

// SetGoroutines sets the number of active goroutines
func (m *Metrics) SetGoroutines(count int) {
	m.goroutinesActive.Set(float64(count))
}

// SetMemoryUsage sets the memory usage in bytes
func (m *Metrics) SetMemoryUsage(bytes int64) {
	m.memoryUsage.Set(float64(bytes))
}

// RecordStorageOperation records a blob storage operation metric
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	m.storageOperationsTotal.WithLabelValues(operation, status).Inc()
	m.storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// GinHandler returns a Gin handler for Prometheus metrics
func (m *Metrics) GinHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return gin.WrapH(handler)
}
