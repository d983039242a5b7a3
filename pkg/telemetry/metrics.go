package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for netfab.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec

	// Device task metrics
	deviceTasks        *prometheus.CounterVec
	deviceTaskDuration *prometheus.HistogramVec

	// Driver metrics
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Credential metrics
	credentialResolutions *prometheus.CounterVec

	// Queue metrics
	queueDepth       prometheus.Gauge
	queueDeadLetters prometheus.Counter

	// System metrics
	activeJobs        prometheus.Gauge
	activeDeviceTasks prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Job metrics
		jobsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_started_total",
				Help:      "Total number of jobs accepted for execution",
			},
			[]string{"kind"},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs completed",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Device task metrics
		deviceTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_tasks_total",
				Help:      "Total number of per-device tasks by terminal status",
			},
			[]string{"device_type", "status"},
		),
		deviceTaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_task_duration_seconds",
				Help:      "Duration of per-device task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"device_type"},
		),

		// Driver metrics
		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of driver session operations",
			},
			[]string{"driver", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of driver session operations in seconds",
				Buckets:   buckets,
			},
			[]string{"driver", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of driver session operation errors",
			},
			[]string{"driver", "operation"},
		),

		// Error metrics
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by taxonomy kind",
			},
			[]string{"kind"},
		),

		// Credential metrics
		credentialResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_resolutions_total",
				Help:      "Total number of credential resolutions by result",
			},
			[]string{"result"},
		),

		// Queue metrics
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of visible items in the job queue",
			},
		),
		queueDeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_dead_letters_total",
				Help:      "Total number of queue items moved to the dead-letter set",
			},
		),

		// System metrics
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of jobs in execution",
			},
		),
		activeDeviceTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_device_tasks",
				Help:      "Current number of admitted device tasks",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.jobsStarted,
		m.jobsCompleted,
		m.jobDuration,
		m.deviceTasks,
		m.deviceTaskDuration,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.errorsByKind,
		m.credentialResolutions,
		m.queueDepth,
		m.queueDeadLetters,
		m.activeJobs,
		m.activeDeviceTasks,
	)

	return m, nil
}

// Job Metrics

// RecordJobStarted increments the counter for started jobs.
func (m *Metrics) RecordJobStarted(kind string) {
	if m.jobsStarted == nil {
		return
	}
	m.jobsStarted.WithLabelValues(kind).Inc()
	m.activeJobs.Inc()
}

// RecordJobCompleted records a completed job with its overall status and duration.
func (m *Metrics) RecordJobCompleted(status string, duration time.Duration) {
	if m.jobsCompleted == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// Device Task Metrics

// RecordDeviceTask records one terminal device task with its status and duration.
func (m *Metrics) RecordDeviceTask(deviceType, status string, duration time.Duration) {
	if m.deviceTasks == nil {
		return
	}
	m.deviceTasks.WithLabelValues(deviceType, status).Inc()
	m.deviceTaskDuration.WithLabelValues(deviceType).Observe(duration.Seconds())
}

// DeviceTaskStarted increments the active device task gauge.
func (m *Metrics) DeviceTaskStarted() {
	if m.activeDeviceTasks == nil {
		return
	}
	m.activeDeviceTasks.Inc()
}

// DeviceTaskFinished decrements the active device task gauge.
func (m *Metrics) DeviceTaskFinished() {
	if m.activeDeviceTasks == nil {
		return
	}
	m.activeDeviceTasks.Dec()
}

// Driver Metrics

// RecordDriverCall records a driver session operation with its duration.
func (m *Metrics) RecordDriverCall(driver, operation string, duration time.Duration) {
	if m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(driver, operation).Inc()
	m.driverDuration.WithLabelValues(driver, operation).Observe(duration.Seconds())
}

// RecordDriverError records a driver session operation error.
func (m *Metrics) RecordDriverError(driver, operation string) {
	if m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(driver, operation).Inc()
}

// Error Metrics

// RecordError records an error by taxonomy kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Credential Metrics

// RecordCredentialResolution records a credential resolution attempt result.
func (m *Metrics) RecordCredentialResolution(result string) {
	if m.credentialResolutions == nil {
		return
	}
	m.credentialResolutions.WithLabelValues(result).Inc()
}

// Queue Metrics

// SetQueueDepth sets the current number of visible queue items.
func (m *Metrics) SetQueueDepth(count float64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(count)
}

// RecordDeadLetter records an item moved to the dead-letter set.
func (m *Metrics) RecordDeadLetter() {
	if m.queueDeadLetters == nil {
		return
	}
	m.queueDeadLetters.Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
