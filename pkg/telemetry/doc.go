// Package telemetry provides observability instrumentation for netfab.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging job execution.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "netfab"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithJob("job-123").WithDevice("edge-01")
//	logger.Info("Starting device task")
//	logger.WithError(err).Error("Connect failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// Log fields carry identifiers and counts only. Credential material, config
// snippet text, and raw command text never appear in log output.
//
// # Distributed Tracing
//
// Tracing provides visibility into job flow and per-device latency:
//
//	ctx, span := tel.Tracer.StartJobSpan(ctx, jobID, "config_push")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    telemetry.AttrDeviceID.String(deviceID),
//	    telemetry.AttrDeviceType.String("cisco-ios-cli"),
//	)
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	// Record job execution
//	tel.Metrics.RecordJobStarted("command_batch")
//	tel.Metrics.RecordJobCompleted("success", duration)
//
//	// Record device tasks
//	tel.Metrics.RecordDeviceTask("juniper-netconf", "succeeded", duration)
//
//	// Record driver calls
//	tel.Metrics.RecordDriverCall("Cisco IOS CLI", "exec", duration)
//
//	// Record errors
//	tel.Metrics.RecordError("connect")
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishJobStarted(jobID, kind)
//	tel.Events.PublishDeviceOutcome(jobID, deviceID, status, duration)
//	tel.Events.PublishQueueDeadLetter(itemID, jobID, attempts)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByJobID, FilterByDeviceID
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Job context
//	ctx = telemetry.WithJobContext(ctx, jobID, kind)
//	defer telemetry.EndJobContext(ctx, jobID, status, err)
//
//	// Device context
//	ctx = telemetry.WithDeviceContext(ctx, jobID, deviceID, deviceType)
//	defer telemetry.EndDeviceContext(ctx, jobID, deviceID, deviceType, status, err)
//
//	// Driver operation
//	err := telemetry.RecordDriverOperation(ctx, "Juniper Junos NETCONF", "apply_config", func() error {
//	    return session.ApplyConfig(ctx, snippet, opts)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - netfab_jobs_started_total{kind}
//   - netfab_jobs_completed_total{status}
//   - netfab_job_duration_seconds{status}
//   - netfab_device_tasks_total{device_type,status}
//   - netfab_device_task_duration_seconds{device_type}
//   - netfab_driver_calls_total{driver,operation}
//   - netfab_errors_by_kind_total{kind}
//   - netfab_credential_resolutions_total{result}
//   - netfab_queue_depth
//   - netfab_queue_dead_letters_total
//   - netfab_active_jobs
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens)
//   - Never log config snippet or command payload text; log counts and lengths
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
package telemetry
