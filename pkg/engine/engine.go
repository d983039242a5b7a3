package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opennetfab/opennetfab/pkg/audit"
	"github.com/opennetfab/opennetfab/pkg/drivers"
	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

// defaultConnectBackoff separates the two connect attempts for transient
// transport failures.
const defaultConnectBackoff = 500 * time.Millisecond

// Inventory resolves a job's target selector to a device list. The
// returned order is significant: with max_parallel of one, devices run in
// exactly this order. inventory.Static satisfies the interface.
type Inventory interface {
	Resolve(ctx context.Context, sel model.TargetSelector) ([]model.Device, error)
}

// CredentialResolver turns credential references into owned credentials.
// The engine zeroes every credential it resolves once the device task's
// connection attempt is over. secrets.Resolver satisfies the interface.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref model.CredentialRef) (*model.Credential, error)
}

// Sink receives the outcome stream for a job. Push must be idempotent per
// (job, device) pair: the engine retries a failed push once and a
// half-applied first attempt must collapse into the retry. Finalize
// persists the aggregate record after the last outcome.
type Sink interface {
	Push(ctx context.Context, jobID uuid.UUID, outcome *model.DeviceOutcome) error
	Finalize(ctx context.Context, record *model.JobRecord) error
}

// ApprovalStore answers whether an approval token authorizes execution.
type ApprovalStore interface {
	IsApproved(ctx context.Context, token string) (bool, error)
}

// Options configures an Engine. Drivers and Credentials are required;
// everything else degrades to a no-op when absent.
type Options struct {
	// Drivers maps device types to capability-typed drivers.
	Drivers *drivers.Registry

	// Credentials resolves device credential references per task.
	Credentials CredentialResolver

	// Approvals validates approval tokens at intake. Nil disables the
	// approval gate entirely.
	Approvals ApprovalStore

	// Audit receives job, device, and cancellation records.
	Audit audit.Sink

	// Logger receives structured execution logs.
	Logger *telemetry.Logger

	// Metrics receives job, device, and driver instrumentation.
	Metrics *telemetry.Metrics

	// Tracer produces job, device, and driver spans.
	Tracer *telemetry.Tracer

	// LogCap bounds outcome log lines. Zero applies model.DefaultLogCap.
	LogCap int

	// DiffCap bounds diff lines. Zero applies model.DefaultDiffCap.
	DiffCap int

	// ConnectBackoff is the pause before the single connect retry. Zero
	// applies the default.
	ConnectBackoff time.Duration
}

// Engine executes jobs against resolved device sets. It holds no per-job
// state: the inventory and sink arrive as Execute parameters, so one
// engine can run any number of jobs concurrently as long as their sinks
// tolerate it. Device tasks share the registry, resolver, and sink by
// reference.
type Engine struct {
	drivers        *drivers.Registry
	credentials    CredentialResolver
	approvals      ApprovalStore
	audit          audit.Sink
	logger         *telemetry.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
	logCap         int
	diffCap        int
	connectBackoff time.Duration
}

// New builds an Engine from options.
func New(opts Options) (*Engine, error) {
	if opts.Drivers == nil {
		return nil, fmt.Errorf("driver registry is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credential resolver is required")
	}
	e := &Engine{
		drivers:        opts.Drivers,
		credentials:    opts.Credentials,
		approvals:      opts.Approvals,
		audit:          opts.Audit,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		logCap:         opts.LogCap,
		diffCap:        opts.DiffCap,
		connectBackoff: opts.ConnectBackoff,
	}
	if e.logger == nil {
		e.logger = telemetry.FromContext(context.Background())
	}
	if e.logCap <= 0 {
		e.logCap = model.DefaultLogCap
	}
	if e.diffCap <= 0 {
		e.diffCap = model.DefaultDiffCap
	}
	if e.connectBackoff <= 0 {
		e.connectBackoff = defaultConnectBackoff
	}
	return e, nil
}

// Execute runs one job to completion and returns its finalized record.
//
// The context is the job's cancel handle: when it fires, queued device
// tasks finish as Cancelled without device contact, in-flight tasks
// observe it at their next blocking step, and the record's overall status
// becomes Cancelled. Intake failures (validation, approval, inventory)
// return a classified error before any device is touched; once device
// tasks start, Execute always returns a record with exactly one outcome
// pushed per resolved device.
func (e *Engine) Execute(ctx context.Context, job *model.Job, inv Inventory, sink Sink) (*model.JobRecord, error) {
	if job == nil {
		return nil, NewTaskError(ErrorKindValidation, "job is required", nil)
	}
	if inv == nil {
		return nil, NewTaskError(ErrorKindValidation, "inventory is required", nil)
	}
	if sink == nil {
		return nil, NewTaskError(ErrorKindValidation, "outcome sink is required", nil)
	}

	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return nil, NewTaskError(ErrorKindValidation, "job rejected at intake", err)
	}
	if err := e.checkApproval(ctx, job); err != nil {
		return nil, err
	}

	log := e.logger.WithJob(job.ID.String())
	startedAt := time.Now().UTC()

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartJobSpan(ctx, job.ID.String(), string(job.Kind.Type))
		defer span.End()
	}

	// Targets resolve exactly once; the materialized list is the job's
	// device universe from here on.
	devices, err := inv.Resolve(ctx, job.Targets)
	if err != nil {
		if span != nil {
			telemetry.RecordError(span, err)
		}
		return nil, NewTaskError(ErrorKindInventory, "failed to resolve job targets", err)
	}

	log.WithFields(map[string]interface{}{
		"kind":         string(job.Kind.Type),
		"devices":      len(devices),
		"max_parallel": job.MaxParallel,
		"dry_run":      job.DryRun,
	}).Info("Job accepted")

	if e.metrics != nil {
		e.metrics.RecordJobStarted(string(job.Kind.Type))
	}
	e.auditAppend(ctx, audit.Record{
		EventKind: audit.EventJobStart,
		JobID:     job.ID.String(),
		Detail:    fmt.Sprintf("kind=%s devices=%d max_parallel=%d dry_run=%t", job.Kind.Type, len(devices), job.MaxParallel, job.DryRun),
	})

	record := &model.JobRecord{
		JobID:     job.ID,
		JobName:   job.Name,
		StartedAt: startedAt,
	}

	if len(devices) == 0 {
		record.FinishedAt = time.Now().UTC()
		record.OverallStatus = model.OverallSuccess
		e.finishJob(ctx, log, span, sink, record)
		return record, nil
	}

	run := &jobRun{engine: e, job: job, sink: sink, log: log}
	run.dispatch(ctx, devices)

	record.FinishedAt = time.Now().UTC()
	counts, sinkFailed := run.snapshot()
	record.Counts = counts
	record.OverallStatus = overall(ctx, counts, sinkFailed)

	if record.OverallStatus == model.OverallCancelled {
		e.auditAppend(context.WithoutCancel(ctx), audit.Record{
			EventKind: audit.EventCancellation,
			JobID:     job.ID.String(),
			Detail:    fmt.Sprintf("cancelled after %d of %d outcomes", counts.Total(), len(devices)),
		})
	}

	e.finishJob(ctx, log, span, sink, record)
	return record, nil
}

// checkApproval enforces the intake approval gate when a store is
// configured. Absent, unknown, and rejected tokens all fail closed.
func (e *Engine) checkApproval(ctx context.Context, job *model.Job) error {
	if e.approvals == nil {
		return nil
	}
	if job.ApprovalToken == "" {
		return NewTaskError(ErrorKindApproval, "approval token required but absent", nil)
	}
	ok, err := e.approvals.IsApproved(ctx, job.ApprovalToken)
	if err != nil {
		return NewTaskError(ErrorKindApproval, "failed to verify approval token", err)
	}
	if !ok {
		return NewTaskError(ErrorKindApproval, "approval token rejected", nil)
	}
	return nil
}

// finishJob persists the record and emits the end-of-job telemetry. The
// finalize runs on a context that survives the cancel handle and gets one
// retry; a persistent failure converts the overall status to Failed
// unless cancellation already claimed it.
func (e *Engine) finishJob(ctx context.Context, log *telemetry.Logger, span trace.Span, sink Sink, record *model.JobRecord) {
	finCtx := context.WithoutCancel(ctx)
	if err := sink.Finalize(finCtx, record); err != nil {
		if err = sink.Finalize(finCtx, record); err != nil {
			log.WithError(err).Error("Failed to finalize job record after retry")
			if e.metrics != nil {
				e.metrics.RecordError(string(ErrorKindSink))
			}
			if record.OverallStatus != model.OverallCancelled {
				record.OverallStatus = model.OverallFailed
			}
		}
	}

	e.auditAppend(finCtx, audit.Record{
		EventKind: audit.EventJobEnd,
		JobID:     record.JobID.String(),
		Detail: fmt.Sprintf("status=%s succeeded=%d failed=%d skipped=%d timed_out=%d cancelled=%d rolled_back=%d",
			record.OverallStatus, record.Counts.Succeeded, record.Counts.Failed, record.Counts.Skipped,
			record.Counts.TimedOut, record.Counts.Cancelled, record.Counts.RolledBack),
	})
	if e.metrics != nil {
		e.metrics.RecordJobCompleted(string(record.OverallStatus), record.FinishedAt.Sub(record.StartedAt))
	}
	if span != nil {
		span.SetAttributes(telemetry.AttrJobStatus.String(string(record.OverallStatus)))
		if record.OverallStatus == model.OverallSuccess {
			telemetry.RecordSuccess(span)
		}
	}
	log.WithFields(map[string]interface{}{
		"status":   string(record.OverallStatus),
		"outcomes": record.Counts.Total(),
		"duration": record.FinishedAt.Sub(record.StartedAt).String(),
	}).Info("Job finished")
}

// auditAppend writes one audit record, downgrading failures to warnings:
// the engine never aborts execution because the trail is behind.
func (e *Engine) auditAppend(ctx context.Context, rec audit.Record) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, rec); err != nil {
		e.logger.WithError(err).Warn("Audit append failed")
	}
}

// overall derives the job's terminal status. Cancellation overrides the
// count-derived statuses, and a sink that lost outcomes forces Failed no
// matter what the counts say.
func overall(ctx context.Context, counts model.OutcomeCounts, sinkFailed bool) model.OverallStatus {
	switch {
	case ctx.Err() != nil:
		return model.OverallCancelled
	case sinkFailed:
		return model.OverallFailed
	case counts.Succeeded == counts.Total():
		return model.OverallSuccess
	case counts.Succeeded > 0:
		return model.OverallPartialSuccess
	default:
		return model.OverallFailed
	}
}

// jobRun is the per-execution state shared by the device workers.
type jobRun struct {
	engine *Engine
	job    *model.Job
	sink   Sink
	log    *telemetry.Logger

	mu         sync.Mutex
	counts     model.OutcomeCounts
	sinkFailed bool
}

// dispatch fans the device list out to at most max_parallel workers. The
// buffered channel preserves inventory order, so a single worker visits
// devices exactly as resolved. Workers double as the admission permits:
// at no point do more than max_parallel device tasks run, and every
// permit is released when its worker drains, panics included.
func (r *jobRun) dispatch(ctx context.Context, devices []model.Device) {
	workerCount := r.job.MaxParallel
	if len(devices) < workerCount {
		workerCount = len(devices)
	}

	workQueue := make(chan *model.Device, len(devices))
	for i := range devices {
		workQueue <- &devices[i]
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for device := range workQueue {
				outcome := r.runDevice(ctx, device)
				r.deliver(ctx, device, outcome)
			}
		}()
	}
	wg.Wait()
}

// snapshot returns the tally and sink health under the lock.
func (r *jobRun) snapshot() (model.OutcomeCounts, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts, r.sinkFailed
}

// runDevice takes one device through the full lifecycle and always
// returns a terminal outcome: a panic anywhere inside surfaces as a
// Failed outcome rather than tearing down the job.
func (r *jobRun) runDevice(ctx context.Context, device *model.Device) (outcome *model.DeviceOutcome) {
	log := r.log.WithDevice(device.ID)
	outcome = &model.DeviceOutcome{
		DeviceID:  device.ID,
		StartedAt: time.Now().UTC(),
	}

	if r.engine.metrics != nil {
		r.engine.metrics.DeviceTaskStarted()
	}
	start := time.Now()

	var span trace.Span
	if r.engine.tracer != nil {
		ctx, span = r.engine.tracer.StartDeviceSpan(ctx, r.job.ID.String(), device.ID, device.DeviceType.String())
	}

	defer func() {
		if p := recover(); p != nil {
			log.Errorf("Device task panicked: %v", p)
			outcome.Status = model.StatusFailed
			outcome.Error = &model.OutcomeError{
				Kind:    string(ErrorKindInternal),
				Message: fmt.Sprintf("device task panicked: %v", p),
			}
		}
		outcome.FinishedAt = time.Now().UTC()
		outcome.TruncateLogs(r.engine.logCap)

		if r.engine.metrics != nil {
			r.engine.metrics.DeviceTaskFinished()
			r.engine.metrics.RecordDeviceTask(device.DeviceType.String(), string(outcome.Status), time.Since(start))
			if outcome.Error != nil {
				r.engine.metrics.RecordError(outcome.Error.Kind)
			}
		}
		if span != nil {
			span.SetAttributes(telemetry.AttrDeviceStatus.String(string(outcome.Status)))
			if outcome.Error != nil {
				telemetry.RecordError(span, outcome.Error)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
	}()

	// Tasks dequeued after the cancel handle fired never touch the
	// device.
	if ctx.Err() != nil {
		outcome.Status = model.StatusCancelled
		outcome.Error = &model.OutcomeError{
			Kind:    string(ErrorKindCancelled),
			Message: "job cancelled before device task started",
		}
		return outcome
	}

	driver, err := r.engine.drivers.DriverFor(device.DeviceType)
	if err != nil {
		log.WithField("device_type", device.DeviceType.String()).Warn("No driver available, skipping device")
		outcome.Status = model.StatusSkipped
		outcome.Error = NewTaskError(ErrorKindUnsupported,
			fmt.Sprintf("no driver available for device type %s", device.DeviceType), nil).Outcome()
		outcome.Logs = append(outcome.Logs, fmt.Sprintf("no driver available for device type %s", device.DeviceType))
		return outcome
	}
	caps := driver.Capabilities()

	// Dry-run against a driver that cannot validate without persisting is
	// a skip, never a failure, and never contacts the device.
	if r.job.DryRun && !caps.SupportsDryRun {
		log.WithDriver(driver.Name(), device.DeviceType.String()).Info("Dry run not supported, skipping device")
		outcome.Status = model.StatusSkipped
		outcome.Error = NewTaskError(ErrorKindUnsupported,
			fmt.Sprintf("driver %s does not support dry run", driver.Name()), nil).Outcome()
		outcome.Logs = append(outcome.Logs, "dry run skipped (not supported)")
		return outcome
	}

	cred, err := r.engine.credentials.Resolve(ctx, device.CredentialRef)
	if err != nil {
		log.WithError(err).Error("Credential resolution failed")
		if r.engine.metrics != nil {
			r.engine.metrics.RecordCredentialResolution("failure")
		}
		outcome.Status = model.StatusFailed
		outcome.Error = NewTaskError(ErrorKindCredential,
			fmt.Sprintf("failed to resolve credential %q", device.CredentialRef.Name), err).Outcome()
		return outcome
	}
	defer cred.Zero()
	if r.engine.metrics != nil {
		r.engine.metrics.RecordCredentialResolution("success")
	}

	// Everything that talks to the device runs inside the per-device
	// timeout envelope.
	taskCtx, cancel := context.WithTimeout(ctx, r.job.DeviceTimeout)
	defer cancel()

	r.executeDevice(taskCtx, ctx, log, driver, caps, device, cred, outcome)
	return outcome
}

// executeDevice is the connect/pre-check/execute/post-check/rollback part
// of the lifecycle. ctx carries the device timeout; jobCtx is the
// unwrapped cancel handle used to tell cancellation apart from timeout.
func (r *jobRun) executeDevice(ctx, jobCtx context.Context, log *telemetry.Logger, driver drivers.Driver, caps model.CapabilitySet, device *model.Device, cred *model.Credential, outcome *model.DeviceOutcome) {
	session, err := r.connect(ctx, log, driver, device, cred)
	if err != nil {
		r.fail(ctx, jobCtx, outcome,
			NewTaskError(ErrorKindConnect, fmt.Sprintf("failed to connect to %s", device.MgmtAddress), err).WithDevice(device.ID))
		return
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.WithError(cerr).Debug("Session close failed")
		}
	}()
	outcome.Logs = append(outcome.Logs, fmt.Sprintf("connected via %s", driver.Name()))

	// Pre-check: capture the snapshot that diff and rollback read from.
	var before string
	if r.job.Kind.Type == model.JobConfigPush && caps.SupportsDiff {
		before, err = session.GetConfig(ctx)
		if err != nil {
			r.fail(ctx, jobCtx, outcome,
				NewTaskError(ErrorKindExecute, "failed to capture pre-change config", err).WithDevice(device.ID))
			return
		}
		outcome.Logs = append(outcome.Logs, fmt.Sprintf("captured pre-change config (%d lines)", lineCount(before)))
	}

	// Dry run stops before any device mutation.
	if r.job.DryRun {
		r.dryRun(ctx, jobCtx, log, device, outcome, session)
		return
	}

	switch r.job.Kind.Type {
	case model.JobCommandBatch:
		err = r.runCommands(ctx, log, session, outcome)
	case model.JobConfigPush:
		err = r.applyConfig(ctx, log, session, outcome)
	case model.JobComplianceCheck:
		err = r.captureCompliance(ctx, session, outcome)
	default:
		err = NewTaskError(ErrorKindValidation, fmt.Sprintf("unknown job kind %q", r.job.Kind.Type), nil)
	}
	if err != nil {
		r.fail(ctx, jobCtx, outcome, err)
		if outcome.Status == model.StatusFailed && caps.SupportsRollback {
			r.rollback(ctx, log, session, before, outcome)
		}
		return
	}

	// Post-check: diff the captured state against the device's new state.
	if r.job.Kind.Type == model.JobConfigPush && caps.SupportsDiff {
		after, cerr := session.GetConfig(ctx)
		if cerr != nil {
			r.fail(ctx, jobCtx, outcome,
				NewTaskError(ErrorKindExecute, "failed to capture post-change config", cerr).WithDevice(device.ID))
			return
		}
		diff, derr := unifiedDiff(before, after, r.engine.diffCap)
		if derr != nil {
			r.fail(ctx, jobCtx, outcome, NewTaskError(ErrorKindExecute, "failed to diff config captures", derr).WithDevice(device.ID))
			return
		}
		outcome.Diff = diff
	}

	outcome.Status = model.StatusSucceeded
}

// connect establishes the session, retrying once after a backoff when the
// transport flags the failure transient. Authentication failures never
// retry: a second attempt with the same rejected credential only burns
// lockout budgets.
func (r *jobRun) connect(ctx context.Context, log *telemetry.Logger, driver drivers.Driver, device *model.Device, cred *model.Credential) (drivers.Session, error) {
	session, err := r.dial(ctx, driver, device, cred)
	if err == nil {
		return session, nil
	}
	if IsAuthFailure(err) || !IsTemporary(err) {
		return nil, err
	}

	log.WithError(err).Warn("Connect failed with transient error, retrying once")
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.engine.connectBackoff):
	}

	session, err = r.dial(ctx, driver, device, cred)
	if err != nil {
		return nil, fmt.Errorf("retry failed: %w", err)
	}
	return session, nil
}

// dial performs one instrumented connect attempt.
func (r *jobRun) dial(ctx context.Context, driver drivers.Driver, device *model.Device, cred *model.Credential) (drivers.Session, error) {
	var session drivers.Session
	err := r.driverCall(ctx, driver.Name(), "connect", func(ctx context.Context) error {
		var cerr error
		session, cerr = driver.Connect(ctx, device, cred)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return &instrumentedSession{Session: session, run: r, driver: driver.Name()}, nil
}

// dryRun validates without persisting and emits Succeeded with an empty
// diff. For config pushes the driver's validate-only apply runs; command
// and compliance kinds treat the established session itself as the check,
// since executing their operations could mutate device state.
func (r *jobRun) dryRun(ctx, jobCtx context.Context, log *telemetry.Logger, device *model.Device, outcome *model.DeviceOutcome, session drivers.Session) {
	if r.job.Kind.Type == model.JobConfigPush {
		result, err := session.ApplyConfig(ctx, r.job.Kind.Snippet, drivers.ApplyOptions{DryRun: true})
		if err != nil {
			r.fail(ctx, jobCtx, outcome,
				NewTaskError(ErrorKindConfigApply, "dry-run validation failed", err).WithDevice(device.ID))
			return
		}
		outcome.Logs = append(outcome.Logs, result.Logs...)
	} else {
		outcome.Logs = append(outcome.Logs, "dry run: session established, no operations executed")
	}
	log.Info("Dry run complete, no changes persisted")
	outcome.Status = model.StatusSucceeded
	outcome.Diff = ""
}

// runCommands executes the batch in order, stopping at the first
// rejection. Device output lands in the outcome transcript; command text
// itself stays out of error messages and logs.
func (r *jobRun) runCommands(ctx context.Context, log *telemetry.Logger, session drivers.Session, outcome *model.DeviceOutcome) error {
	total := len(r.job.Kind.Commands)
	for i, command := range r.job.Kind.Commands {
		output, err := session.Exec(ctx, command)
		if err != nil {
			return NewTaskError(ErrorKindExecute, fmt.Sprintf("command %d of %d failed", i+1, total), err)
		}
		outcome.Logs = append(outcome.Logs, output)
	}
	log.Infof("Executed %d commands", total)
	return nil
}

// applyConfig pushes the snippet for real. Logged detail is limited to
// line counts; the snippet text never reaches any log stream.
func (r *jobRun) applyConfig(ctx context.Context, log *telemetry.Logger, session drivers.Session, outcome *model.DeviceOutcome) error {
	result, err := session.ApplyConfig(ctx, r.job.Kind.Snippet, drivers.ApplyOptions{
		DryRun:       false,
		WriteStartup: r.job.Kind.WriteStartup,
	})
	if err != nil {
		return NewTaskError(ErrorKindConfigApply,
			fmt.Sprintf("failed to apply config snippet (%d lines)", lineCount(r.job.Kind.Snippet)), err)
	}
	outcome.Logs = append(outcome.Logs, result.Logs...)
	if result.CommitToken != "" {
		outcome.Logs = append(outcome.Logs, fmt.Sprintf("commit token %s", result.CommitToken))
	}
	log.Infof("Applied config snippet (%d lines)", lineCount(r.job.Kind.Snippet))
	return nil
}

// captureCompliance snapshots the device state for the external
// evaluator, which consumes it from the outcome stream.
func (r *jobRun) captureCompliance(ctx context.Context, session drivers.Session, outcome *model.DeviceOutcome) error {
	config, err := session.GetConfig(ctx)
	if err != nil {
		return NewTaskError(ErrorKindExecute, "failed to capture device state", err)
	}
	outcome.Logs = append(outcome.Logs,
		fmt.Sprintf("captured running config (%d lines) for ruleset %s", lineCount(config), r.job.Kind.RulesetRef))
	outcome.Logs = append(outcome.Logs, strings.Split(strings.TrimRight(config, "\n"), "\n")...)
	return nil
}

// rollback restores the pre-change snapshot after an execution failure. A
// successful restore converts the outcome to RolledBack while the
// original failure stays in the error field; a failed restore leaves the
// outcome Failed with the rollback diagnostics appended.
func (r *jobRun) rollback(ctx context.Context, log *telemetry.Logger, session drivers.Session, snapshot string, outcome *model.DeviceOutcome) {
	log.Warn("Execution failed, attempting rollback")
	if err := session.Rollback(ctx, snapshot); err != nil {
		log.WithError(err).Error("Rollback failed, device left in post-failure state")
		outcome.Logs = append(outcome.Logs, fmt.Sprintf("rollback failed: %v", err))
		return
	}
	log.Info("Rollback restored pre-change state")
	outcome.Logs = append(outcome.Logs, "rollback restored pre-change state")
	outcome.Status = model.StatusRolledBack
}

// fail classifies a step error into the outcome. The job's cancel handle
// takes precedence over the timeout envelope, which takes precedence over
// the step's own classification.
func (r *jobRun) fail(ctx, jobCtx context.Context, outcome *model.DeviceOutcome, err error) {
	switch {
	case jobCtx.Err() != nil:
		outcome.Status = model.StatusCancelled
		outcome.Error = &model.OutcomeError{
			Kind:    string(ErrorKindCancelled),
			Message: fmt.Sprintf("job cancelled: %v", err),
		}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome.Status = model.StatusTimedOut
		outcome.Error = &model.OutcomeError{
			Kind:    string(ErrorKindTimeout),
			Message: fmt.Sprintf("device timeout %s elapsed: %v", r.job.DeviceTimeout, err),
		}
	default:
		outcome.Status = model.StatusFailed
		var te *TaskError
		if errors.As(err, &te) {
			outcome.Error = te.Outcome()
		} else {
			outcome.Error = &model.OutcomeError{Kind: string(ErrorKindInternal), Message: err.Error()}
		}
	}
}

// deliver pushes one outcome and folds it into the tally. Pushes run on a
// context that survives the cancel handle: cancelled outcomes are records
// too, and they must land. A push the sink rejects twice poisons the job,
// but the remaining device tasks still run to completion so their
// outcomes are at least attempted.
func (r *jobRun) deliver(ctx context.Context, device *model.Device, outcome *model.DeviceOutcome) {
	pushCtx := context.WithoutCancel(ctx)
	if err := r.push(pushCtx, outcome); err != nil {
		r.log.WithDevice(device.ID).WithError(err).Error("Outcome push failed after retry, job will report failure")
		if r.engine.metrics != nil {
			r.engine.metrics.RecordError(string(ErrorKindSink))
		}
		r.mu.Lock()
		r.sinkFailed = true
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.counts.Add(outcome.Status)
	r.mu.Unlock()

	r.engine.auditAppend(pushCtx, audit.Record{
		EventKind: audit.EventDeviceOutcome,
		JobID:     r.job.ID.String(),
		DeviceID:  device.ID,
		Detail:    fmt.Sprintf("status=%s duration=%s", outcome.Status, outcome.Duration()),
	})
	r.log.WithDevice(device.ID).WithField("status", string(outcome.Status)).Info("Device task finished")
}

// push attempts the sink write, retrying once. The sink's idempotency per
// (job, device) makes the blind retry safe.
func (r *jobRun) push(ctx context.Context, outcome *model.DeviceOutcome) error {
	if err := r.sink.Push(ctx, r.job.ID, outcome); err != nil {
		if err = r.sink.Push(ctx, r.job.ID, outcome); err != nil {
			return fmt.Errorf("failed to push outcome after retry: %w", err)
		}
	}
	return nil
}

// driverCall instruments one driver operation with a span and the
// call/latency/error metrics.
func (r *jobRun) driverCall(ctx context.Context, driverName, operation string, fn func(context.Context) error) error {
	start := time.Now()
	var span trace.Span
	if r.engine.tracer != nil {
		ctx, span = r.engine.tracer.StartDriverSpan(ctx, driverName, operation)
		defer span.End()
	}
	err := fn(ctx)
	if r.engine.metrics != nil {
		r.engine.metrics.RecordDriverCall(driverName, operation, time.Since(start))
		if err != nil {
			r.engine.metrics.RecordDriverError(driverName, operation)
		}
	}
	if span != nil {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}
	return err
}

// lineCount counts text lines without assuming a trailing newline.
func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
