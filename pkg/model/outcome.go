package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Per-outcome resource bounds. Logs and diffs beyond the cap are truncated
// with an explicit marker; content is never dropped silently.
const (
	DefaultLogCap  = 1024
	DefaultDiffCap = 2048
)

// DeviceStatus is the terminal state of one per-device task.
type DeviceStatus string

const (
	// StatusSucceeded means the full lifecycle completed without error.
	StatusSucceeded DeviceStatus = "succeeded"

	// StatusFailed means a credential, connect, execute, or apply step
	// failed and no rollback converted it.
	StatusFailed DeviceStatus = "failed"

	// StatusSkipped means the device was never contacted: no driver for
	// its type, or dry-run requested on a driver without dry-run support.
	StatusSkipped DeviceStatus = "skipped"

	// StatusTimedOut means the device timeout elapsed during the lifecycle.
	StatusTimedOut DeviceStatus = "timed_out"

	// StatusCancelled means the cancel handle fired before or during the
	// task.
	StatusCancelled DeviceStatus = "cancelled"

	// StatusRolledBack means the apply failed and the driver successfully
	// reverted to the pre-change snapshot.
	StatusRolledBack DeviceStatus = "rolled_back"
)

// OutcomeError is the categorized error carried on a non-successful
// outcome. Kind matches the engine's error taxonomy; the message never
// contains secret material.
type OutcomeError struct {
	// Kind is the error category, for example "connect" or "execute".
	Kind string `json:"kind" yaml:"kind"`

	// Message is the human-readable diagnostic.
	Message string `json:"message" yaml:"message"`
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// DeviceOutcome is the per-device result streamed to the sink. It is
// created by the engine's device task and owned by the sink thereafter; the
// engine emits it at most once per (job, device) pair.
type DeviceOutcome struct {
	// DeviceID identifies the device.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// Status is the terminal task state.
	Status DeviceStatus `json:"status" yaml:"status"`

	// StartedAt is when the task began, after admission.
	StartedAt time.Time `json:"started_at" yaml:"started_at"`

	// FinishedAt is when the task reached its terminal state.
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	// Logs preserves the order the device emitted output, capped at the
	// log line bound.
	Logs []string `json:"logs,omitempty" yaml:"logs,omitempty"`

	// Diff is the unified before/after config diff, when the driver
	// supports diffing and the job changed configuration.
	Diff string `json:"diff,omitempty" yaml:"diff,omitempty"`

	// Error categorizes the failure for non-successful statuses.
	Error *OutcomeError `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is the wall time the task held its admission permit.
func (o *DeviceOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// TruncateLogs caps the log slice at n lines, appending a marker recording
// how many lines were dropped. n <= 0 applies DefaultLogCap.
func (o *DeviceOutcome) TruncateLogs(n int) {
	if n <= 0 {
		n = DefaultLogCap
	}
	if len(o.Logs) <= n {
		return
	}
	dropped := len(o.Logs) - n
	o.Logs = append(o.Logs[:n:n], fmt.Sprintf("... truncated %d log lines", dropped))
}

// OverallStatus is the terminal state of a whole job.
type OverallStatus string

const (
	// OverallSuccess means every outcome succeeded.
	OverallSuccess OverallStatus = "success"

	// OverallPartialSuccess means at least one device succeeded and at
	// least one did not.
	OverallPartialSuccess OverallStatus = "partial_success"

	// OverallFailed means no device succeeded, or the sink failed
	// persistently.
	OverallFailed OverallStatus = "failed"

	// OverallCancelled means the cancel handle fired before natural
	// completion; it overrides the count-derived statuses.
	OverallCancelled OverallStatus = "cancelled"
)

// OutcomeCounts tallies terminal device statuses for one job.
type OutcomeCounts struct {
	Succeeded  int `json:"succeeded" yaml:"succeeded"`
	Failed     int `json:"failed" yaml:"failed"`
	Skipped    int `json:"skipped" yaml:"skipped"`
	TimedOut   int `json:"timed_out" yaml:"timed_out"`
	Cancelled  int `json:"cancelled" yaml:"cancelled"`
	RolledBack int `json:"rolled_back" yaml:"rolled_back"`
}

// Add increments the tally for one terminal status.
func (c *OutcomeCounts) Add(status DeviceStatus) {
	switch status {
	case StatusSucceeded:
		c.Succeeded++
	case StatusFailed:
		c.Failed++
	case StatusSkipped:
		c.Skipped++
	case StatusTimedOut:
		c.TimedOut++
	case StatusCancelled:
		c.Cancelled++
	case StatusRolledBack:
		c.RolledBack++
	}
}

// Total is the number of counted outcomes.
func (c OutcomeCounts) Total() int {
	return c.Succeeded + c.Failed + c.Skipped + c.TimedOut + c.Cancelled + c.RolledBack
}

// JobRecord is the finalized aggregate for one job execution. Device rows
// live in the sink; the record carries only counts.
type JobRecord struct {
	// JobID identifies the job.
	JobID uuid.UUID `json:"job_id" yaml:"job_id"`

	// JobName is carried for audit and display.
	JobName string `json:"job_name" yaml:"job_name"`

	// StartedAt is when the engine accepted the job.
	StartedAt time.Time `json:"started_at" yaml:"started_at"`

	// FinishedAt is when the last device task completed.
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`

	// OverallStatus is the terminal job state.
	OverallStatus OverallStatus `json:"overall_status" yaml:"overall_status"`

	// Counts is the final per-status tally.
	Counts OutcomeCounts `json:"counts" yaml:"counts"`
}

// QueueItem is the durable wire form of one queued job. Created at enqueue,
// visibility-locked on dequeue, removed on ack, and moved to the dead-letter
// set when attempts are exhausted.
type QueueItem struct {
	// ItemID identifies the queue entry, independent of the job ID so the
	// same job can be enqueued twice.
	ItemID uuid.UUID `json:"item_id" yaml:"item_id"`

	// Job is the embedded job description.
	Job Job `json:"job" yaml:"job"`

	// InventorySnapshotRef names the inventory snapshot the job runs
	// against, typically a file path.
	InventorySnapshotRef string `json:"inventory_snapshot_ref" yaml:"inventory_snapshot_ref"`

	// EnqueuedAt is when the item entered the queue.
	EnqueuedAt time.Time `json:"enqueued_at" yaml:"enqueued_at"`

	// AttemptCount is the number of deliveries so far.
	AttemptCount int `json:"attempt_count" yaml:"attempt_count"`

	// VisibilityDeadline is when the current delivery lock expires; zero
	// when the item is visible.
	VisibilityDeadline time.Time `json:"visibility_deadline,omitempty" yaml:"visibility_deadline,omitempty"`
}
