// Package engine executes batch jobs against fleets of heterogeneous
// network devices.
//
// # Overview
//
// A job names an operation (command batch, config push, or compliance
// capture), a target selector, and its safety envelope: parallelism
// bound, per-device timeout, dry-run flag, and optional approval token.
// Execute takes one device through a fixed lifecycle:
//
//  1. Intake - validate the job, check the approval gate, resolve targets once
//  2. Admit - bound live device tasks at max_parallel
//  3. Connect - resolve the credential, establish the driver session
//  4. Pre-check - capture the config snapshot that diff and rollback read
//  5. Execute - dispatch the job kind to the driver session
//  6. Post-check - diff post-change state against the snapshot
//  7. Rollback - restore the snapshot when execution failed and the driver supports it
//  8. Emit - push the terminal outcome to the sink immediately
//
// Every resolved device produces exactly one terminal outcome: Succeeded,
// Failed, Skipped, TimedOut, Cancelled, or RolledBack. Failures are
// isolated per device; one device's failure never aborts its peers.
//
// # Collaborators
//
// The engine holds no per-job state. The inventory and outcome sink are
// parameters of Execute, so concurrent executions are safe when their
// sinks are independent:
//
//   - Inventory: resolves the target selector to an ordered device list
//   - CredentialResolver: produces owned credentials, zeroed after the
//     connection attempt
//   - Sink: receives the outcome stream; Push is idempotent per
//     (job, device)
//   - ApprovalStore: gates execution on an approval token when configured
//
// Vendor behavior stays behind the drivers package: the engine consults
// the driver's capability set to decide pre-check, dry-run, and rollback
// semantics and never branches on concrete device types.
//
// # Cancellation and timeouts
//
// The Execute context is the job's cancel handle. When it fires, queued
// device tasks finish as Cancelled without device contact, in-flight
// tasks observe it at their next blocking step, and the job record
// reports Cancelled. Each device task additionally runs inside its own
// device_timeout envelope; an expired envelope yields TimedOut with a
// best-effort session teardown.
//
// # Error classification
//
// Every error carries an ErrorKind locating the failure (validation,
// connect, execute, config_apply, timeout, rollback, sink, ...). The
// kind decides the outcome status and whether a retry applies: transient
// connect failures get exactly one retry with backoff, authentication
// failures none. Recovered panics surface as Failed outcomes with kind
// internal.
//
// # Secret hygiene
//
// Credentials pass through the engine by reference, are zeroed once the
// connection attempt finishes, and never appear in logs, outcomes, or
// audit records. Command and config payload text likewise stays out of
// log streams; only counts and line totals are logged.
package engine
