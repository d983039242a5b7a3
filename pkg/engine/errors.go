package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// ErrorKind classifies where in the pipeline an error arose. The kind
// decides the outcome status a device task ends with and whether the
// failure was retried, so every error the engine emits carries one.
type ErrorKind string

const (
	// ErrorKindValidation marks a malformed job rejected at intake before
	// any device was contacted.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindInventory marks a target-resolution failure at intake.
	ErrorKindInventory ErrorKind = "inventory"

	// ErrorKindApproval marks a missing or rejected approval token.
	ErrorKindApproval ErrorKind = "approval"

	// ErrorKindUnsupported marks a device whose type has no registered
	// driver, or a requested mode the driver does not advertise.
	ErrorKindUnsupported ErrorKind = "unsupported"

	// ErrorKindCredential marks a secret store that could not produce a
	// usable credential for the device.
	ErrorKindCredential ErrorKind = "credential_resolution"

	// ErrorKindConnect marks a failed session establishment. Transient
	// connect failures get one retry; authentication failures get none.
	ErrorKindConnect ErrorKind = "connect"

	// ErrorKindExecute marks a command the device rejected or a failed
	// state capture.
	ErrorKindExecute ErrorKind = "execute"

	// ErrorKindConfigApply marks a rejected config load or commit.
	ErrorKindConfigApply ErrorKind = "config_apply"

	// ErrorKindTimeout marks a device task that outran its per-device
	// timeout envelope.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindRollback marks a rollback attempt that itself failed,
	// leaving the device in its failed post-change state.
	ErrorKindRollback ErrorKind = "rollback"

	// ErrorKindCancelled marks work abandoned because the job's cancel
	// handle fired.
	ErrorKindCancelled ErrorKind = "cancelled"

	// ErrorKindSink marks an outcome push the sink rejected after retry.
	ErrorKindSink ErrorKind = "sink"

	// ErrorKindQueue marks a transport failure between a worker and the
	// job queue.
	ErrorKindQueue ErrorKind = "queue"

	// ErrorKindInternal marks a recovered panic inside a device task.
	ErrorKindInternal ErrorKind = "internal"
)

// TaskError is the classified error type for everything the engine emits.
// It wraps the underlying cause so callers can errors.Is/As through it
// while the kind stays stable for status mapping.
type TaskError struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Message is a human-readable description. It never contains
	// credential material or command/config payload text.
	Message string

	// DeviceID identifies the device the task ran against, empty for
	// job-level errors.
	DeviceID string

	// Err is the underlying cause, may be nil.
	Err error
}

// NewTaskError builds a classified error around an optional cause.
func NewTaskError(kind ErrorKind, message string, err error) *TaskError {
	return &TaskError{Kind: kind, Message: message, Err: err}
}

// WithDevice attaches the device the error belongs to.
func (e *TaskError) WithDevice(deviceID string) *TaskError {
	e.DeviceID = deviceID
	return e
}

// Error renders "[kind] message: cause".
func (e *TaskError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.DeviceID != "" {
		msg = fmt.Sprintf("[%s] device %s: %s", e.Kind, e.DeviceID, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Outcome converts the error to the wire representation embedded in a
// device outcome. The underlying cause is flattened into the message so
// outcomes stay self-contained after serialization.
func (e *TaskError) Outcome() *model.OutcomeError {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return &model.OutcomeError{Kind: string(e.Kind), Message: msg}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report ErrorKindInternal; context expiry maps to timeout or
// cancellation even when no TaskError wrapped it.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	}
	return ErrorKindInternal
}

// temporary is the contract transports use to flag retryable failures.
// Drivers return errors implementing it for network-level connect
// problems; the engine never inspects concrete transport error types.
type temporary interface {
	Temporary() bool
}

// authFailure is the contract transports use to flag rejected
// credentials. Authentication failures are never retried.
type authFailure interface {
	AuthFailure() bool
}

// IsTemporary reports whether the error chain flags itself retryable.
func IsTemporary(err error) bool {
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}

// IsAuthFailure reports whether the error chain flags a credential
// rejection.
func IsAuthFailure(err error) bool {
	var a authFailure
	return errors.As(err, &a) && a.AuthFailure()
}
