package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeTransient struct{ retryable bool }

func (e *fakeTransient) Error() string   { return "connection reset" }
func (e *fakeTransient) Temporary() bool { return e.retryable }

type fakeAuthReject struct{}

func (e *fakeAuthReject) Error() string     { return "permission denied" }
func (e *fakeAuthReject) AuthFailure() bool { return true }

func TestTaskErrorFormat(t *testing.T) {
	err := NewTaskError(ErrorKindConnect, "failed to connect to 192.0.2.1", errors.New("connection refused"))
	want := "[connect] failed to connect to 192.0.2.1: connection refused"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}

	err = NewTaskError(ErrorKindCredential, "store unavailable", nil).WithDevice("edge-1")
	want = "[credential_resolution] device edge-1: store unavailable"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestTaskErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := NewTaskError(ErrorKindConnect, "failed to connect", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestTaskErrorOutcomeFlattensCause(t *testing.T) {
	err := NewTaskError(ErrorKindConfigApply, "commit rejected", errors.New("syntax error at line 3"))
	outcome := err.Outcome()
	if outcome.Kind != "config_apply" {
		t.Errorf("Expected config_apply kind, got %s", outcome.Kind)
	}
	if outcome.Message != "commit rejected: syntax error at line 3" {
		t.Errorf("Expected flattened message, got %q", outcome.Message)
	}
}

func TestKindOf(t *testing.T) {
	base := NewTaskError(ErrorKindExecute, "command failed", nil)
	if got := KindOf(base); got != ErrorKindExecute {
		t.Errorf("Expected execute, got %s", got)
	}
	wrapped := fmt.Errorf("device edge-1: %w", base)
	if got := KindOf(wrapped); got != ErrorKindExecute {
		t.Errorf("Expected execute through wrapping, got %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != ErrorKindTimeout {
		t.Errorf("Expected timeout for deadline expiry, got %s", got)
	}
	if got := KindOf(context.Canceled); got != ErrorKindCancelled {
		t.Errorf("Expected cancelled, got %s", got)
	}
	if got := KindOf(errors.New("mystery")); got != ErrorKindInternal {
		t.Errorf("Expected internal for unclassified errors, got %s", got)
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(&fakeTransient{retryable: true}) {
		t.Error("Expected transient error detected")
	}
	if IsTemporary(&fakeTransient{retryable: false}) {
		t.Error("Expected non-retryable transport error rejected")
	}
	wrapped := fmt.Errorf("failed to dial: %w", &fakeTransient{retryable: true})
	if !IsTemporary(wrapped) {
		t.Error("Expected detection through wrapping")
	}
	if IsTemporary(errors.New("plain")) {
		t.Error("Expected plain errors to not be temporary")
	}
}

func TestIsAuthFailure(t *testing.T) {
	if !IsAuthFailure(&fakeAuthReject{}) {
		t.Error("Expected auth failure detected")
	}
	wrapped := fmt.Errorf("ssh handshake: %w", &fakeAuthReject{})
	if !IsAuthFailure(wrapped) {
		t.Error("Expected detection through wrapping")
	}
	if IsAuthFailure(&fakeTransient{retryable: true}) {
		t.Error("Expected transient errors to not be auth failures")
	}
}
