// Package audit provides the append-only audit trail. Every credential
// access, job boundary, device outcome, cancellation, and plugin signature
// check produces one record. The file sink appends one JSON document per
// line and fsyncs per record so a crash never loses an acknowledged entry.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind classifies an audit record.
type EventKind string

const (
	// EventCredentialAccess records a successful credential resolution.
	EventCredentialAccess EventKind = "credential_access"

	// EventJobStart records a job entering execution.
	EventJobStart EventKind = "job_start"

	// EventJobEnd records a finalized job with its overall status.
	EventJobEnd EventKind = "job_end"

	// EventDeviceOutcome records one terminal device outcome.
	EventDeviceOutcome EventKind = "device_outcome"

	// EventCancellation records a cancel handle firing.
	EventCancellation EventKind = "cancellation"

	// EventPluginSignatureCheck records a plugin checksum verification.
	EventPluginSignatureCheck EventKind = "plugin_signature_check"
)

// Record is one audit entry. Optional fields are omitted when empty so the
// trail stays grep-friendly.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	Actor          string    `json:"actor"`
	EventKind      EventKind `json:"event_kind"`
	JobID          string    `json:"job_id,omitempty"`
	DeviceID       string    `json:"device_id,omitempty"`
	CredentialName string    `json:"credential_name,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}

// Sink accepts audit records. Implementations must be safe for concurrent
// use; the engine appends from many device tasks at once.
type Sink interface {
	// Append durably records one entry.
	Append(ctx context.Context, rec Record) error
}

// FileSink appends JSONL records to a single file with an fsync per record.
type FileSink struct {
	mu    sync.Mutex
	file  *os.File
	actor string
}

// NewFileSink opens (creating if needed) the audit file in append mode.
// actor is stamped on records appended without an explicit actor.
func NewFileSink(path, actor string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	if actor == "" {
		actor = processActor()
	}
	return &FileSink{file: f, actor: actor}, nil
}

// Append writes and fsyncs one record. The timestamp and actor are filled
// when the caller left them zero.
func (s *FileSink) Append(_ context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Actor == "" {
		rec.Actor = s.actor
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit file: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NopSink discards every record. Used when auditing is disabled and as the
// default for tests that do not assert on the trail.
type NopSink struct{}

func (NopSink) Append(context.Context, Record) error { return nil }

// FanoutSink forwards each record to every child sink. The first error
// wins but later sinks still receive the record.
type FanoutSink []Sink

func (f FanoutSink) Append(ctx context.Context, rec Record) error {
	var firstErr error
	for _, s := range f {
		if err := s.Append(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func processActor() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s@%s", os.Getenv("USER"), host)
}
