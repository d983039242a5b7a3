// Package drivers provides the vendor device drivers and their registry.
//
// A Driver knows how to open an authenticated Session against one device
// type; the Session exposes the uniform primitives (exec, get-config,
// apply-config, rollback) that the job engine composes into the per-device
// lifecycle. Drivers advertise a CapabilitySet and must never advertise a
// capability their sessions do not honor.
package drivers

import (
	"context"
	"strings"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// Driver opens sessions against one device type. Implementations are
// stateless apart from shared transport plumbing (HTTP connection pools)
// and are safe for concurrent use by many device tasks.
type Driver interface {
	// DeviceType returns the tag this driver is registered under.
	DeviceType() model.DeviceType

	// Name returns the human-readable driver name for logs.
	Name() string

	// Capabilities returns the constant capability flags.
	Capabilities() model.CapabilitySet

	// Connect opens a session. The credential is borrowed for the duration
	// of the call; session implementations that need authentication
	// material per request (HTTP transports) copy what they need before
	// returning. The context bounds connection establishment only.
	Connect(ctx context.Context, device *model.Device, cred *model.Credential) (Session, error)
}

// Session is one authenticated conversation with one device. Sessions are
// owned by a single device task and are not safe for concurrent use. Every
// operation is bounded by the context deadline plus the transport's own
// operation timeout.
type Session interface {
	// Exec runs one operational command and returns its captured output.
	Exec(ctx context.Context, command string) (string, error)

	// GetConfig captures the full running configuration. API-only devices
	// may return an empty string.
	GetConfig(ctx context.Context) (string, error)

	// ApplyConfig applies a configuration snippet. With Options.DryRun the
	// driver validates without persisting; callers must check
	// SupportsDryRun first.
	ApplyConfig(ctx context.Context, snippet string, opts ApplyOptions) (*ApplyResult, error)

	// Rollback reverts the device to the snapshot captured before the
	// change. Drivers whose capability set has SupportsRollback false
	// reject the call.
	Rollback(ctx context.Context, snapshot string) error

	// Close releases the session's transport resources. Safe to call after
	// a failed operation.
	Close() error
}

// ApplyOptions modifies ApplyConfig behavior.
type ApplyOptions struct {
	// DryRun validates the snippet without persisting it.
	DryRun bool

	// WriteStartup requests the vendor persist step after a successful
	// apply.
	WriteStartup bool
}

// ApplyResult reports a completed (or validated) config apply.
type ApplyResult struct {
	// CommitToken identifies the device-side commit on transactional
	// platforms, empty elsewhere.
	CommitToken string

	// Logs are driver progress lines in emission order.
	Logs []string
}

// maxLogBytes caps one summarized output line. Device output can run to
// megabytes; log lines stay short and the full payload lives in snapshots.
const maxLogBytes = 512

// summarize trims and caps device output for a log line.
func summarize(output string) string {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "ok"
	}
	if len(trimmed) > maxLogBytes {
		return trimmed[:maxLogBytes] + "..."
	}
	return trimmed
}
