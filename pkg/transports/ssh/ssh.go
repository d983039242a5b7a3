// Package ssh provides the SSH transport for CLI and NETCONF device
// drivers: one connection per device task, command execution over exec
// channels, subsystem channels for NETCONF, and SFTP upload for drivers
// that stage files.
package ssh

import (
	"os"
	"strconv"
	"time"
)

const (
	// DefaultPort is the SSH port used when the management address does
	// not carry one.
	DefaultPort = 22

	// DefaultNetconfPort is the NETCONF-over-SSH subsystem port.
	DefaultNetconfPort = 830

	// DefaultTimeout bounds connection establishment and individual
	// command execution when SSH_TIMEOUT_SECS is not set.
	DefaultTimeout = 30 * time.Second
)

// Timeout returns the SSH connect and command timeout. The
// SSH_TIMEOUT_SECS environment variable overrides the default; invalid or
// non-positive values are ignored.
func Timeout() time.Duration {
	if v := os.Getenv("SSH_TIMEOUT_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return DefaultTimeout
}

// TransportError classifies a transport-layer failure. The engine uses
// Temporary and AuthFailure to decide whether a connect attempt may be
// retried: authentication rejections and host key mismatches are terminal,
// network-level failures are transient.
type TransportError struct {
	// Op is the operation that failed ("connect", "run", "subsystem",
	// "upload").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks errors a retry may clear.
	IsTemporary bool

	// IsAuthError marks authentication and host key failures.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is worth one reconnect attempt.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// AuthFailure reports whether the failure was an authentication or host
// key rejection.
func (e *TransportError) AuthFailure() bool {
	return e.IsAuthError
}
