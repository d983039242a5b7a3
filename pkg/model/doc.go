// Package model defines the shared data model for the job engine: devices,
// credentials, jobs, per-device outcomes, finalized job records, and the
// durable queue item wire form.
//
// Types in this package are plain values with no behavior beyond validation,
// defaulting, and redaction. Credentials are the one exception: they own
// secret material and scrub it on Zero. Nothing in this package performs I/O.
package model
