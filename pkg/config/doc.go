// Package config loads the two document kinds the tool reads from disk:
// process configuration and job files.
//
// Process configuration is written in CUE. CUEParser compiles the document,
// unifies it with the embedded #Config schema, and decodes it into Config.
// A missing file is not an error; LoadOrDefault falls back to Default() so
// the worker and CLI run with no config file at all. Environment overrides
// (DEVICE_TIMEOUT_SECS, KEYRING_FILE) are applied after parsing via
// ApplyEnvOverrides.
//
// Job files come in three flavors handled by JobLoader: YAML and JSON
// documents, both validated against the embedded #Job schema, and Starlark
// scripts (.star) for jobs that need procedural generation. A script runs
// sandboxed (no I/O, print suppressed, 30 second timeout) with the caller's
// variables predeclared as "vars", and must leave a global dict named "job":
//
//	_targets = ["edge-%d" % i for i in range(4)]
//
//	job = {
//	    "name": "edge-ntp-rollout",
//	    "kind": {"type": "config_push", "snippet": "ntp server 10.0.0.1\n"},
//	    "targets": {"mode": "ids", "ids": _targets},
//	}
//
// Validation errors from CUE carry file, line, and column so they can be
// printed the way a compiler would.
package config
