// Package plugins hosts WASM driver plugins. A plugin is a directory entry
// of two files: a YAML manifest naming the device type, capability flags,
// and entrypoint, and the WASM module itself, pinned by a sha256 checksum
// in the manifest. The Manager verifies the checksum (audited as a
// signature check), compiles the module under a memory-capped wazero
// runtime, cross-checks the module's driver_capabilities export against the
// manifest, and exposes the result as an ordinary vendor driver.
//
// Each Connect instantiates a fresh module instance, so plugin sessions
// never share state. Calls cross the sandbox boundary as JSON through a
// malloc/free pointer ABI; the module exports driver_capabilities,
// driver_execute, and driver_rollback. Built-in drivers always win over
// plugins claiming the same device type.
package plugins
