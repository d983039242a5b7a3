// Package policy provides the Rego-based guardrail layer that screens job
// submissions before the engine admits them.
//
// Policies evaluate a JSON document of the job, its resolved device list,
// and the submission context; each rule contributes to a deny set whose
// entries become violations. Blocking severities (error, critical) reject
// the job at intake, warnings are surfaced but do not block. Built-in
// policies ship with the binary; operators layer .rego and .json files on
// top via the configured policy paths, with optional hot reload.
//
// The package also houses the approval stores the engine's intake approval
// gate consults: a YAML file of granted tokens for production use and an
// in-memory store for tests.
package policy
