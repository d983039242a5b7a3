package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
)

// Registered schema names.
const (
	// SchemaConfig validates the process configuration document.
	SchemaConfig = "config"

	// SchemaJob validates a job document before it becomes a model.Job.
	SchemaJob = "job"
)

// SchemaRegistry manages the embedded CUE schemas.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas compiled.
// The definitions are part of the binary; a compile failure here is a
// programming error and panics at startup rather than surfacing per call.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	sr.mustRegister(SchemaConfig, builtinConfigSchema, "#Config")
	sr.mustRegister(SchemaJob, builtinJobSchema, "#Job")
	return sr
}

func (sr *SchemaRegistry) mustRegister(name, schema, definition string) {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		panic(fmt.Sprintf("built-in schema %s does not compile: %v", name, err))
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		panic(fmt.Sprintf("built-in schema %s has no definition %s", name, definition))
	}
	sr.mu.Lock()
	sr.schemas[name] = def
	sr.mu.Unlock()
}

// RegisterSchema registers an additional schema under name. The schema
// source must contain the given definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema, definition string) error {
	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, definition)
	}
	sr.mu.Lock()
	sr.schemas[name] = def
	sr.mu.Unlock()
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateAgainstSchema validates arbitrary data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(name string, data interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// Built-in schema definitions.

const builtinConfigSchema = `
// Process configuration for the netfab worker and CLI.
#Config: {
	environment?: "development" | "staging" | "production"

	store?: {
		path?: string
	}

	queue?: {
		visibility_timeout_secs?: int & >=1
		poll_interval_ms?:        int & >=1
		max_attempts?:            int & >=1
		nack_backoff_secs?:       int & >=0
	}

	engine?: {
		device_timeout_secs?: int & >=1
		max_log_lines?:       int & >=1
		max_diff_lines?:      int & >=1
	}

	drivers?: {
		known_hosts_path?: string
		strict_host_keys?: bool
		mock?:             bool
	}

	secrets?: {
		service?:       string
		fallback_path?: string
	}

	audit?: {
		path?:  string
		actor?: string
	}

	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?:          bool
		approvals_path?: string
	}

	plugins?: {
		enabled?: bool
		dir?:     string
	}

	telemetry?: {
		log_level?:        "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:       "console" | "json"
		metrics_enabled?:  bool
		metrics_listen?:   string
		tracing_enabled?:  bool
		tracing_exporter?: "otlp" | "stdout" | "none" | "jaeger"
		tracing_endpoint?: string
	}
}
`

const builtinJobSchema = `
// Job document as written by operators, before intake validation.
#Job: {
	name: string & !=""

	kind: {
		type: "command_batch" | "config_push" | "compliance_check"
		commands?: [...string]
		snippet?:       string
		write_startup?: bool
		ruleset_ref?:   string
	}

	targets?: {
		mode?: "all" | "ids" | "tags"
		ids?: [...string]
		tags?: [...string]
	}

	max_parallel?:        int & >=1
	device_timeout_secs?: int & >=1
	dry_run?:             bool
	approval_token?:      string
}
`
