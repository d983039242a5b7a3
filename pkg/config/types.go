package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

// Defaults for the tunables the config file may omit. Durations are
// expressed in whole seconds (milliseconds for the poll interval) so the
// file format and the *_SECS environment toggles read the same way.
const (
	DefaultStorePath             = "netfab.db"
	DefaultVisibilityTimeoutSecs = 600
	DefaultPollIntervalMillis    = 1000
	DefaultMaxAttempts           = 3
	DefaultNackBackoffSecs       = 30
	DefaultAuditPath             = "netfab-audit.jsonl"
)

// Config is the process configuration for the worker and the CLI. It is
// evaluated from a CUE document; every section has workable defaults so a
// missing config file still yields a runnable process.
type Config struct {
	// Environment names the deployment environment, surfaced to policies
	// and telemetry ("development", "staging", "production").
	Environment string `json:"environment"`

	// Store configures the SQLite record and queue store.
	Store StoreConfig `json:"store"`

	// Queue tunes the worker's queue consumption.
	Queue QueueConfig `json:"queue"`

	// Engine tunes per-job execution bounds.
	Engine EngineConfig `json:"engine"`

	// Drivers configures the vendor driver registry.
	Drivers DriversConfig `json:"drivers"`

	// Secrets configures credential resolution.
	Secrets SecretsConfig `json:"secrets"`

	// Audit configures the append-only audit trail.
	Audit AuditConfig `json:"audit"`

	// Policy configures the guardrail layer.
	Policy PolicyConfig `json:"policy"`

	// Plugins configures WASM driver discovery.
	Plugins PluginsConfig `json:"plugins"`

	// Telemetry configures logging, metrics, tracing, and events.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// StoreConfig locates the durable store.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `json:"path"`
}

// QueueConfig tunes queue consumption.
type QueueConfig struct {
	// VisibilityTimeoutSecs is the lease duration for a dequeued item. It
	// must comfortably exceed the longest expected job so a live worker
	// never loses its lease mid-job.
	VisibilityTimeoutSecs int `json:"visibility_timeout_secs" validate:"omitempty,gte=1"`

	// PollIntervalMillis is the idle sleep between empty dequeue attempts.
	PollIntervalMillis int `json:"poll_interval_ms" validate:"omitempty,gte=1"`

	// MaxAttempts bounds deliveries per item before dead-lettering.
	MaxAttempts int `json:"max_attempts" validate:"omitempty,gte=1"`

	// NackBackoffSecs delays redelivery after a transient failure.
	NackBackoffSecs int `json:"nack_backoff_secs" validate:"omitempty,gte=0"`
}

// VisibilityTimeout returns the lease duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutSecs) * time.Second
}

// PollInterval returns the idle poll interval.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMillis) * time.Millisecond
}

// NackBackoff returns the redelivery delay.
func (q QueueConfig) NackBackoff() time.Duration {
	return time.Duration(q.NackBackoffSecs) * time.Second
}

// EngineConfig tunes job execution.
type EngineConfig struct {
	// DeviceTimeoutSecs overrides the default per-device timeout for jobs
	// that do not carry their own. Zero keeps the model default.
	DeviceTimeoutSecs int `json:"device_timeout_secs" validate:"omitempty,gte=1"`

	// MaxLogLines caps outcome log transcripts.
	MaxLogLines int `json:"max_log_lines" validate:"omitempty,gte=1"`

	// MaxDiffLines caps outcome config diffs.
	MaxDiffLines int `json:"max_diff_lines" validate:"omitempty,gte=1"`
}

// DeviceTimeout returns the configured default device timeout, zero when
// unset.
func (e EngineConfig) DeviceTimeout() time.Duration {
	return time.Duration(e.DeviceTimeoutSecs) * time.Second
}

// DriversConfig configures the driver registry.
type DriversConfig struct {
	// KnownHostsPath points at the OpenSSH known_hosts file for the SSH
	// transports. Empty uses ~/.ssh/known_hosts.
	KnownHostsPath string `json:"known_hosts_path"`

	// StrictHostKeys rejects SSH host keys missing from known_hosts.
	StrictHostKeys bool `json:"strict_host_keys"`

	// Mock replaces every driver with the in-memory mock. Lab use only.
	Mock bool `json:"mock"`
}

// SecretsConfig configures credential resolution.
type SecretsConfig struct {
	// Service is the OS keychain service namespace.
	Service string `json:"service"`

	// FallbackPath is the age-encrypted credential file used when the
	// keychain is unavailable. Empty disables the fallback unless the
	// KEYRING_FILE environment toggle provides one.
	FallbackPath string `json:"fallback_path"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Path is the JSONL audit file. Empty disables file auditing.
	Path string `json:"path"`

	// Actor overrides the user@host actor stamped on records.
	Actor string `json:"actor"`
}

// PolicyConfig configures the guardrail layer.
type PolicyConfig struct {
	// Enabled turns policy evaluation on at job intake.
	Enabled bool `json:"enabled"`

	// Paths lists .rego/.json policy files or directories loaded on top
	// of the built-ins.
	Paths []string `json:"paths"`

	// Watch hot-reloads policies when the files change.
	Watch bool `json:"watch"`

	// ApprovalsPath is the YAML file of granted approval tokens. Empty
	// disables the approval gate.
	ApprovalsPath string `json:"approvals_path"`
}

// PluginsConfig configures WASM driver plugins.
type PluginsConfig struct {
	// Enabled turns plugin discovery on.
	Enabled bool `json:"enabled"`

	// Dir is the directory scanned for plugin manifests.
	Dir string `json:"dir"`
}

// TelemetryConfig is the config-file surface of the telemetry stack.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level.
	LogLevel string `json:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `json:"log_format" validate:"omitempty,oneof=console json"`

	// MetricsEnabled serves Prometheus metrics.
	MetricsEnabled bool `json:"metrics_enabled"`

	// MetricsListen is the metrics HTTP listen address.
	MetricsListen string `json:"metrics_listen"`

	// TracingEnabled turns on span export.
	TracingEnabled bool `json:"tracing_enabled"`

	// TracingExporter selects the exporter (otlp, stdout, none).
	TracingExporter string `json:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none jaeger"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `json:"tracing_endpoint"`
}

// Default returns a Config with every tunable at its default.
func Default() *Config {
	return &Config{
		Environment: "development",
		Store:       StoreConfig{Path: DefaultStorePath},
		Queue: QueueConfig{
			VisibilityTimeoutSecs: DefaultVisibilityTimeoutSecs,
			PollIntervalMillis:    DefaultPollIntervalMillis,
			MaxAttempts:           DefaultMaxAttempts,
			NackBackoffSecs:       DefaultNackBackoffSecs,
		},
		Audit: AuditConfig{Path: DefaultAuditPath},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  true,
			MetricsListen:   ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
		},
	}
}

// ApplyDefaults fills zero-valued tunables in place.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Environment == "" {
		c.Environment = def.Environment
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Queue.VisibilityTimeoutSecs == 0 {
		c.Queue.VisibilityTimeoutSecs = def.Queue.VisibilityTimeoutSecs
	}
	if c.Queue.PollIntervalMillis == 0 {
		c.Queue.PollIntervalMillis = def.Queue.PollIntervalMillis
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = def.Queue.MaxAttempts
	}
	if c.Queue.NackBackoffSecs == 0 {
		c.Queue.NackBackoffSecs = def.Queue.NackBackoffSecs
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = def.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = def.Telemetry.LogFormat
	}
	if c.Telemetry.MetricsListen == "" {
		c.Telemetry.MetricsListen = def.Telemetry.MetricsListen
	}
	if c.Telemetry.TracingExporter == "" {
		c.Telemetry.TracingExporter = def.Telemetry.TracingExporter
	}
}

var configValidator = validator.New()

// Validate checks field-level constraints.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("config shape: %w", err)
	}
	if c.Plugins.Enabled && c.Plugins.Dir == "" {
		return fmt.Errorf("plugins.dir is required when plugins are enabled")
	}
	return nil
}

// ApplyEnvOverrides folds the process environment toggles into the config.
// The toggles win over the file so an operator can adjust a deployed worker
// without editing its config. Unparsable values are reported, not ignored.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("DEVICE_TIMEOUT_SECS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 1 {
			return fmt.Errorf("invalid DEVICE_TIMEOUT_SECS %q", v)
		}
		c.Engine.DeviceTimeoutSecs = secs
	}
	if v := os.Getenv("KEYRING_FILE"); v != "" {
		c.Secrets.FallbackPath = v
	}
	return nil
}

// ToTelemetry expands the flat telemetry section into the full telemetry
// configuration.
func (c *Config) ToTelemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TracingExporter
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	return tc
}

// ValidationError is one located problem in a config or job document.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g. "queue.max_attempts").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if loc != "" {
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// StarlarkResult is the outcome of one Starlark script evaluation.
type StarlarkResult struct {
	// Output holds the script's exported globals.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
