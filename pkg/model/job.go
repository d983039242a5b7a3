package model

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Defaults applied by Job.ApplyDefaults when the job document omits the
// field. DefaultDeviceTimeout bounds the whole per-device lifecycle;
// operation-level timeouts inside drivers are shorter.
const (
	DefaultMaxParallel   = 32
	DefaultDeviceTimeout = 5 * time.Minute
)

// JobKindType discriminates the job kind variants.
type JobKindType string

const (
	// JobCommandBatch runs an ordered list of operational commands.
	JobCommandBatch JobKindType = "command_batch"

	// JobConfigPush applies a configuration snippet.
	JobConfigPush JobKindType = "config_push"

	// JobComplianceCheck captures device state for an external compliance
	// evaluator.
	JobComplianceCheck JobKindType = "compliance_check"
)

// JobKind is the tagged union of work descriptions. Exactly the fields of
// the selected Type are meaningful; Validate rejects mismatches.
type JobKind struct {
	// Type selects the variant.
	Type JobKindType `json:"type" yaml:"type" validate:"required"`

	// Commands is the ordered command list for JobCommandBatch.
	Commands []string `json:"commands,omitempty" yaml:"commands,omitempty"`

	// Snippet is the configuration text for JobConfigPush.
	Snippet string `json:"snippet,omitempty" yaml:"snippet,omitempty"`

	// WriteStartup requests the vendor-specific persist step after a
	// successful JobConfigPush apply.
	WriteStartup bool `json:"write_startup,omitempty" yaml:"write_startup,omitempty"`

	// RulesetRef names the ruleset for JobComplianceCheck. The rule
	// language and evaluation live outside the engine.
	RulesetRef string `json:"ruleset_ref,omitempty" yaml:"ruleset_ref,omitempty"`
}

// String renders the kind for logs. Config snippets are redacted: they can
// embed secrets (SNMP communities, key chains) and must never leak through
// log fields.
func (k JobKind) String() string {
	switch k.Type {
	case JobCommandBatch:
		return fmt.Sprintf("command_batch(%d commands)", len(k.Commands))
	case JobConfigPush:
		return fmt.Sprintf("config_push(%d lines, write_startup=%t)", countLines(k.Snippet), k.WriteStartup)
	case JobComplianceCheck:
		return fmt.Sprintf("compliance_check(ruleset=%s)", k.RulesetRef)
	}
	return string(k.Type)
}

// TargetMode discriminates the target selector variants.
type TargetMode string

const (
	// TargetAll selects every device in the inventory.
	TargetAll TargetMode = "all"

	// TargetByIDs selects devices by exact ID match.
	TargetByIDs TargetMode = "ids"

	// TargetByTags selects devices carrying every listed tag.
	TargetByTags TargetMode = "tags"
)

// TargetSelector names the devices a job applies to. Resolution preserves
// inventory order so canary slicing by the caller is deterministic.
type TargetSelector struct {
	// Mode selects the variant. An empty mode means TargetAll.
	Mode TargetMode `json:"mode" yaml:"mode"`

	// IDs lists device IDs for TargetByIDs.
	IDs []string `json:"ids,omitempty" yaml:"ids,omitempty"`

	// Tags lists tags for TargetByTags; a device matches when it carries
	// all of them.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Job is one unit of batch work over a set of devices. A job is immutable
// once intake validation passes.
type Job struct {
	// ID is the opaque unique job identifier.
	ID uuid.UUID `json:"id" yaml:"id"`

	// Name is the human-readable job name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Kind describes the work.
	Kind JobKind `json:"kind" yaml:"kind"`

	// Targets selects the devices.
	Targets TargetSelector `json:"targets" yaml:"targets"`

	// MaxParallel bounds concurrent device tasks. Must be >= 1.
	MaxParallel int `json:"max_parallel" yaml:"max_parallel" validate:"gte=1"`

	// DeviceTimeout bounds the whole lifecycle of one device task.
	DeviceTimeout time.Duration `json:"device_timeout" yaml:"device_timeout"`

	// DryRun requests validation without persisting changes. Honored only
	// by drivers advertising SupportsDryRun; other devices are skipped.
	DryRun bool `json:"dry_run" yaml:"dry_run"`

	// ApprovalToken references an approval record when guardrail policy
	// demands one. Checked once at intake, never refreshed mid-job.
	ApprovalToken string `json:"approval_token,omitempty" yaml:"approval_token,omitempty"`
}

// ApplyDefaults fills zero-valued tunables and assigns an ID when absent.
func (j *Job) ApplyDefaults() {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.MaxParallel == 0 {
		j.MaxParallel = DefaultMaxParallel
	}
	if j.DeviceTimeout == 0 {
		j.DeviceTimeout = DefaultDeviceTimeout
	}
	if j.Targets.Mode == "" {
		j.Targets.Mode = TargetAll
	}
}

var jobValidator = validator.New()

// Validate performs intake validation. It returns a plain error describing
// the first violation; callers classify it as a validation failure.
func (j *Job) Validate() error {
	if err := jobValidator.Struct(j); err != nil {
		return fmt.Errorf("job shape: %w", err)
	}
	if j.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1, got %d", j.MaxParallel)
	}
	if j.DeviceTimeout <= 0 {
		return fmt.Errorf("device_timeout must be positive, got %s", j.DeviceTimeout)
	}
	switch j.Kind.Type {
	case JobCommandBatch:
		if len(j.Kind.Commands) == 0 {
			return fmt.Errorf("command_batch job %q has no commands", j.Name)
		}
		for i, cmd := range j.Kind.Commands {
			if cmd == "" {
				return fmt.Errorf("command_batch job %q has an empty command at index %d", j.Name, i)
			}
		}
	case JobConfigPush:
		if countLines(j.Kind.Snippet) == 0 {
			return fmt.Errorf("config_push job %q has an empty snippet", j.Name)
		}
	case JobComplianceCheck:
		if j.Kind.RulesetRef == "" {
			return fmt.Errorf("compliance_check job %q has no ruleset_ref", j.Name)
		}
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind.Type)
	}
	switch j.Targets.Mode {
	case TargetAll:
	case TargetByIDs:
		if len(j.Targets.IDs) == 0 {
			return fmt.Errorf("target mode %q requires ids", TargetByIDs)
		}
	case TargetByTags:
		if len(j.Targets.Tags) == 0 {
			return fmt.Errorf("target mode %q requires tags", TargetByTags)
		}
	default:
		return fmt.Errorf("unknown target mode %q", j.Targets.Mode)
	}
	return nil
}

func countLines(s string) int {
	n := 0
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if trimmed(s[start:i]) {
				n++
			}
			start = i + 1
		}
	}
	return n
}

func trimmed(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' && s[i] != '\t' && s[i] != '\r' {
			return true
		}
	}
	return false
}
