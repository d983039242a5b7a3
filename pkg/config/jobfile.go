package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/opennetfab/opennetfab/pkg/model"
)

// JobDocument is the on-disk shape of a job, shared by the YAML, JSON, and
// Starlark loaders. Timeouts are plain seconds in the document; ToJob turns
// them into durations.
type JobDocument struct {
	Name string `json:"name" yaml:"name"`

	Kind struct {
		Type         string   `json:"type" yaml:"type"`
		Commands     []string `json:"commands,omitempty" yaml:"commands,omitempty"`
		Snippet      string   `json:"snippet,omitempty" yaml:"snippet,omitempty"`
		WriteStartup bool     `json:"write_startup,omitempty" yaml:"write_startup,omitempty"`
		RulesetRef   string   `json:"ruleset_ref,omitempty" yaml:"ruleset_ref,omitempty"`
	} `json:"kind" yaml:"kind"`

	Targets struct {
		Mode string   `json:"mode,omitempty" yaml:"mode,omitempty"`
		IDs  []string `json:"ids,omitempty" yaml:"ids,omitempty"`
		Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	} `json:"targets" yaml:"targets"`

	MaxParallel       int    `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	DeviceTimeoutSecs int    `json:"device_timeout_secs,omitempty" yaml:"device_timeout_secs,omitempty"`
	DryRun            bool   `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	ApprovalToken     string `json:"approval_token,omitempty" yaml:"approval_token,omitempty"`
}

// ToJob converts the document into a validated model.Job with defaults
// applied.
func (d *JobDocument) ToJob() (*model.Job, error) {
	job := &model.Job{
		Name: d.Name,
		Kind: model.JobKind{
			Type:         model.JobKindType(d.Kind.Type),
			Commands:     d.Kind.Commands,
			Snippet:      d.Kind.Snippet,
			WriteStartup: d.Kind.WriteStartup,
			RulesetRef:   d.Kind.RulesetRef,
		},
		Targets: model.TargetSelector{
			Mode: model.TargetMode(d.Targets.Mode),
			IDs:  d.Targets.IDs,
			Tags: d.Targets.Tags,
		},
		MaxParallel:   d.MaxParallel,
		DryRun:        d.DryRun,
		ApprovalToken: d.ApprovalToken,
	}
	if d.DeviceTimeoutSecs > 0 {
		job.DeviceTimeout = time.Duration(d.DeviceTimeoutSecs) * time.Second
	}
	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

// JobLoader reads job documents from disk. YAML and JSON documents are
// checked against the embedded job schema before decoding; .star files are
// evaluated and must leave a global named "job".
type JobLoader struct {
	schemas   *SchemaRegistry
	evaluator *StarlarkEvaluator
}

// NewJobLoader creates a job loader with the default Starlark timeout.
func NewJobLoader() *JobLoader {
	return &JobLoader{
		schemas:   NewSchemaRegistry(cuecontext.New()),
		evaluator: NewStarlarkEvaluator(0),
	}
}

// LoadJob reads and validates a job file. vars is exposed to Starlark
// scripts as the predeclared dict "vars"; it is ignored for YAML and JSON
// documents.
func (l *JobLoader) LoadJob(ctx context.Context, path string, vars map[string]interface{}) (*model.Job, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return l.loadDocument(content, path)
	case ".star":
		return l.loadStarlark(ctx, string(content), vars)
	default:
		return nil, fmt.Errorf("unsupported job file extension %q", filepath.Ext(path))
	}
}

func (l *JobLoader) loadDocument(content []byte, path string) (*model.Job, error) {
	// Decode to a generic map first so the schema sees unknown fields.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if err := l.schemas.ValidateAgainstSchema(SchemaJob, raw); err != nil {
		return nil, fmt.Errorf("job document %s: %w", filepath.Base(path), err)
	}

	var doc JobDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return doc.ToJob()
}

func (l *JobLoader) loadStarlark(ctx context.Context, script string, vars map[string]interface{}) (*model.Job, error) {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	result, err := l.evaluator.Evaluate(ctx, script, map[string]interface{}{"vars": vars})
	if err != nil {
		return nil, fmt.Errorf("job script failed: %w", err)
	}

	jobVal, ok := result.Output["job"]
	if !ok {
		return nil, fmt.Errorf("job script must define a global named job")
	}
	jobMap, ok := jobVal.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("job global must be a dict, got %T", jobVal)
	}

	if err := l.schemas.ValidateAgainstSchema(SchemaJob, jobMap); err != nil {
		return nil, fmt.Errorf("job script output: %w", err)
	}

	// Round-trip through JSON so the generic map decodes with the same
	// field names as a document on disk.
	encoded, err := json.Marshal(jobMap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job script output: %w", err)
	}
	var doc JobDocument
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode job script output: %w", err)
	}
	return doc.ToJob()
}
