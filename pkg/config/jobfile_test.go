package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opennetfab/opennetfab/pkg/model"
)

func writeJobFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write job file: %v", err)
	}
	return path
}

func TestLoadJob_YAML(t *testing.T) {
	loader := NewJobLoader()

	path := writeJobFile(t, "job.yaml", `
name: backbone-audit
kind:
  type: command_batch
  commands:
    - show version
    - show ip ospf neighbor
targets:
  mode: tags
  tags: ["role:core"]
device_timeout_secs: 90
`)

	job, err := loader.LoadJob(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if job.Name != "backbone-audit" {
		t.Errorf("unexpected name %q", job.Name)
	}
	if job.Kind.Type != model.JobCommandBatch || len(job.Kind.Commands) != 2 {
		t.Errorf("unexpected kind %+v", job.Kind)
	}
	if job.Targets.Mode != model.TargetByTags || len(job.Targets.Tags) != 1 {
		t.Errorf("unexpected targets %+v", job.Targets)
	}
	if job.DeviceTimeout != 90*time.Second {
		t.Errorf("unexpected device timeout %s", job.DeviceTimeout)
	}
	// Defaults applied for omitted tunables.
	if job.MaxParallel != model.DefaultMaxParallel {
		t.Errorf("expected default max_parallel, got %d", job.MaxParallel)
	}
	if job.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected an ID to be assigned")
	}
}

func TestLoadJob_JSON(t *testing.T) {
	loader := NewJobLoader()

	path := writeJobFile(t, "job.json", `{
  "name": "push-banner",
  "kind": {"type": "config_push", "snippet": "banner motd ^ authorized use only ^\n", "write_startup": true},
  "approval_token": "chg-778"
}`)

	job, err := loader.LoadJob(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if job.Kind.Type != model.JobConfigPush || !job.Kind.WriteStartup {
		t.Errorf("unexpected kind %+v", job.Kind)
	}
	if job.ApprovalToken != "chg-778" {
		t.Errorf("unexpected approval token %q", job.ApprovalToken)
	}
	if job.Targets.Mode != model.TargetAll {
		t.Errorf("expected default target mode all, got %q", job.Targets.Mode)
	}
}

func TestLoadJob_RejectsUnknownField(t *testing.T) {
	loader := NewJobLoader()

	path := writeJobFile(t, "job.yaml", `
name: typo
kind:
  type: command_batch
  commands: ["show version"]
max_paralel: 4
`)

	if _, err := loader.LoadJob(context.Background(), path, nil); err == nil {
		t.Fatal("expected the misspelled field to be rejected")
	}
}

func TestLoadJob_RejectsInvalidJob(t *testing.T) {
	loader := NewJobLoader()

	// Schema-valid but semantically empty: a command batch needs commands.
	path := writeJobFile(t, "job.yaml", `
name: empty-batch
kind:
  type: command_batch
`)

	if _, err := loader.LoadJob(context.Background(), path, nil); err == nil {
		t.Fatal("expected intake validation to reject an empty command batch")
	}
}

func TestLoadJob_Starlark(t *testing.T) {
	loader := NewJobLoader()

	path := writeJobFile(t, "job.star", `
_prefix = vars["prefix"]

job = {
    "name": _prefix + "-ntp-rollout",
    "kind": {"type": "config_push", "snippet": "ntp server 10.0.0.1\n"},
    "targets": {"mode": "ids", "ids": [_prefix + "-sw" + str(i) for i in range(3)]},
    "dry_run": True,
}
`)

	job, err := loader.LoadJob(context.Background(), path, map[string]interface{}{"prefix": "ams1"})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if job.Name != "ams1-ntp-rollout" {
		t.Errorf("unexpected name %q", job.Name)
	}
	if len(job.Targets.IDs) != 3 || job.Targets.IDs[0] != "ams1-sw0" {
		t.Errorf("unexpected targets %+v", job.Targets)
	}
	if !job.DryRun {
		t.Error("expected dry_run to carry through")
	}
}

func TestLoadJob_StarlarkMissingGlobal(t *testing.T) {
	loader := NewJobLoader()

	path := writeJobFile(t, "job.star", `task = {"name": "x"}`)
	if _, err := loader.LoadJob(context.Background(), path, nil); err == nil {
		t.Fatal("expected a script without a job global to fail")
	}
}

func TestLoadJob_UnsupportedExtension(t *testing.T) {
	loader := NewJobLoader()

	path := writeJobFile(t, "job.toml", `name = "nope"`)
	if _, err := loader.LoadJob(context.Background(), path, nil); err == nil {
		t.Fatal("expected an unsupported extension to fail")
	}
}
