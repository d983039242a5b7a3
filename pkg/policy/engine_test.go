package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

func quietLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return logger
}

func testDevice(id string, tags ...string) model.Device {
	return model.Device{
		ID:          id,
		Name:        id,
		MgmtAddress: id + ".example.net",
		DeviceType:  model.DeviceTypeCiscoIOS,
		Tags:        tags,
		CredentialRef: model.CredentialRef{
			Name: "lab-admin",
		},
	}
}

func configPushJob() *model.Job {
	job := &model.Job{
		ID:   uuid.New(),
		Name: "ntp-rollout",
		Kind: model.JobKind{
			Type:    model.JobConfigPush,
			Snippet: "ntp server 10.0.0.1\n",
		},
	}
	job.ApplyDefaults()
	return job
}

func TestNewEngine_LoadsBuiltins(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("no built-in policies loaded")
	}

	for _, expected := range []string{"production-change-approval", "parallelism-ceiling", "device-naming"} {
		if _, err := eng.GetPolicy(expected); err != nil {
			t.Errorf("expected built-in policy %s: %v", expected, err)
		}
	}
}

func TestEvaluateJob_ProdPushRequiresApproval(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	input := &Input{
		Job:     configPushJob(),
		Devices: []model.Device{testDevice("core-sw1", "env:prod")},
		Context: &Context{Source: "run"},
	}

	result, err := eng.EvaluateJob(context.Background(), input)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected prod config push without approval token to be blocked")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "production-change-approval" {
			found = true
			if v.Severity != SeverityCritical {
				t.Errorf("expected critical severity, got %s", v.Severity)
			}
			if v.DeviceID != "core-sw1" {
				t.Errorf("expected violation pinned to core-sw1, got %q", v.DeviceID)
			}
		}
	}
	if !found {
		t.Fatalf("expected production-change-approval violation, got %+v", result.Violations)
	}
}

func TestEvaluateJob_ApprovedProdPushAllowed(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	job := configPushJob()
	job.ApprovalToken = "chg-10021"

	result, err := eng.EvaluateJob(context.Background(), &Input{
		Job:     job,
		Devices: []model.Device{testDevice("core-sw1", "env:prod")},
		Context: &Context{Source: "run"},
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected approved push to pass, violations: %+v", result.Violations)
	}
}

func TestEvaluateJob_DryRunExemptFromApproval(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	job := configPushJob()
	job.DryRun = true

	result, err := eng.EvaluateJob(context.Background(), &Input{
		Job:     job,
		Devices: []model.Device{testDevice("core-sw1", "env:prod")},
		Context: &Context{Source: "run", DryRun: true},
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("expected dry run to be exempt, violations: %+v", result.Violations)
	}
}

func TestEvaluateJob_ParallelismCeiling(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	job := configPushJob()
	job.ApprovalToken = "chg-10021"
	job.MaxParallel = 200

	result, err := eng.EvaluateJob(context.Background(), &Input{
		Job:     job,
		Devices: []model.Device{testDevice("lab-sw1")},
		Context: &Context{Source: "run"},
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected max_parallel 200 to be blocked")
	}
	if len(result.Violations) != 1 || result.Violations[0].Policy != "parallelism-ceiling" {
		t.Fatalf("expected a single parallelism-ceiling violation, got %+v", result.Violations)
	}
}

func TestEvaluateJob_NamingIsWarningOnly(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	job := &model.Job{
		ID:   uuid.New(),
		Name: "show-version",
		Kind: model.JobKind{
			Type:     model.JobCommandBatch,
			Commands: []string{"show version"},
		},
	}
	job.ApplyDefaults()

	result, err := eng.EvaluateJob(context.Background(), &Input{
		Job:     job,
		Devices: []model.Device{testDevice("Core_SW1")},
		Context: &Context{Source: "run"},
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("naming violation should not block, violations: %+v", result.Violations)
	}

	found := false
	for _, w := range result.Warnings {
		if w.Policy == "device-naming" && w.DeviceID == "Core_SW1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected device-naming warning for Core_SW1, got %+v", result.Warnings)
	}
}

func TestReplaceFilePolicies_CustomRule(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	custom := Policy{
		Name:     "no-compliance-jobs",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package netfab.policies.custom

import rego.v1

deny contains violation if {
	input.job.kind.type == "compliance_check"
	violation := "compliance checks are disabled on this fabric"
}
`,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := eng.ReplaceFilePolicies([]Policy{custom}); err != nil {
		t.Fatalf("failed to load custom policy: %v", err)
	}

	job := &model.Job{
		ID:   uuid.New(),
		Name: "audit",
		Kind: model.JobKind{
			Type:       model.JobComplianceCheck,
			RulesetRef: "baseline-v2",
		},
	}
	job.ApplyDefaults()

	result, err := eng.EvaluateJob(context.Background(), &Input{
		Job:     job,
		Devices: []model.Device{testDevice("lab-sw1")},
		Context: &Context{Source: "run"},
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("expected custom policy to block compliance jobs")
	}
	if result.Violations[0].Message != "compliance checks are disabled on this fabric" {
		t.Errorf("unexpected message: %q", result.Violations[0].Message)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng, err := NewEngine(quietLogger(t))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if err := eng.DisablePolicy("parallelism-ceiling"); err != nil {
		t.Fatalf("failed to disable policy: %v", err)
	}

	job := configPushJob()
	job.ApprovalToken = "chg-10021"
	job.MaxParallel = 500

	result, err := eng.EvaluateJob(context.Background(), &Input{
		Job:     job,
		Devices: []model.Device{testDevice("lab-sw1")},
		Context: &Context{Source: "run"},
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("disabled policy should not block, violations: %+v", result.Violations)
	}
}
