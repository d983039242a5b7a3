package main

import (
	"strings"
	"testing"
)

func authedRequest(op string) *request {
	return &request{
		Op: op,
		Device: device{
			ID:          "fw1",
			Name:        "fw1",
			MgmtAddress: "fw1.example.net",
		},
		Auth: auth{Kind: "user-password", Username: "admin", Password: "x"},
	}
}

func TestHandleExecute_RequiresAuth(t *testing.T) {
	req := authedRequest("exec")
	req.Auth = auth{}
	resp := handleExecute(req)
	if resp.Error == "" {
		t.Fatal("expected an auth error")
	}
}

func TestExecCommand(t *testing.T) {
	req := authedRequest("exec")
	req.Command = "get system status"
	resp := handleExecute(req)
	if resp.Error != "" {
		t.Fatalf("unexpected error %q", resp.Error)
	}
	if !strings.Contains(resp.Output, "FortiOS") || !strings.Contains(resp.Output, "fw1") {
		t.Errorf("unexpected output %q", resp.Output)
	}

	req.Command = "reboot now"
	if resp := handleExecute(req); resp.Error == "" {
		t.Fatal("expected unrecognized command to fail")
	}
}

func TestApplyAndRollback(t *testing.T) {
	before := runningConfig
	defer func() { runningConfig = before }()

	apply := authedRequest("apply_config")
	apply.Snippet = "config system ntp\n    set server 10.0.0.1\nend\n"
	resp := handleExecute(apply)
	if resp.Error != "" {
		t.Fatalf("apply failed: %q", resp.Error)
	}
	if resp.CommitToken == "" {
		t.Error("expected a commit token")
	}
	if !strings.Contains(runningConfig, "set server 10.0.0.1") {
		t.Error("expected snippet merged into running config")
	}

	rb := authedRequest("rollback")
	rb.Snapshot = before
	if resp := handleRollback(rb); resp.Error != "" {
		t.Fatalf("rollback failed: %q", resp.Error)
	}
	if runningConfig != before {
		t.Error("expected running config restored")
	}
}

func TestApplyDryRun(t *testing.T) {
	before := runningConfig
	defer func() { runningConfig = before }()

	apply := authedRequest("apply_config")
	apply.Snippet = "config system dns\nend\n"
	apply.DryRun = true
	resp := handleExecute(apply)
	if resp.Error != "" {
		t.Fatalf("dry run failed: %q", resp.Error)
	}
	if runningConfig != before {
		t.Error("dry run must not change the running config")
	}
	if resp.CommitToken != "" {
		t.Error("dry run must not produce a commit token")
	}
}
