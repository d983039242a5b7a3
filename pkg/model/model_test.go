package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseDeviceType(t *testing.T) {
	cases := map[string]DeviceType{
		"cisco-ios-cli":  DeviceTypeCiscoIOS,
		"cisco_ios":      DeviceTypeCiscoIOS,
		"CiscoIOS":       DeviceTypeCiscoIOS,
		"juniper_junos":  DeviceTypeJuniperNetconf,
		"nxos":           DeviceTypeCiscoNXOS,
		"meraki_cloud":   DeviceTypeMerakiCloud,
		"generic_ssh":    DeviceTypeGenericSSH,
		" arista_eos ":   DeviceTypeAristaEOS,
		"arista-eos-cli": DeviceTypeAristaEOS,
	}
	for in, want := range cases {
		got, err := ParseDeviceType(in)
		if err != nil {
			t.Errorf("ParseDeviceType(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDeviceType(%q) = %q, want %q", in, got, want)
		}
	}

	if _, err := ParseDeviceType("vax-780"); err == nil {
		t.Error("Expected error for unknown device type")
	}
}

func TestDeviceTagHelpers(t *testing.T) {
	d := &Device{
		ID:   "r1",
		Tags: []string{"site:oslo", "role:core", "transport:eapi"},
	}
	if !d.HasTag("role:core") {
		t.Error("Expected HasTag(role:core) to be true")
	}
	if d.HasTag("role") {
		t.Error("Prefix alone must not match a tag")
	}
	if got := d.TagValue("transport"); got != "eapi" {
		t.Errorf("TagValue(transport) = %q, want eapi", got)
	}
	if got := d.TagValue("absent"); got != "" {
		t.Errorf("TagValue(absent) = %q, want empty", got)
	}
}

func TestCredentialRedaction(t *testing.T) {
	cred := NewUserPassword("admin", []byte("hunter2"))
	if s := cred.String(); strings.Contains(s, "hunter2") {
		t.Errorf("String leaked the password: %s", s)
	}

	data, err := json.Marshal(cred)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if bytes.Contains(data, []byte("hunter2")) {
		t.Errorf("MarshalJSON leaked the password: %s", data)
	}
	if !bytes.Contains(data, []byte("admin")) {
		t.Errorf("MarshalJSON should keep the username: %s", data)
	}

	token := NewAPIToken([]byte("tok-123"))
	if data, _ := json.Marshal(token); bytes.Contains(data, []byte("tok-123")) {
		t.Errorf("MarshalJSON leaked the token: %s", data)
	}
}

func TestCredentialZero(t *testing.T) {
	password := []byte("hunter2")
	cred := NewUserPassword("admin", password)
	cred.Zero()

	for i, b := range password {
		if b != 0 {
			t.Fatalf("Backing byte %d not scrubbed: %q", i, password)
		}
	}
	if cred.Password() != nil {
		t.Error("Password should be nil after Zero")
	}
	if cred.Username() != "" {
		t.Error("Username should be empty after Zero")
	}

	var nilCred *Credential
	nilCred.Zero() // must not panic
}

func TestJobApplyDefaults(t *testing.T) {
	j := &Job{Name: "show version everywhere"}
	j.ApplyDefaults()

	if j.MaxParallel != DefaultMaxParallel {
		t.Errorf("MaxParallel = %d, want %d", j.MaxParallel, DefaultMaxParallel)
	}
	if j.DeviceTimeout != DefaultDeviceTimeout {
		t.Errorf("DeviceTimeout = %s, want %s", j.DeviceTimeout, DefaultDeviceTimeout)
	}
	if j.Targets.Mode != TargetAll {
		t.Errorf("Targets.Mode = %q, want %q", j.Targets.Mode, TargetAll)
	}
	if j.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("ApplyDefaults should assign a job ID")
	}
}

func TestJobValidate(t *testing.T) {
	valid := func() *Job {
		j := &Job{
			Name: "batch",
			Kind: JobKind{Type: JobCommandBatch, Commands: []string{"show version"}},
		}
		j.ApplyDefaults()
		return j
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Valid job rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"no name", func(j *Job) { j.Name = "" }},
		{"zero parallel", func(j *Job) { j.MaxParallel = 0 }},
		{"negative parallel", func(j *Job) { j.MaxParallel = -3 }},
		{"zero timeout", func(j *Job) { j.DeviceTimeout = 0 }},
		{"no commands", func(j *Job) { j.Kind.Commands = nil }},
		{"empty command", func(j *Job) { j.Kind.Commands = []string{"show version", ""} }},
		{"empty snippet", func(j *Job) {
			j.Kind = JobKind{Type: JobConfigPush, Snippet: "   \n\t\n"}
		}},
		{"no ruleset", func(j *Job) { j.Kind = JobKind{Type: JobComplianceCheck} }},
		{"unknown kind", func(j *Job) { j.Kind.Type = "reboot_everything" }},
		{"ids mode without ids", func(j *Job) { j.Targets = TargetSelector{Mode: TargetByIDs} }},
		{"tags mode without tags", func(j *Job) { j.Targets = TargetSelector{Mode: TargetByTags} }},
		{"unknown target mode", func(j *Job) { j.Targets.Mode = "nearest" }},
	}

	for _, tc := range tests {
		j := valid()
		tc.mutate(j)
		if err := j.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestJobKindStringRedactsSnippet(t *testing.T) {
	k := JobKind{Type: JobConfigPush, Snippet: "snmp-server community s3cret RO"}
	if s := k.String(); strings.Contains(s, "s3cret") {
		t.Errorf("JobKind.String leaked snippet content: %s", s)
	}
}

func TestTruncateLogs(t *testing.T) {
	o := &DeviceOutcome{DeviceID: "r1"}
	for i := 0; i < 10; i++ {
		o.Logs = append(o.Logs, "line")
	}

	o.TruncateLogs(4)
	if len(o.Logs) != 5 {
		t.Fatalf("Expected 4 lines plus marker, got %d", len(o.Logs))
	}
	if !strings.Contains(o.Logs[4], "truncated 6") {
		t.Errorf("Marker should record dropped count, got %q", o.Logs[4])
	}

	// Under the cap nothing changes.
	short := &DeviceOutcome{Logs: []string{"a", "b"}}
	short.TruncateLogs(4)
	if len(short.Logs) != 2 {
		t.Errorf("Logs under the cap must not be touched, got %d lines", len(short.Logs))
	}
}

func TestOutcomeCounts(t *testing.T) {
	var c OutcomeCounts
	for _, s := range []DeviceStatus{
		StatusSucceeded, StatusSucceeded, StatusFailed, StatusSkipped,
		StatusTimedOut, StatusCancelled, StatusRolledBack,
	} {
		c.Add(s)
	}

	if c.Succeeded != 2 || c.Failed != 1 || c.RolledBack != 1 {
		t.Errorf("Unexpected counts: %+v", c)
	}
	if c.Total() != 7 {
		t.Errorf("Total = %d, want 7", c.Total())
	}
}

func TestOutcomeDuration(t *testing.T) {
	start := time.Now()
	o := &DeviceOutcome{StartedAt: start, FinishedAt: start.Add(3 * time.Second)}
	if o.Duration() != 3*time.Second {
		t.Errorf("Duration = %s, want 3s", o.Duration())
	}
}
