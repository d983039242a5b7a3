package policy

import (
	"time"
)

// BuiltinPolicies returns the guardrails shipped with the binary. They are
// always loaded; operators extend or override them with .rego files on the
// configured policy paths.
func BuiltinPolicies() []Policy {
	return []Policy{
		productionApprovalPolicy(),
		parallelismCeilingPolicy(),
		deviceNamingPolicy(),
	}
}

// productionApprovalPolicy blocks config pushes to production-tagged
// devices unless the job carries an approval token. Dry runs are exempt:
// they never persist changes.
func productionApprovalPolicy() Policy {
	return Policy{
		Name:        "production-change-approval",
		Description: "Config pushes targeting env:prod devices require an approval token",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"change-control", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package netfab.policies.approvals

import rego.v1

# Config pushes targeting env:prod devices require an approval token.
deny contains violation if {
	input.job.kind.type == "config_push"
	not input.context.dry_run
	not input.job.approval_token
	some device in input.devices
	"env:prod" in device.tags
	violation := {
		"message": sprintf("config push to production device %s requires an approval token", [device.id]),
		"severity": "critical",
		"device": device.id,
	}
}
`,
	}
}

// parallelismCeilingPolicy caps the blast radius of a single job. The
// engine itself enforces no upper bound on max_parallel; this guardrail
// keeps a fat-fingered fanout from hammering a whole fabric at once.
func parallelismCeilingPolicy() Policy {
	return Policy{
		Name:        "parallelism-ceiling",
		Description: "Jobs may not run more than 64 device tasks in parallel",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"blast-radius"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package netfab.policies.parallelism

import rego.v1

max_allowed := 64

deny contains violation if {
	input.job.max_parallel > max_allowed
	violation := {
		"message": sprintf("max_parallel %d exceeds the ceiling of %d", [input.job.max_parallel, max_allowed]),
		"severity": "error",
	}
}
`,
	}
}

// deviceNamingPolicy warns about device IDs that break the fleet naming
// convention. Non-blocking: inventories predating the convention still run.
func deviceNamingPolicy() Policy {
	return Policy{
		Name:        "device-naming",
		Description: "Device IDs should be lowercase alphanumerics, dots, and hyphens",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package netfab.policies.naming

import rego.v1

deny contains violation if {
	some device in input.devices
	not regex.match("^[a-z0-9][a-z0-9.-]*$", device.id)
	violation := {
		"message": sprintf("device id %q does not match the fleet naming convention", [device.id]),
		"severity": "warning",
		"device": device.id,
	}
}
`,
	}
}
