package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opennetfab/opennetfab/pkg/config"
	"github.com/opennetfab/opennetfab/pkg/engine"
	"github.com/opennetfab/opennetfab/pkg/inventory"
	"github.com/opennetfab/opennetfab/pkg/model"
	"github.com/opennetfab/opennetfab/pkg/policy"
	"github.com/opennetfab/opennetfab/pkg/telemetry"
)

func newRunCommand(version string) *cobra.Command {
	var (
		inventoryPath string
		dryRun        bool
		vars          map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run <job-file>",
		Short: "Execute a job directly, without the queue",
		Long: `Execute a job file against an inventory and stream per-device
progress. The audit trail, guardrail policies, and outcome store stay
engaged exactly as they are on the queued path; only the queue itself is
bypassed.

Job files are YAML or JSON documents, or .star scripts that build the
job procedurally and leave it in a global named "job".`,
		Example: `  # Run a command batch against the lab inventory
  netfab run show-version.yaml --inventory lab.yaml

  # Rehearse a config push without touching devices
  netfab run ntp-rollout.yaml --inventory lab.yaml --dry-run --mock

  # Generate the job from a script
  netfab run canary-push.star --inventory prod.yaml --var region=emea`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			job, err := loadJob(ctx, args[0], vars)
			if err != nil {
				return err
			}
			if dryRun {
				job.DryRun = true
			}

			inv, err := inventory.LoadFile(inventoryPath)
			if err != nil {
				return err
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			if err := checkPolicies(ctx, cmd, a, job, inv); err != nil {
				return err
			}

			sink := &teeSink{next: store, out: cmd, events: a.tel.Events, jobID: job.ID}
			record, err := a.engine.Execute(ctx, job, inv, sink)
			if err != nil {
				return err
			}

			printSummary(cmd, record)
			if record.OverallStatus == model.OverallFailed {
				return fmt.Errorf("job failed on every device")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file path (required)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "rehearse the job without committing changes")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables exposed to .star job scripts (key=value)")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}

// loadJob reads the job file, exposing --var values to Starlark scripts.
func loadJob(ctx context.Context, path string, vars map[string]string) (*model.Job, error) {
	scriptVars := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		scriptVars[k] = v
	}
	return config.NewJobLoader().LoadJob(ctx, path, scriptVars)
}

// checkPolicies applies the guardrail gate to a direct run. Unlike the
// worker's degrade-open evaluation, a broken policy setup on an operator's
// own invocation is reported and stops the run.
func checkPolicies(ctx context.Context, cmd *cobra.Command, a *app, job *model.Job, inv engine.Inventory) error {
	if a.policy == nil {
		return nil
	}
	devices, err := inv.Resolve(ctx, job.Targets)
	if err != nil {
		return err
	}
	result, err := a.policy.EvaluateJob(ctx, &policy.Input{
		Job:     job,
		Devices: devices,
		Context: &policy.Context{
			Environment: a.cfg.Environment,
			Source:      "run",
			DryRun:      job.DryRun,
			Timestamp:   time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		cmd.Printf("policy warning [%s]: %s\n", w.Policy, w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			cmd.Printf("policy violation [%s]: %s\n", v.Policy, v.Message)
		}
		return fmt.Errorf("job blocked by %d policy violation(s)", len(result.Violations))
	}
	return nil
}

// teeSink forwards outcomes to the real sink while printing live progress
// and publishing device events.
type teeSink struct {
	next   engine.Sink
	out    *cobra.Command
	events *telemetry.EventPublisher
	jobID  uuid.UUID
}

func (t *teeSink) Push(ctx context.Context, jobID uuid.UUID, outcome *model.DeviceOutcome) error {
	line := fmt.Sprintf("%-10s %s (%s)", outcome.Status, outcome.DeviceID, outcome.Duration().Round(time.Millisecond))
	if outcome.Error != nil {
		line += "  " + outcome.Error.Message
	}
	t.out.Println(line)
	if t.events != nil {
		_ = t.events.PublishDeviceOutcome(jobID.String(), outcome.DeviceID, string(outcome.Status), outcome.Duration())
	}
	return t.next.Push(ctx, jobID, outcome)
}

func (t *teeSink) Finalize(ctx context.Context, record *model.JobRecord) error {
	return t.next.Finalize(ctx, record)
}

func printSummary(cmd *cobra.Command, record *model.JobRecord) {
	c := record.Counts
	parts := []string{fmt.Sprintf("%d succeeded", c.Succeeded)}
	if c.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", c.Failed))
	}
	if c.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", c.Skipped))
	}
	if c.TimedOut > 0 {
		parts = append(parts, fmt.Sprintf("%d timed out", c.TimedOut))
	}
	if c.Cancelled > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", c.Cancelled))
	}
	if c.RolledBack > 0 {
		parts = append(parts, fmt.Sprintf("%d rolled back", c.RolledBack))
	}
	cmd.Printf("\n%s: %s in %s\n",
		record.OverallStatus,
		strings.Join(parts, ", "),
		record.FinishedAt.Sub(record.StartedAt).Round(time.Millisecond))
}
