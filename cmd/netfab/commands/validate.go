package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opennetfab/opennetfab/pkg/config"
	"github.com/opennetfab/opennetfab/pkg/inventory"
)

func newValidateCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate documents without executing anything",
		Long: `Validate a job file, an inventory file, or the process config. The
same intake validation runs before every execution; this command stops
after it.`,
	}
	cmd.AddCommand(newValidateJobCommand())
	cmd.AddCommand(newValidateInventoryCommand())
	cmd.AddCommand(newValidateConfigCommand())
	return cmd
}

func newValidateJobCommand() *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "job <job-file>",
		Short: "Validate a job document or script",
		Example: `  netfab validate job ntp-rollout.yaml
  netfab validate job canary-push.star --var region=emea`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := loadJob(cmd.Context(), args[0], vars)
			if err != nil {
				return err
			}
			cmd.Printf("ok: %s job %q, targets mode %s, max_parallel %d\n",
				job.Kind.Type, job.Name, job.Targets.Mode, job.MaxParallel)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables exposed to .star job scripts (key=value)")
	return cmd
}

func newValidateInventoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "inventory <inventory-file>",
		Short:   "Validate an inventory document",
		Example: `  netfab validate inventory lab.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := inventory.LoadFile(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("ok: %d devices\n", inv.Len())
			return nil
		},
	}
}

func newValidateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config [config-file]",
		Short: "Validate a process config file",
		Long: `Evaluate a CUE config file against the embedded schema and report
every located problem. Without an argument the --config flag (or the
built-in defaults) is checked.`,
		Example: `  netfab validate config netfab.cue`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}

			parser := config.NewCUEParser()
			cfg, problems, err := parser.LoadOrDefault(path)
			if err != nil {
				return err
			}
			if len(problems) > 0 {
				for _, p := range problems {
					cmd.PrintErrln(p.Error())
				}
				return fmt.Errorf("config invalid: %d problem(s)", len(problems))
			}
			if err := cfg.ApplyEnvOverrides(); err != nil {
				return err
			}
			cmd.Printf("ok: environment %s, store %s\n", cfg.Environment, cfg.Store.Path)
			return nil
		},
	}
}
