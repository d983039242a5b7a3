package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	mockMode   bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	rootCmd.SilenceUsage = true
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "netfab",
		Short: "netfab - network automation job engine",
		Long: `netfab executes operational jobs against fleets of network devices.

A job is a command batch, a configuration push, or a compliance check,
fanned out across targeted devices with bounded parallelism. Jobs run
directly from the CLI or flow through a durable queue drained by worker
processes.

Features:
  - Vendor drivers: Cisco IOS, Juniper Junos NETCONF, Arista EOS,
    Cisco NX-OS API, Meraki Cloud, generic SSH
  - WASM driver plugins for additional platforms
  - Credentials from the OS keychain with an encrypted file fallback
  - Rego guardrail policies evaluated at job intake
  - Durable SQLite job queue with at-least-once delivery`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&mockMode, "mock", false, "replace vendor drivers with mocks (lab use)")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newWorkerCommand(version))
	rootCmd.AddCommand(newEnqueueCommand(version))
	rootCmd.AddCommand(newQueueCommand(version))
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newSecretCommand(version))

	return rootCmd
}
