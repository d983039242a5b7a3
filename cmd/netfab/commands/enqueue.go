package commands

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opennetfab/opennetfab/pkg/model"
)

func newEnqueueCommand(version string) *cobra.Command {
	var (
		inventoryPath string
		vars          map[string]string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <job-file>",
		Short: "Push a job onto the durable queue",
		Long: `Validate a job file and append it to the durable queue for a worker
to pick up. The inventory path is recorded on the queue item as the
snapshot reference; the worker resolves it at delivery time.`,
		Example: `  # Queue a config push for the workers
  netfab enqueue ntp-rollout.yaml --inventory prod.yaml`,
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

			// Store an absolute snapshot ref so a worker started from a
			// different directory still finds the inventory.
			snapshotRef, err := filepath.Abs(inventoryPath)
			if err != nil {
				return err
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			itemID, err := store.Enqueue(ctx, &model.QueueItem{
				Job:                  *job,
				InventorySnapshotRef: snapshotRef,
			})
			if err != nil {
				return err
			}

			cmd.Printf("enqueued job %s as item %s\n", job.ID, itemID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file recorded as the snapshot ref (required)")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables exposed to .star job scripts (key=value)")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}
