package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/opennetfab/opennetfab/pkg/worker"
)

func newWorkerCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the durable job queue",
		Long: `Run the worker loop: dequeue jobs from the durable queue, execute
them through the engine, and settle each delivery.

The worker stops gracefully on SIGINT or SIGTERM: it stops dequeuing,
lets the in-flight job finish as cancelled, settles it, and exits 0.
Fatal initialization errors exit 1; systemic queue corruption exits 2.`,
		Example: `  # Drain the queue described by the config file
  netfab worker --config netfab.cue

  # Lab rehearsal against mock drivers
  netfab worker --config netfab.cue --mock`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			if a.cfg.Telemetry.MetricsEnabled {
				if err := a.tel.StartMetricsServer(); err != nil {
					return err
				}
			}
			if err := a.watchPolicies(ctx); err != nil {
				return err
			}

			w, err := worker.New(worker.Options{
				Store:             store,
				Engine:            a.engine,
				Inventories:       worker.FileInventoryLoader{},
				Logger:            a.tel.Logger,
				Metrics:           a.tel.Metrics,
				Events:            a.tel.Events,
				Policy:            a.policy,
				Environment:       a.cfg.Environment,
				VisibilityTimeout: a.cfg.Queue.VisibilityTimeout(),
				PollInterval:      a.cfg.Queue.PollInterval(),
				MaxAttempts:       a.cfg.Queue.MaxAttempts,
				NackBackoff:       a.cfg.Queue.NackBackoff(),
			})
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
	return cmd
}
