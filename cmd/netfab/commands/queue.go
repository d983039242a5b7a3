package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable job queue",
	}
	cmd.AddCommand(newQueueStatsCommand(version))
	cmd.AddCommand(newQueueDeadLettersCommand(version))
	return cmd
}

func newQueueStatsCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		Args:  cobra.NoArgs,
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
			stats, err := store.QueueStats(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("visible:      %d\n", stats.Visible)
			cmd.Printf("leased:       %d\n", stats.Leased)
			cmd.Printf("dead-letters: %d\n", stats.DeadLettered)
			return nil
		},
	}
}

func newQueueDeadLettersCommand(version string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List quarantined queue items",
		Long: `List items the worker gave up on: attempt budget exhausted, intake
rejection, policy block, or an undecodable payload. The reason column
says which.`,
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
			letters, err := store.ListDeadLetters(ctx, limit, 0)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				cmd.Println("no dead letters")
				return nil
			}

			for _, dl := range letters {
				cmd.Printf("%s  job=%s  attempts=%d  %s  %s\n",
					dl.ItemID,
					dl.JobID,
					dl.AttemptCount,
					dl.DeadLetteredAt.Format(time.RFC3339),
					dl.Reason)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to list")
	return cmd
}
