package cmd

import (
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sync [connection-id]",
		Short: "Run one reconciliation pass",
		Long: `Run one synchronous reconciliation pass for the given connection, or
for every syncable connection with --all. The pass pushes pending local
changes, pulls remote changes, and advances the sync cursors.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if all {
				conns, err := a.store.ListSyncableConnections(ctx)
				if err != nil {
					return err
				}
				var firstErr error
				for _, conn := range conns {
					if err := a.orch.SyncNow(ctx, conn.ID); err != nil {
						cmd.PrintErrf("sync failed for %s: %v\n", conn.ID, err)
						if firstErr == nil {
							firstErr = err
						}
					}
				}
				return firstErr
			}

			if len(args) == 0 {
				return cmd.Help()
			}
			return a.orch.SyncNow(ctx, args[0])
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Sync every syncable connection")
	return cmd
}
