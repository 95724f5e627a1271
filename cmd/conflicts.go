package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalinity/curaknot-sync/internal/conflict"
	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/mapper"
	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve pending sync conflicts",
	}
	cmd.AddCommand(newConflictsListCmd())
	cmd.AddCommand(newConflictsResolveCmd())
	return cmd
}

func newConflictsListCmd() *cobra.Command {
	var connectionID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting a decision",
		Long: `List pending conflicts. Exits with a dedicated status code when any
are pending, so scripts can detect connections that need attention.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.store.ListPendingConflicts(cmd.Context(), connectionID)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("no pending conflicts")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCONNECTION\tENTITY\tDETECTED\tSTRATEGY")
			for _, r := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.ConnectionID, r.Ref.String(),
					r.DetectedAt.Format("2006-01-02 15:04:05"), r.Strategy)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return errPendingConflicts
		},
	}

	cmd.Flags().StringVar(&connectionID, "connection", "", "Limit to one connection")
	return cmd
}

func newConflictsResolveCmd() *cobra.Command {
	var keep string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a pending conflict",
		Long: `Resolve a pending conflict by keeping one side. Keeping the local
version pushes it to the provider immediately; keeping the remote
version overwrites the local entity and syncs. Either way both sides
converge on the chosen version.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep != "local" && keep != "remote" {
				return fmt.Errorf("--keep must be local or remote, got %q", keep)
			}

			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			rec, err := a.store.GetConflict(ctx, args[0])
			if err != nil {
				return err
			}
			if rec.Status != store.ConflictPending {
				return fmt.Errorf("conflict %s is already resolved (%s)", rec.ID, rec.Outcome)
			}

			outcome, err := applyDecision(cmd, a, rec, keep)
			if err != nil {
				return err
			}
			if err := a.store.MarkConflictResolved(ctx, rec.ID, outcome); err != nil {
				return err
			}
			return a.orch.SyncNow(ctx, rec.ConnectionID)
		},
	}

	cmd.Flags().StringVar(&keep, "keep", "", "Which side to keep: local or remote")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

// applyDecision converges both sides on the chosen version. Keeping the
// remote writes it over the local entity; keeping the local pushes it to the
// provider right here. Re-queueing the local entity through the change log
// would not work: its content hash already matches the mapping, so the pass
// would skip the push, and the divergent remote would overwrite the decision
// on the inbound phase.
func applyDecision(cmd *cobra.Command, a *app, rec *store.ConflictRecord, keep string) (string, error) {
	ctx := cmd.Context()

	if keep == "remote" {
		ev, err := mapper.Unmarshal(rec.RemoteSnapshot)
		if err != nil {
			return "", fmt.Errorf("failed to decode remote snapshot: %w", err)
		}
		owner, err := entityOwner(cmd, a, rec)
		if err != nil {
			return "", err
		}
		e := mapper.FromCanonical(rec.Ref, owner, ev)
		if err := a.store.UpsertEntity(ctx, e, mapper.HashEntity(e)); err != nil {
			return "", err
		}
		return string(conflict.StrategyRemoteWins), nil
	}

	e, err := a.store.GetEntity(ctx, rec.Ref)
	if err != nil {
		return "", fmt.Errorf("local entity %s no longer exists: %w", rec.Ref, err)
	}
	if err := pushLocalVersion(ctx, a, rec, *e); err != nil {
		return "", err
	}
	return string(conflict.StrategyLocalWins), nil
}

// pushLocalVersion writes the kept local version to the provider and records
// the new synced state in the mapping. The decision wins over any remote edit
// that landed since detection: a stale etag is retried once against the
// current version.
func pushLocalVersion(ctx context.Context, a *app, rec *store.ConflictRecord, e entity.CareEntity) error {
	mpg, err := a.store.GetMappingByRef(ctx, rec.ConnectionID, rec.Ref)
	if err != nil {
		return err
	}
	conn, err := a.store.GetConnection(ctx, rec.ConnectionID)
	if err != nil {
		return err
	}
	adapter, err := a.adapterFactory(ctx, conn)
	if err != nil {
		return err
	}

	ev := mapper.ToCanonical(e)
	etag, err := adapter.UpdateEvent(ctx, mpg.ExternalID, mpg.Etag, ev)
	if ce, ok := provider.AsConflict(err); ok && ce.Remote != nil {
		etag, err = adapter.UpdateEvent(ctx, mpg.ExternalID, ce.Remote.Etag, ev)
	}
	if err != nil {
		return fmt.Errorf("failed to push kept version: %w", err)
	}

	base, err := mapper.Marshal(ev)
	if err != nil {
		return err
	}
	return a.store.UpsertMapping(ctx, &store.EventMapping{
		ConnectionID:    rec.ConnectionID,
		Ref:             rec.Ref,
		ExternalID:      mpg.ExternalID,
		Etag:            etag,
		ContentHash:     mapper.ContentHash(ev),
		BaseEvent:       base,
		LocalUpdatedAt:  e.UpdatedAt,
		RemoteUpdatedAt: time.Now().UTC(),
	})
}

func entityOwner(cmd *cobra.Command, a *app, rec *store.ConflictRecord) (string, error) {
	if e, err := a.store.GetEntity(cmd.Context(), rec.Ref); err == nil {
		return e.Owner, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	conn, err := a.store.GetConnection(cmd.Context(), rec.ConnectionID)
	if err != nil {
		return "", err
	}
	return conn.Owner, nil
}
