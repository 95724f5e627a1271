package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scalinity/curaknot-sync/internal/entity"
	"github.com/scalinity/curaknot-sync/internal/feed"
)

func newFeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Manage read-only subscription feed tokens",
	}
	cmd.AddCommand(newFeedCreateCmd())
	cmd.AddCommand(newFeedRevokeCmd())
	return cmd
}

func newFeedCreateCmd() *cobra.Command {
	var (
		owner string
		types []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a feed token",
		Long: `Create a subscription feed token scoped to one owner and optionally
filtered to entity types. The printed secret is shown exactly once;
only its hash is stored. Subscribe at /feeds/<secret>.ics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseTypes(types)
			if err != nil {
				return err
			}

			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			projector := feed.NewProjector(a.store, a.logger)
			secret, err := projector.CreateToken(cmd.Context(), owner, filter)
			if err != nil {
				return err
			}
			cmd.Println(secret)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner (care circle) the feed covers")
	cmd.Flags().StringSliceVar(&types, "types", nil, "Entity types to include (task, shift, appointment). Default: all")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newFeedRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <secret>",
		Short: "Revoke a feed token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			projector := feed.NewProjector(a.store, a.logger)
			return projector.Revoke(cmd.Context(), args[0])
		},
	}
}

func parseTypes(raw []string) ([]entity.Type, error) {
	var out []entity.Type
	for _, s := range raw {
		t := entity.Type(strings.ToLower(strings.TrimSpace(s)))
		if !t.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", s)
		}
		out = append(out, t)
	}
	return out, nil
}
