package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage calendar connections",
	}
	cmd.AddCommand(newConnectionsListCmd())
	cmd.AddCommand(newConnectionsAddCmd())
	cmd.AddCommand(newConnectionsReauthorizeCmd())
	cmd.AddCommand(newConnectionsRevokeCmd())
	return cmd
}

func newConnectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List calendar connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			conns, err := a.store.ListConnections(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOWNER\tPROVIDER\tCALENDAR\tDIRECTION\tSTATUS\tFAILURES")
			for _, c := range conns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					c.ID, c.Owner, c.Provider, c.CalendarID,
					c.Direction, c.Status, c.Failures)
			}
			return w.Flush()
		},
	}
}

func newConnectionsAddCmd() *cobra.Command {
	var (
		owner        string
		providerKind string
		calendarID   string
		calendarName string
		direction    string
		tokenFile    string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a calendar connection",
		Long: `Add a calendar connection for an owner. For OAuth providers, pass the
authorized token as a JSON file via --token-file; the credential is
encrypted at rest. The connection becomes active after its first
successful sync pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d := store.Direction(direction)
			if !d.Outbound() && !d.Inbound() {
				return fmt.Errorf("invalid direction %q (outbound, inbound, or bidirectional)", direction)
			}

			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			conn := &store.Connection{
				ID:           uuid.NewString(),
				Owner:        owner,
				Provider:     providerKind,
				CalendarID:   calendarID,
				CalendarName: calendarName,
				Direction:    d,
			}
			if err := a.store.CreateConnection(cmd.Context(), conn); err != nil {
				return err
			}

			if tokenFile != "" {
				data, err := os.ReadFile(tokenFile)
				if err != nil {
					return fmt.Errorf("failed to read token file: %w", err)
				}
				var tok oauth2.Token
				if err := json.Unmarshal(data, &tok); err != nil {
					return fmt.Errorf("failed to parse token file: %w", err)
				}
				if err := a.tokens.Save(cmd.Context(), conn.ID, &tok); err != nil {
					return err
				}
			}

			cmd.Println(conn.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner (care circle) the connection belongs to")
	cmd.Flags().StringVar(&providerKind, "provider", provider.KindGoogleCalendar, "Provider kind (google-calendar or local-calendar)")
	cmd.Flags().StringVar(&calendarID, "calendar-id", "primary", "External calendar identifier")
	cmd.Flags().StringVar(&calendarName, "calendar-name", "", "Display name for the calendar")
	cmd.Flags().StringVar(&direction, "direction", string(store.DirectionBidirectional), "Sync direction: outbound, inbound, or bidirectional")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "Path to an OAuth token JSON file for the provider")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func newConnectionsReauthorizeCmd() *cobra.Command {
	var tokenFile string

	cmd := &cobra.Command{
		Use:   "reauthorize <connection-id>",
		Short: "Store a fresh credential for a connection",
		Long: `Store a freshly authorized token for a connection and clear its error
state. Use after the provider reported an expired or revoked credential.
The connection resumes syncing on its next pass.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			conn, err := a.store.GetConnection(ctx, args[0])
			if err != nil {
				return err
			}
			if conn.Status == store.StatusRevoked {
				return fmt.Errorf("connection %s is revoked", conn.ID)
			}

			data, err := os.ReadFile(tokenFile)
			if err != nil {
				return fmt.Errorf("failed to read token file: %w", err)
			}
			var tok oauth2.Token
			if err := json.Unmarshal(data, &tok); err != nil {
				return fmt.Errorf("failed to parse token file: %w", err)
			}
			if err := a.tokens.Save(ctx, conn.ID, &tok); err != nil {
				return err
			}
			if err := a.store.SetConnectionFailures(ctx, conn.ID, 0); err != nil {
				return err
			}
			return a.store.SetConnectionStatus(ctx, conn.ID, store.StatusPending, "")
		},
	}

	cmd.Flags().StringVar(&tokenFile, "token-file", "", "Path to the new OAuth token JSON file")
	_ = cmd.MarkFlagRequired("token-file")
	return cmd
}

func newConnectionsRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <connection-id>",
		Short: "Revoke a calendar connection",
		Long: `Revoke a connection. Revoked connections never sync again; their
mappings and tombstones are kept so a later re-connect does not
resurrect deleted events.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.store.RevokeConnection(cmd.Context(), args[0])
		},
	}
}
