package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scalinity/curaknot-sync/internal/provider"
	"github.com/scalinity/curaknot-sync/internal/store"
)

// Exit codes. Scripts driving curasync branch on these.
const (
	exitOK              = 0
	exitError           = 1
	exitNotFound        = 4
	exitAuthRequired    = 5
	exitConflictPending = 6
)

// errPendingConflicts signals that conflicts await a user decision.
var errPendingConflicts = errors.New("pending conflicts require resolution")

var configFile string

// rootCmd represents the base command for the curasync application
var rootCmd = &cobra.Command{
	Use:   "curasync",
	Short: "Synchronizes care schedules with external calendars",
	Long: `curasync keeps CuraKnot care entities (tasks, shifts, appointments) in
sync with external calendars such as Google Calendar, and publishes
read-only subscription feeds for family members.

It can run as:
  - A long-running sync service (serve)
  - A one-shot CLI for manual syncs and administration`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "curasync version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, store.ErrNotFound):
		return exitNotFound
	case provider.KindOf(err) == provider.FailureAuthExpired:
		return exitAuthRequired
	case errors.Is(err, errPendingConflicts):
		return exitConflictPending
	default:
		return exitError
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		fmt.Sprintf("Config file path (default: %s in . or /etc/curasync)", "curasync.yaml"))

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newConnectionsCmd())
	rootCmd.AddCommand(newConflictsCmd())
	rootCmd.AddCommand(newFeedCmd())
	rootCmd.AddCommand(newVersionCmd())
}
