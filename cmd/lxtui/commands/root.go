package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	project    string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lxtui",
		Short: "lxtui - LXD operator console",
		Long: `lxtui manages LXD containers and virtual machines.

Every action is submitted to an asynchronous operation engine which:
  - validates the request against the known container state
  - rejects a second action on a container that is still busy
  - retries transient API failures with exponential backoff
  - follows long-running jobs through the LXD event stream or by polling
  - keeps the container list fresh with a periodic refresh`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $XDG_CONFIG_HOME/lxtui/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&project, "project", "", "LXD project (overrides the config file)")

	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newListCommand())
	for _, action := range lifecycleActions {
		rootCmd.AddCommand(newLifecycleCommand(action))
	}
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newCloneCommand())
	rootCmd.AddCommand(newExecCommand())
	rootCmd.AddCommand(newShellCommand())

	return rootCmd
}
