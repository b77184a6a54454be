package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/kdeploy/pkg/config"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kdeploy",
		Short: "kdeploy - Kubernetes deployment workflows",
		Long: `kdeploy runs deployment workflows against Kubernetes through a remote
executor. Each workflow step is a deployment strategy:

  - rolling deploy and rollback
  - canary setup, deploy and rollback
  - blue/green deploy
  - scale, delete and traffic split

Executions are persisted in SQLite. A step that is waiting on the
executor survives a restart of kdeploy and can be resumed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "execution database (overrides settings)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newResumeCommand(version))
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newElementsCommand())

	return rootCmd
}

// loadSettings reads the settings file and applies global flag overrides.
func loadSettings() (*config.Settings, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		settings.Database = dbPath
	}
	if verbose {
		settings.Logging.Level = "debug"
	}
	return settings, nil
}
