package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kdeploy/pkg/manifest"
	"github.com/openfroyo/kdeploy/pkg/orchestrator"
	"github.com/openfroyo/kdeploy/pkg/strategy"
)

func newAbortCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abort <execution-id>",
		Short: "Abort an execution",
		Long: `Mark an unfinished execution as aborted.

The pending task is cancelled in the ledger so a later result is ignored.
An executor owned by another kdeploy process keeps running the task.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			// Aborting never dispatches.
			driver := strategy.NewDriver(nil, manifest.NewResolver(nil, log.Logger), strategy.WithLogger(log.Logger))
			orch, err := orchestrator.New(orchestrator.Config{Store: store, Driver: driver, Logger: log.Logger})
			if err != nil {
				return err
			}

			if err := orch.Abort(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Execution %s aborted\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "operator request", "reason recorded on the execution")

	return cmd
}
