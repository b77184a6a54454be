package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show executions",
		Long: `List recent executions, or show the step outcomes of one execution.`,
		Example: `  # List failed executions
  kdeploy status --status failed

  # Show one execution
  kdeploy status 3f7c2a9e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, settings.Database)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				var filter *engine.ExecutionStatus
				if status != "" {
					s := engine.ExecutionStatus(status)
					if err := s.Validate(); err != nil {
						return err
					}
					filter = &s
				}
				execs, err := store.ListExecutions(ctx, filter, limit, 0)
				if err != nil {
					return err
				}
				return printExecutions(out, execs)
			}

			exec, err := store.GetExecution(ctx, args[0])
			if err != nil {
				return err
			}
			outcomes, err := store.ListStepOutcomes(ctx, exec.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, struct {
					Execution *stores.Execution    `json:"execution"`
					Outcomes  []*stores.StepOutcome `json:"outcomes"`
				}{exec, outcomes})
			}
			if err := printExecutions(out, []*stores.Execution{exec}); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printOutcomes(out, outcomes)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list executions with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum executions to list")

	return cmd
}

func newElementsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "elements <execution-id>",
		Short: "Show elements published by an execution",
		Args:  cobra.ExactArgs(1),
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

			if _, err := store.GetExecution(ctx, args[0]); err != nil {
				return err
			}
			elements, err := store.ListElements(ctx, args[0])
			if err != nil {
				return err
			}
			return printElements(cmd.OutOrStdout(), elements)
		},
	}
}
