package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/stores"
)

func newResumeCommand(version string) *cobra.Command {
	var resultPath string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume executions left waiting on the executor",
		Long: `Resume executions whose step was waiting on a task when kdeploy stopped.

Without --result every pending task is failed, since the executor that ran
it is gone, and each execution continues from there (usually into its
rollback steps). With --result the given task result is delivered instead,
for example one recovered from the executor's own logs.`,
		Example: `  # Fail orphaned tasks and finish their executions
  kdeploy resume --db kdeploy.db

  # Deliver a result obtained out of band
  kdeploy resume --result result.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			var result *engine.TaskResult
			if resultPath != "" {
				data, err := os.ReadFile(resultPath)
				if err != nil {
					return fmt.Errorf("failed to read result: %w", err)
				}
				result = &engine.TaskResult{}
				if err := json.Unmarshal(data, result); err != nil {
					return fmt.Errorf("failed to parse result: %w", err)
				}
			}

			h, err := startHost(ctx, settings, version)
			if err != nil {
				return err
			}
			defer closeHost(h)

			var ids []string
			if result != nil {
				task, err := h.store.GetTask(ctx, result.CorrelationID)
				if err != nil {
					return err
				}
				if err := h.orch.Deliver(ctx, result); err != nil {
					return err
				}
				ids = []string{task.ExecutionID}
			} else {
				ids, err = h.orch.Recover(ctx)
				if err != nil {
					return err
				}
			}

			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to resume")
				return nil
			}
			log.Info().Strs("executions", ids).Msg("Resuming executions")

			seen := make(map[string]bool, len(ids))
			var execs []*stores.Execution
			for _, id := range ids {
				if seen[id] {
					continue
				}
				seen[id] = true
				exec, err := h.orch.Wait(ctx, id)
				if err != nil {
					return err
				}
				execs = append(execs, exec)
			}

			if err := printExecutions(cmd.OutOrStdout(), execs); err != nil {
				return err
			}
			return unsuccessful(execs)
		},
	}

	cmd.Flags().StringVar(&resultPath, "result", "", "task result JSON file to deliver")

	return cmd
}
