package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kdeploy/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand(version string) *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "run <workflow>...",
		Short: "Run deployment workflows",
		Long: `Run one or more workflow files to completion.

Each workflow becomes an execution. Steps run in order; when a step fails
the workflow's rollback steps run and the execution is marked failed.
Up to "concurrency" executions run at once.`,
		Example: `  # Run a canary rollout against the simulator
  kdeploy run workflows/canary.yaml

  # Run with settings and a variable override
  kdeploy run -c kdeploy.yaml --var canaryPods=2 workflows/canary.cue`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			parser := config.NewParser()
			workflows := make([]*config.Workflow, 0, len(args))
			for _, path := range args {
				wf, err := parser.LoadWorkflow(ctx, path)
				if err != nil {
					return err
				}
				if len(vars) > 0 && wf.Variables == nil {
					wf.Variables = make(map[string]interface{}, len(vars))
				}
				for k, v := range vars {
					wf.Variables[k] = v
				}
				workflows = append(workflows, wf)
			}

			h, err := startHost(ctx, settings, version)
			if err != nil {
				return err
			}
			defer closeHost(h)

			log.Info().
				Int("workflows", len(workflows)).
				Str("executor", settings.Executor.Mode).
				Msg("Running workflows")

			execs, runErr := h.orch.RunAll(ctx, workflows)
			if err := printExecutions(cmd.OutOrStdout(), execs); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			return unsuccessful(execs)
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "workflow variable overrides (key=value)")

	return cmd
}

func closeHost(h *host) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
