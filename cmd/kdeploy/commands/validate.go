package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kdeploy/pkg/config"
)

type validationReport struct {
	File   string                   `json:"file"`
	Valid  bool                     `json:"valid"`
	Steps  int                      `json:"steps,omitempty"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow>...",
		Short: "Validate workflow files",
		Long: `Validate workflow files without running them.

This command checks:
  - YAML or CUE syntax
  - Conformance to the workflow schema
  - Known strategies and values document declarations
  - Unique step names across steps and rollback steps`,
		Example: `  # Validate one workflow
  kdeploy validate workflows/canary.yaml

  # Validate several, with machine-readable output
  kdeploy validate --json workflows/*.cue`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			parser := config.NewParser()

			reports := make([]validationReport, 0, len(args))
			invalid := 0
			for _, path := range args {
				report := validationReport{File: path}

				wf, err := parser.LoadWorkflow(ctx, path)
				switch {
				case err == nil:
					report.Valid = true
					report.Steps = len(wf.Steps) + len(wf.RollbackSteps)
				default:
					invalid++
					var verrs config.ValidationErrors
					if errors.As(err, &verrs) {
						report.Errors = verrs
					} else {
						report.Errors = []config.ValidationError{{File: path, Message: err.Error()}}
					}
				}
				log.Debug().Str("file", path).Bool("valid", report.Valid).Msg("Validated workflow")
				reports = append(reports, report)
			}

			if jsonOutput {
				if err := printJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if r.Valid {
						fmt.Fprintf(out, "%s: ok (%d steps)\n", r.File, r.Steps)
						continue
					}
					for _, e := range r.Errors {
						fmt.Fprintln(out, e.String())
					}
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d workflows are invalid", invalid, len(args))
			}
			return nil
		},
	}

	return cmd
}
