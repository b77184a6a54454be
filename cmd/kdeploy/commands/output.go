package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/kdeploy/pkg/engine"
	"github.com/openfroyo/kdeploy/pkg/stores"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printExecutions(w io.Writer, execs []*stores.Execution) error {
	if jsonOutput {
		return printJSON(w, execs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tSTATUS\tPHASE\tSTEP\tSTARTED\tERROR")
	for _, e := range execs {
		if e == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.Workflow, e.Status, e.Phase, e.StepIndex,
			e.StartedAt.Local().Format(time.RFC3339), deref(e.Error))
	}
	return tw.Flush()
}

func printOutcomes(w io.Writer, outcomes []*stores.StepOutcome) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tSTEP\tSTRATEGY\tSTATUS\tMESSAGE")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.Phase, o.StateName, o.Strategy, o.Status, o.Message)
	}
	return tw.Flush()
}

func printElements(w io.Writer, elements []*engine.Element) error {
	if jsonOutput {
		return printJSON(w, elements)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tUPDATED\tVALUE")
	for _, el := range elements {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", el.Name, el.Version, el.UpdatedAt.Local().Format(time.RFC3339), el.Value)
	}
	return tw.Flush()
}

// unsuccessful returns an error naming how many executions did not succeed.
func unsuccessful(execs []*stores.Execution) error {
	failed := 0
	for _, e := range execs {
		if e == nil || e.Status != engine.ExecutionStatusSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d executions did not succeed", failed, len(execs))
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
