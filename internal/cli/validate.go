package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/config"
	"github.com/roach88/derive/internal/depgraph"
	"github.com/roach88/derive/internal/evaluator"
	"github.com/roach88/derive/internal/formula"
)

// ValidationReport summarizes a successful validation.
type ValidationReport struct {
	Sensors  int `json:"sensors"`
	Formulas int `json:"formulas"`
}

func (r ValidationReport) String() string {
	return fmt.Sprintf("ok: %d sensors, %d formulas", r.Sensors, r.Formulas)
}

// NewValidateCommand creates the validate subcommand: load the config,
// check it against the schema, and verify every sensor's dependency graph
// is acyclic.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a sensor configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   opts.Verbose,
			}

			sensors, errs := config.Load(args[0], config.LoadModeCollectAll)
			if len(errs) > 0 {
				details := make([]string, len(errs))
				for i, err := range errs {
					details[i] = err.Error()
				}
				out.Error(config.ErrCodeBadSensor, "configuration invalid", details)
				return NewExitError(ExitFailure, fmt.Sprintf("%d error(s)", len(errs)))
			}

			if cycleErrs := checkCycles(sensors); len(cycleErrs) > 0 {
				out.Error(config.ErrCodeBadSensor, "cyclic dependencies", cycleErrs)
				return NewExitError(ExitFailure, fmt.Sprintf("%d cycle(s)", len(cycleErrs)))
			}

			report := ValidationReport{Sensors: len(sensors)}
			for _, s := range sensors {
				report.Formulas += len(s.Formulas)
			}
			return out.Success(report)
		},
	}
	return cmd
}

// checkCycles plans every sensor's evaluation order and collects cycle
// reports.
func checkCycles(sensors []formula.SensorSpec) []string {
	ev := evaluator.New()
	ev.SetSensors(sensors)

	var out []string
	for i := range sensors {
		if _, err := ev.EvaluationOrder(&sensors[i]); err != nil {
			var cyc *depgraph.CircularDependencyError
			if errors.As(err, &cyc) {
				out = append(out, fmt.Sprintf("%s: cycle among [%s]",
					sensors[i].UniqueID, strings.Join(cyc.Remainder, ", ")))
			} else {
				out = append(out, fmt.Sprintf("%s: %v", sensors[i].UniqueID, err))
			}
		}
	}
	return out
}
