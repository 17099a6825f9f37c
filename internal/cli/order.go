package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/config"
	"github.com/roach88/derive/internal/evaluator"
)

// OrderReport lists one sensor's evaluation order.
type OrderReport struct {
	Sensor string   `json:"sensor"`
	Order  []string `json:"order"`
}

// OrderReports aggregates per-sensor orders for output.
type OrderReports []OrderReport

func (rs OrderReports) String() string {
	var b strings.Builder
	for _, r := range rs {
		fmt.Fprintf(&b, "%s: %s\n", r.Sensor, strings.Join(r.Order, " -> "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewOrderCommand creates the order subcommand: print each sensor's
// deterministic formula evaluation order.
func NewOrderCommand(opts *RootOptions) *cobra.Command {
	var sensorKey string

	cmd := &cobra.Command{
		Use:   "order <config.yaml>",
		Short: "Show formula evaluation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &OutputFormatter{
				Format:    opts.Format,
				Writer:    cmd.OutOrStdout(),
				ErrWriter: cmd.ErrOrStderr(),
				Verbose:   opts.Verbose,
			}

			sensors, errs := config.Load(args[0], config.LoadModeFailFast)
			if len(errs) > 0 {
				out.Error(config.ErrCodeBadSensor, "configuration invalid", errs[0].Error())
				return NewExitError(ExitCommandError, errs[0].Error())
			}

			ev := evaluator.New()
			ev.SetSensors(sensors)

			var reports OrderReports
			for i := range sensors {
				s := &sensors[i]
				if sensorKey != "" && s.UniqueID != sensorKey {
					continue
				}
				order, err := ev.EvaluationOrder(s)
				if err != nil {
					out.Error(config.ErrCodeBadSensor, err.Error(), nil)
					return NewExitError(ExitFailure, err.Error())
				}
				reports = append(reports, OrderReport{Sensor: s.UniqueID, Order: order})
			}

			if sensorKey != "" && len(reports) == 0 {
				msg := fmt.Sprintf("sensor %q not found", sensorKey)
				out.Error(config.ErrCodeNotFound, msg, nil)
				return NewExitError(ExitCommandError, msg)
			}
			return out.Success(reports)
		},
	}

	cmd.Flags().StringVar(&sensorKey, "sensor", "", "limit to one sensor key")
	return cmd
}
