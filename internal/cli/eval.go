package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/config"
	"github.com/roach88/derive/internal/evaluator"
	"github.com/roach88/derive/internal/formula"
)

// EvalReport is the printable result of one sensor evaluation.
type EvalReport struct {
	Sensor     string            `json:"sensor"`
	State      string            `json:"state"`
	Value      string            `json:"value,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (r EvalReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", r.Sensor, r.State)
	if r.Value != "" {
		fmt.Fprintf(&b, " = %s", r.Value)
	}
	for name, v := range r.Attributes {
		fmt.Fprintf(&b, "\n  %s = %s", name, v)
	}
	return b.String()
}

// mapProvider backs entity lookups with --set flag values.
type mapProvider struct {
	values      map[string]formula.Value
	unavailable map[string]bool
}

func (p *mapProvider) Get(entityID string) (formula.Value, error) {
	if p.unavailable[entityID] {
		return nil, &evaluator.UnavailableError{EntityID: entityID}
	}
	v, ok := p.values[entityID]
	if !ok {
		return nil, &evaluator.NotFoundError{EntityID: entityID}
	}
	return v, nil
}

// NewEvalCommand creates the eval subcommand: evaluate one sensor against
// entity values supplied on the command line.
func NewEvalCommand(opts *RootOptions) *cobra.Command {
	var (
		sensorKey string
		sets      []string
	)

	cmd := &cobra.Command{
		Use:   "eval <config.yaml>",
		Short: "Evaluate a sensor against supplied entity values",
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

			provider, err := parseSets(sets)
			if err != nil {
				out.Error(config.ErrCodeGeneric, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}

			ev := evaluator.New(evaluator.WithStateProvider(provider))
			ev.SetSensors(sensors)

			target, ok := ev.Sensor(sensorKey)
			if !ok {
				msg := fmt.Sprintf("sensor %q not found", sensorKey)
				out.Error(config.ErrCodeNotFound, msg, nil)
				return NewExitError(ExitCommandError, msg)
			}

			ev.StartCycle()
			result, evalErr := ev.EvaluateSensor(target)
			ev.EndCycle()
			if evalErr != nil {
				out.Error(config.ErrCodeGeneric, evalErr.Error(), nil)
				return NewExitError(ExitFailure, evalErr.Error())
			}

			report := EvalReport{Sensor: target.UniqueID, State: result.Main.State}
			if result.Main.Value != nil {
				report.Value = result.Main.Value.String()
			}
			if len(result.Attributes) > 0 {
				report.Attributes = make(map[string]string, len(result.Attributes))
				for name, res := range result.Attributes {
					if res.Value != nil {
						report.Attributes[name] = res.Value.String()
					} else {
						report.Attributes[name] = res.State
					}
				}
			}
			return out.Success(report)
		},
	}

	cmd.Flags().StringVar(&sensorKey, "sensor", "", "sensor key to evaluate (required)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "entity value, as entity_id=value (repeatable)")
	cmd.MarkFlagRequired("sensor")
	return cmd
}

// parseSets builds the entity provider from --set flags. Values parse as
// number, then bool, then the literal words unknown/unavailable (which map
// to alternate states), then text.
func parseSets(sets []string) (*mapProvider, error) {
	p := &mapProvider{
		values:      make(map[string]formula.Value, len(sets)),
		unavailable: make(map[string]bool),
	}
	for _, s := range sets {
		id, raw, found := strings.Cut(s, "=")
		if !found || id == "" {
			return nil, fmt.Errorf("malformed --set %q: want entity_id=value", s)
		}
		switch {
		case raw == "unknown":
			p.values[id] = nil
		case raw == "unavailable":
			p.unavailable[id] = true
		case raw == "true" || raw == "false":
			p.values[id] = formula.Bool(raw == "true")
		default:
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				p.values[id] = formula.Number(n)
			} else {
				p.values[id] = formula.Text(raw)
			}
		}
	}
	return p, nil
}
