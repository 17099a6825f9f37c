package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/config"
	"github.com/roach88/derive/internal/crossref"
	"github.com/roach88/derive/internal/evaluator"
)

// ResolveReport shows one sensor's rewritten formulas.
type ResolveReport struct {
	Sensor       string                 `json:"sensor"`
	References   []string               `json:"references,omitempty"`
	Replacements []crossref.Replacement `json:"replacements,omitempty"`
	Formulas     map[string]string      `json:"formulas"`
}

// ResolveReports aggregates per-sensor reports for output.
type ResolveReports []ResolveReport

func (rs ResolveReports) String() string {
	var b strings.Builder
	for _, r := range rs {
		fmt.Fprintf(&b, "%s:\n", r.Sensor)
		if len(r.References) > 0 {
			fmt.Fprintf(&b, "  references: %s\n", strings.Join(r.References, ", "))
		}
		for _, rep := range r.Replacements {
			fmt.Fprintf(&b, "  %s -> %s (%d)\n", rep.From, rep.To, rep.Count)
		}
		ids := make([]string, 0, len(r.Formulas))
		for id := range r.Formulas {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "  %s = %s\n", id, r.Formulas[id])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewResolveCommand creates the resolve subcommand: detect cross-sensor
// references, register every sensor with its assigned identifier, and show
// the rewritten formulas.
func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var assigns []string

	cmd := &cobra.Command{
		Use:   "resolve <config.yaml>",
		Short: "Show cross-sensor reference resolution",
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

			assigned, err := parseAssigns(assigns)
			if err != nil {
				out.Error(config.ErrCodeGeneric, err.Error(), nil)
				return NewExitError(ExitCommandError, err.Error())
			}

			detected := crossref.DetectReferences(sensors, evaluator.DefaultDomainPrefixes)

			expected := make([]string, 0, len(sensors))
			for i := range sensors {
				expected = append(expected, sensors[i].UniqueID)
			}
			resolver := crossref.NewResolver(expected)
			for i := range sensors {
				s := &sensors[i]
				id := assigned[s.UniqueID]
				if id == "" {
					id = s.EntityID
				}
				if id == "" {
					id = "sensor." + s.UniqueID
				}
				resolver.Register(s.UniqueID, id)
			}

			var reports ResolveReports
			for i := range sensors {
				s := &sensors[i]
				resolved, summary, resErr := resolver.Resolve(s)
				if resErr != nil {
					out.Error(config.ErrCodeGeneric, resErr.Error(), nil)
					return NewExitError(ExitFailure, resErr.Error())
				}

				report := ResolveReport{
					Sensor:       s.UniqueID,
					References:   detected[s.UniqueID],
					Replacements: summary.Replacements,
					Formulas:     make(map[string]string, len(resolved.Formulas)),
				}
				for j := range resolved.Formulas {
					report.Formulas[resolved.Formulas[j].ID] = resolved.Formulas[j].Expression
				}
				reports = append(reports, report)
			}
			return out.Success(reports)
		},
	}

	cmd.Flags().StringArrayVar(&assigns, "assign", nil, "assigned identifier, as sensor_key=entity_id (repeatable)")
	return cmd
}

// parseAssigns parses --assign flags into a key-to-identifier map.
func parseAssigns(assigns []string) (map[string]string, error) {
	out := make(map[string]string, len(assigns))
	for _, a := range assigns {
		key, id, found := strings.Cut(a, "=")
		if !found || key == "" || id == "" {
			return nil, fmt.Errorf("malformed --assign %q: want sensor_key=entity_id", a)
		}
		out[key] = id
	}
	return out, nil
}
