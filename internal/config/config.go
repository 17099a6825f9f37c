// Package config loads sensor definitions from YAML and validates the
// decoded tree against an embedded CUE schema before converting it into
// formula specs.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/derive/internal/formula"
)

//go:embed schema.cue
var schemaCUE string

// LoadMode controls how errors are handled during config loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Error code constants, unified across all load failures.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeNotFound     = "E002" // Path not found
	ErrCodeParseFailed  = "E003" // YAML parse failed
	ErrCodeSchemaFailed = "E004" // CUE schema violation
	ErrCodeBadSensor    = "E101" // Sensor definition invalid
	ErrCodeBadVariable  = "E102" // Variable binding invalid
	ErrCodeBadHandler   = "E103" // Alternate-state handler invalid
)

// LoadError is one config loading failure with a stable code.
type LoadError struct {
	Code    string
	Path    string // config path of the offending node, e.g. "sensors.energy_cost"
	Message string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// rawConfig mirrors the YAML document shape.
type rawConfig struct {
	Sensors map[string]rawSensor `yaml:"sensors"`
}

type rawSensor struct {
	rawFormula `yaml:",inline"`
	EntityID   string                `yaml:"entity_id"`
	Attributes map[string]rawFormula `yaml:"attributes"`
}

type rawFormula struct {
	Formula         string         `yaml:"formula"`
	Variables       map[string]any `yaml:"variables"`
	Dependencies    []string       `yaml:"dependencies"`
	AlternateStates map[string]any `yaml:"alternate_states"`
}

// Load reads a YAML config file, validates it against the schema, and
// converts it into sensor specs sorted by unique ID.
func Load(path string, mode LoadMode) ([]formula.SensorSpec, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("config not found: %s", path)}}
		}
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error reading config: %v", err)}}
	}
	return Parse(data, mode)
}

// Parse decodes and validates config bytes. Split from Load so tests and
// embedded configurations skip the filesystem.
func Parse(data []byte, mode LoadMode) ([]formula.SensorSpec, []error) {
	// Decode twice: once into the loose tree the schema validates, once
	// into the typed mirror conversion works from. Both come from the same
	// bytes, so they cannot disagree.
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("parsing YAML: %v", err)}}
	}

	if errs := validateSchema(tree, mode); len(errs) > 0 {
		return nil, errs
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("parsing YAML: %v", err)}}
	}
	if len(raw.Sensors) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeBadSensor, Message: "no sensors defined"}}
	}

	var (
		specs []formula.SensorSpec
		errs  []error
	)

	keys := make([]string, 0, len(raw.Sensors))
	for key := range raw.Sensors {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, convErrs := convertSensor(key, raw.Sensors[key])
		if len(convErrs) > 0 {
			errs = append(errs, convErrs...)
			if mode == LoadModeFailFast {
				return nil, errs
			}
			continue
		}
		specs = append(specs, spec)
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return specs, nil
}

// validateSchema unifies the decoded tree with the embedded CUE schema.
func validateSchema(tree map[string]any, mode LoadMode) []error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("compiling schema: %v", err)}}
	}

	value := ctx.Encode(tree)
	if err := value.Err(); err != nil {
		return []error{&LoadError{Code: ErrCodeSchemaFailed, Message: fmt.Sprintf("encoding config: %v", err)}}
	}

	unified := schema.Unify(value)
	if err := unified.Validate(); err != nil {
		return []error{&LoadError{Code: ErrCodeSchemaFailed, Message: fmt.Sprintf("config violates schema: %v", err)}}
	}
	return nil
}

// convertSensor builds one sensor spec. The main formula takes the sensor
// key as its ID; attribute formulas take their attribute names.
func convertSensor(key string, raw rawSensor) (formula.SensorSpec, []error) {
	var errs []error

	main, mainErrs := convertFormula(key, "sensors."+key, raw.rawFormula)
	errs = append(errs, mainErrs...)

	spec := formula.SensorSpec{
		UniqueID: key,
		EntityID: raw.EntityID,
		Formulas: []formula.FormulaSpec{main},
	}

	attrs := make([]string, 0, len(raw.Attributes))
	for name := range raw.Attributes {
		attrs = append(attrs, name)
	}
	sort.Strings(attrs)

	for _, name := range attrs {
		f, fErrs := convertFormula(name, fmt.Sprintf("sensors.%s.attributes.%s", key, name), raw.Attributes[name])
		errs = append(errs, fErrs...)
		spec.Formulas = append(spec.Formulas, f)
	}

	return spec, errs
}

func convertFormula(id, path string, raw rawFormula) (formula.FormulaSpec, []error) {
	var errs []error

	if raw.Formula == "" {
		errs = append(errs, &LoadError{Code: ErrCodeBadSensor, Path: path, Message: "formula text is required"})
	}

	spec := formula.FormulaSpec{
		ID:         id,
		Expression: raw.Formula,
	}

	if len(raw.Variables) > 0 {
		spec.Variables = make(map[string]formula.VariableBinding, len(raw.Variables))
		for name, v := range raw.Variables {
			binding, err := convertVariable(path+".variables."+name, v)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			spec.Variables[name] = binding
		}
	}

	if len(raw.Dependencies) > 0 {
		spec.DeclaredDependencies = make(map[string]bool, len(raw.Dependencies))
		for _, dep := range raw.Dependencies {
			spec.DeclaredDependencies[dep] = true
		}
	}

	if len(raw.AlternateStates) > 0 {
		handler, hErrs := convertHandler(path+".alternate_states", raw.AlternateStates)
		errs = append(errs, hErrs...)
		spec.Handler = handler
	}

	return spec, errs
}

// convertVariable maps a YAML variable value onto a binding: numbers and
// bools are literals, strings are entity identifiers, mappings are nested
// formulas.
func convertVariable(path string, v any) (formula.VariableBinding, error) {
	switch x := v.(type) {
	case int:
		return formula.NumberBinding(float64(x)), nil
	case int64:
		return formula.NumberBinding(float64(x)), nil
	case float64:
		return formula.NumberBinding(x), nil
	case bool:
		return formula.BoolBinding(x), nil
	case string:
		if x == "" {
			return formula.VariableBinding{}, &LoadError{Code: ErrCodeBadVariable, Path: path, Message: "entity identifier is empty"}
		}
		return formula.EntityBinding(x), nil
	case map[string]any:
		nested, errs := nestedFormula(path, x)
		if len(errs) > 0 {
			return formula.VariableBinding{}, errs[0]
		}
		return formula.FormulaBinding(nested), nil
	default:
		return formula.VariableBinding{}, &LoadError{
			Code: ErrCodeBadVariable, Path: path,
			Message: fmt.Sprintf("unsupported variable value of type %T", v),
		}
	}
}

// nestedFormula converts an inline formula mapping used by variables and
// handlers.
func nestedFormula(path string, m map[string]any) (*formula.FormulaSpec, []error) {
	text, _ := m["formula"].(string)
	if text == "" {
		return nil, []error{&LoadError{Code: ErrCodeBadVariable, Path: path, Message: "nested formula text is required"}}
	}

	spec := &formula.FormulaSpec{ID: path, Expression: text}

	if vars, ok := m["variables"].(map[string]any); ok && len(vars) > 0 {
		spec.Variables = make(map[string]formula.VariableBinding, len(vars))
		var errs []error
		for name, v := range vars {
			binding, err := convertVariable(path+".variables."+name, v)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			spec.Variables[name] = binding
		}
		if len(errs) > 0 {
			return nil, errs
		}
	}
	return spec, nil
}

// convertHandler maps the alternate_states block onto a handler spec.
// A scalar value is a literal substitute (null meaning "explicitly map to
// absent"); a mapping with a formula key evaluates through the pipeline.
func convertHandler(path string, raw map[string]any) (*formula.HandlerSpec, []error) {
	var errs []error
	h := &formula.HandlerSpec{}

	for state, v := range raw {
		action, err := convertAction(path+"."+state, v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch state {
		case "absent":
			h.Absent = action
		case "unknown":
			h.Unknown = action
		case "unavailable":
			h.Unavailable = action
		case "fallback":
			h.Fallback = action
		default:
			errs = append(errs, &LoadError{
				Code: ErrCodeBadHandler, Path: path,
				Message: fmt.Sprintf("unknown alternate state %q", state),
			})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return h, nil
}

func convertAction(path string, v any) (*formula.HandlerAction, error) {
	switch x := v.(type) {
	case nil:
		return formula.LiteralAction(nil), nil
	case int:
		return formula.LiteralAction(formula.Number(float64(x))), nil
	case int64:
		return formula.LiteralAction(formula.Number(float64(x))), nil
	case float64:
		return formula.LiteralAction(formula.Number(x)), nil
	case bool:
		return formula.LiteralAction(formula.Bool(x)), nil
	case string:
		return formula.LiteralAction(formula.Text(x)), nil
	case map[string]any:
		text, _ := x["formula"].(string)
		if text == "" {
			return nil, &LoadError{Code: ErrCodeBadHandler, Path: path, Message: "handler formula text is required"}
		}
		return formula.FormulaAction(text), nil
	default:
		return nil, &LoadError{
			Code: ErrCodeBadHandler, Path: path,
			Message: fmt.Sprintf("unsupported handler value of type %T", v),
		}
	}
}
