// Package classify turns formula text and variable maps into typed
// dependency references. Classification is caller-parameterized: the caller
// supplies the valid attribute names, sensor keys, and external-domain
// prefixes used for disambiguation, so the classifier never consults global
// registration state.
package classify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/derive/internal/formula"
)

// RefKind is the type of a classified dependency reference.
type RefKind int

const (
	// RefAttribute references another formula of the same sensor by name.
	RefAttribute RefKind = iota
	// RefExternalEntity references a host entity by dotted identifier.
	RefExternalEntity
	// RefCrossSensor references another sensor by its configuration key.
	RefCrossSensor
	// RefStateToken is the reserved "state" self-reference token.
	RefStateToken
	// RefCollectionAggregate is an aggregate call over an entity pattern.
	RefCollectionAggregate
)

// String returns the reference kind name.
func (k RefKind) String() string {
	switch k {
	case RefAttribute:
		return "attribute"
	case RefExternalEntity:
		return "entity"
	case RefCrossSensor:
		return "cross_sensor"
	case RefStateToken:
		return "state_token"
	case RefCollectionAggregate:
		return "aggregate"
	default:
		return fmt.Sprintf("ref(%d)", int(k))
	}
}

// Reference is one classified dependency: the referenced identifier plus
// its kind.
type Reference struct {
	ID   string
	Kind RefKind
}

// Options parameterize classification. Precedence when a token matches both
// an attribute name and a sensor key: the attribute wins: local scope
// shadows the fleet, the same way an inner variable shadows an outer one.
type Options struct {
	// AttributeNames are the valid attribute-formula names of the owning
	// sensor.
	AttributeNames map[string]bool

	// SensorKeys are the declared configuration keys of all sensors.
	SensorKeys map[string]bool

	// DomainPrefixes are the known external-entity domain prefixes
	// (e.g. "sensor", "binary_sensor"). A dotted identifier whose prefix
	// matches is an external-entity reference.
	DomainPrefixes map[string]bool
}

// Result is the classifier output: the reference set in deterministic
// order, plus parsed aggregate details keyed by reference ID.
type Result struct {
	References []Reference
	Aggregates map[string]Aggregate
}

// Classify parses a formula's expression text and variable map into typed
// dependency references. Variables bound to literals contribute nothing;
// entity-bound variables contribute their entity; formula-bound variables
// recursively contribute their own dependencies.
func Classify(spec *formula.FormulaSpec, opts Options) Result {
	set := make(map[Reference]bool)
	aggs := make(map[string]Aggregate)

	classifyExpression(spec.Expression, spec.Variables, opts, set, aggs)

	for _, binding := range spec.Variables {
		switch binding.Kind {
		case formula.BindingEntity:
			set[Reference{ID: binding.Entity, Kind: RefExternalEntity}] = true
		case formula.BindingFormula:
			if binding.Formula == nil {
				continue
			}
			sub := Classify(binding.Formula, opts)
			for _, ref := range sub.References {
				set[ref] = true
			}
			for id, agg := range sub.Aggregates {
				aggs[id] = agg
			}
		}
	}

	// Declared dependencies are merged in as-is, classified by the same
	// rules as scanned identifiers.
	for dep := range spec.DeclaredDependencies {
		if ref, ok := classifyIdentifier(dep, spec.Variables, opts); ok {
			set[ref] = true
		}
	}

	refs := make([]Reference, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].ID != refs[j].ID {
			return refs[i].ID < refs[j].ID
		}
		return refs[i].Kind < refs[j].Kind
	})

	return Result{References: refs, Aggregates: aggs}
}

// classifyExpression scans one expression string into the accumulator sets.
func classifyExpression(
	expression string,
	vars map[string]formula.VariableBinding,
	opts Options,
	set map[Reference]bool,
	aggs map[string]Aggregate,
) {
	// Aggregate calls are extracted first and their spans masked, so the
	// quoted pattern is never tokenized as identifiers.
	masked := expression
	for _, agg := range ExtractAggregates(expression) {
		set[Reference{ID: agg.Canonical(), Kind: RefCollectionAggregate}] = true
		aggs[agg.Canonical()] = agg
		masked = strings.Replace(masked, agg.raw, strings.Repeat(" ", len(agg.raw)), 1)
	}

	for _, tok := range scanIdentifiers(masked) {
		if ref, ok := classifyIdentifier(tok, vars, opts); ok {
			set[ref] = true
		}
	}
}

// classifyIdentifier applies the classification rules to a single
// identifier token. Returns false for tokens that are not dependencies
// (declared variables, keywords already filtered by the scanner).
func classifyIdentifier(tok string, vars map[string]formula.VariableBinding, opts Options) (Reference, bool) {
	if tok == formula.ReservedStateToken || strings.HasPrefix(tok, formula.ReservedStateToken+".") {
		return Reference{ID: tok, Kind: RefStateToken}, true
	}

	// Declared variables resolve through their binding, not by name.
	if _, declared := vars[tok]; declared {
		return Reference{}, false
	}

	if i := strings.IndexByte(tok, '.'); i > 0 {
		if opts.DomainPrefixes[tok[:i]] {
			return Reference{ID: tok, Kind: RefExternalEntity}, true
		}
	}

	// Attribute shadows sensor key when both match.
	if opts.AttributeNames[tok] {
		return Reference{ID: tok, Kind: RefAttribute}, true
	}
	if opts.SensorKeys[tok] {
		return Reference{ID: tok, Kind: RefCrossSensor}, true
	}

	return Reference{ID: tok, Kind: RefAttribute}, true
}
