package evaluator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/derive/internal/classify"
	"github.com/roach88/derive/internal/depgraph"
	"github.com/roach88/derive/internal/formula"
)

// resolveBindings assembles the full binding set a formula needs before its
// expression runs: classified references resolved against the pass context,
// the cross-sensor value table, the state providers, and the collection
// aggregator, plus declared variables (literals bound directly, sub-formulas
// evaluated recursively).
//
// Returns the resolved bindings, the references that degraded to an
// alternate state, and a fatal error if any required binding cannot be
// produced at all.
func (ev *Evaluator) resolveBindings(
	sensorKey string,
	spec *formula.FormulaSpec,
	node *depgraph.Node,
	ctx *Context,
	depth int,
) (map[string]ReferenceValue, []string, error) {
	deps, aggs := ev.dependenciesOf(spec, node)

	resolved := make(map[string]ReferenceValue, len(deps)+len(spec.Variables))
	var unavailable []string

	// One bulk-provider round trip for every entity not already bound and
	// not served by the cross-sensor value table.
	var wanted []string
	for _, ref := range deps {
		if ref.Kind != classify.RefExternalEntity {
			continue
		}
		if _, bound := ctx.Lookup(ref.ID); bound {
			continue
		}
		if _, registered := ev.values.Lookup(ref.ID); registered {
			continue
		}
		wanted = append(wanted, ref.ID)
	}
	for _, binding := range spec.Variables {
		if binding.Kind != formula.BindingEntity || binding.Entity == formula.ReservedStateToken {
			continue
		}
		if _, registered := ev.values.Lookup(binding.Entity); registered {
			continue
		}
		wanted = append(wanted, binding.Entity)
	}
	bulk := ev.bulkFetch(wanted)

	for _, ref := range deps {
		if rv, bound := ctx.Lookup(ref.ID); bound {
			resolved[ref.ID] = rv
			if !rv.Concrete() {
				unavailable = append(unavailable, ref.ID)
			}
			continue
		}

		switch ref.Kind {
		case classify.RefStateToken:
			resolved[ref.ID] = ev.resolveStateToken(ref.ID, ctx, &unavailable)

		case classify.RefExternalEntity:
			rv, err := ev.resolveEntity(sensorKey, spec.ID, ref.ID, bulk, &unavailable)
			if err != nil {
				return resolved, dedupe(unavailable), err
			}
			resolved[ref.ID] = rv

		case classify.RefCrossSensor:
			rv, ok := ev.values.Lookup(ref.ID)
			if !ok {
				return resolved, dedupe(unavailable), formula.NewError(formula.CodeCrossSensorResolution,
					"cross-sensor reference %q used before registration", ref.ID).
					WithSensor(sensorKey, spec.ID).WithRefs(ref.ID)
			}
			rv.Reference = ref.ID
			resolved[ref.ID] = rv
			if !rv.Concrete() {
				unavailable = append(unavailable, ref.ID)
			}

		case classify.RefAttribute:
			// A rewritten cross-sensor reference carries a host-assigned
			// identifier whose prefix is not necessarily a known domain; the
			// value table resolves those before the reference counts as an
			// unbound attribute.
			if rv, ok := ev.values.Lookup(ref.ID); ok {
				rv.Reference = ref.ID
				resolved[ref.ID] = rv
				if !rv.Concrete() {
					unavailable = append(unavailable, ref.ID)
				}
				continue
			}
			return resolved, dedupe(unavailable), formula.NewError(formula.CodeMissingDependency,
				"reference %q is not bound in the evaluation context", ref.ID).
				WithSensor(sensorKey, spec.ID).WithRefs(ref.ID)

		case classify.RefCollectionAggregate:
			// Resolved below from the parsed aggregate details.
		}
	}

	for canonical, agg := range aggs {
		rv, err := ev.resolveAggregate(sensorKey, spec.ID, canonical, agg, &unavailable)
		if err != nil {
			return resolved, dedupe(unavailable), err
		}
		resolved[canonical] = rv
	}

	for name, binding := range spec.Variables {
		switch binding.Kind {
		case formula.BindingNumber:
			resolved[name] = ReferenceValue{Reference: name, Value: formula.Number(binding.Number)}

		case formula.BindingBool:
			resolved[name] = ReferenceValue{Reference: name, Value: formula.Bool(binding.Bool)}

		case formula.BindingEntity:
			// Self-references rewritten to the reserved token resolve
			// against the pass context, not the provider chain.
			if binding.Entity == formula.ReservedStateToken {
				rv := ev.resolveStateToken(binding.Entity, ctx, &unavailable)
				rv.Reference = name
				resolved[name] = rv
				continue
			}
			rv, err := ev.resolveEntity(sensorKey, spec.ID, binding.Entity, bulk, &unavailable)
			if err != nil {
				return resolved, dedupe(unavailable), err
			}
			rv.Reference = name
			resolved[name] = rv

		case formula.BindingFormula:
			if binding.Formula == nil {
				return resolved, dedupe(unavailable), formula.NewError(formula.CodeDataValidation,
					"variable %q declares a formula binding with no formula", name).
					WithSensor(sensorKey, spec.ID)
			}
			sub := ev.evaluateSpec(sensorKey, binding.Formula, nil, ctx, depth+1)
			if sub.State == "error" {
				return resolved, dedupe(unavailable), sub.Err
			}
			rv := ReferenceValue{Reference: name, Value: sub.Value}
			if sub.Value == nil {
				rv.State = stateKind(sub.State)
				unavailable = append(unavailable, name)
			}
			resolved[name] = rv
		}
	}

	return resolved, dedupe(unavailable), nil
}

// dependenciesOf returns the classified dependencies, reusing the graph
// node's classification when the formula evaluates as part of a sensor pass.
func (ev *Evaluator) dependenciesOf(spec *formula.FormulaSpec, node *depgraph.Node) ([]classify.Reference, map[string]classify.Aggregate) {
	if node != nil {
		return node.Dependencies, node.Aggregates
	}
	res := classify.Classify(spec, ev.classifyOptions())
	return res.References, res.Aggregates
}

// bulkFetch runs the bulk provider callback once for the wanted entities.
func (ev *Evaluator) bulkFetch(entityIDs []string) map[string]ProvidedValue {
	if ev.bulk == nil || len(entityIDs) == 0 {
		return nil
	}
	return ev.bulk(entityIDs)
}

// resolveStateToken resolves "state" or "state.<attr>" against the pass
// context. The bare token is always pre-seeded during a sensor pass; a
// missing dotted form falls back to the bare attribute name, then degrades
// to unknown.
func (ev *Evaluator) resolveStateToken(tok string, ctx *Context, unavailable *[]string) ReferenceValue {
	if rv, ok := ctx.Lookup(tok); ok {
		if !rv.Concrete() {
			*unavailable = append(*unavailable, tok)
		}
		return rv
	}
	if len(tok) > len(formula.ReservedStateToken)+1 {
		attr := tok[len(formula.ReservedStateToken)+1:]
		if rv, ok := ctx.Lookup(attr); ok {
			rv.Reference = tok
			if !rv.Concrete() {
				*unavailable = append(*unavailable, tok)
			}
			return rv
		}
	}
	*unavailable = append(*unavailable, tok)
	return ReferenceValue{Reference: tok, State: formula.AlternateUnknown}
}

// resolveEntity resolves one external entity through the provider chain:
// cross-sensor value table, then the bulk callback answer, then the
// synchronous StateProvider. Permanent
// absence is fatal; transient unavailability degrades to an alternate
// binding carrying the last known good value when the journal has one.
func (ev *Evaluator) resolveEntity(
	sensorKey, formulaID, entityID string,
	bulk map[string]ProvidedValue,
	unavailable *[]string,
) (ReferenceValue, error) {
	// Registered sensors resolve through the cross-sensor table first, so
	// references rewritten to assigned identifiers observe published values
	// without a host round trip.
	if rv, ok := ev.values.Lookup(entityID); ok {
		rv.Reference = entityID
		if !rv.Concrete() {
			*unavailable = append(*unavailable, entityID)
		}
		return rv, nil
	}

	if pv, answered := bulk[entityID]; answered && pv.Exists {
		rv := ReferenceValue{Reference: entityID, Value: pv.Value}
		if pv.Value == nil {
			rv.State = formula.AlternateUnknown
			ev.seedLastValid(&rv, entityID)
			*unavailable = append(*unavailable, entityID)
		}
		return rv, nil
	}

	if ev.provider == nil {
		return ReferenceValue{}, formula.NewError(formula.CodeMissingDependency,
			"entity %q cannot be resolved: no state provider configured", entityID).
			WithSensor(sensorKey, formulaID).WithRefs(entityID)
	}

	v, err := ev.provider.Get(entityID)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return ReferenceValue{}, formula.NewError(formula.CodeMissingDependency,
				"entity %q not found", entityID).Wrap(err).
				WithSensor(sensorKey, formulaID).WithRefs(entityID)
		}
		if isTransitory(err) {
			rv := ReferenceValue{Reference: entityID, State: formula.AlternateUnavailable}
			ev.seedLastValid(&rv, entityID)
			*unavailable = append(*unavailable, entityID)
			return rv, nil
		}
		return ReferenceValue{}, formula.NewError(formula.CodeBackingEntity,
			"entity %q lookup failed", entityID).Wrap(err).
			WithSensor(sensorKey, formulaID).WithRefs(entityID)
	}

	if v == nil {
		rv := ReferenceValue{Reference: entityID, State: formula.AlternateUnknown}
		ev.seedLastValid(&rv, entityID)
		*unavailable = append(*unavailable, entityID)
		return rv, nil
	}
	return ReferenceValue{Reference: entityID, Value: v}, nil
}

// resolveAggregate computes a collection aggregate eagerly so its value
// participates in the context fingerprint; the expression-level function
// call then reads the precomputed result.
func (ev *Evaluator) resolveAggregate(
	sensorKey, formulaID, canonical string,
	agg classify.Aggregate,
	unavailable *[]string,
) (ReferenceValue, error) {
	if ev.collections == nil {
		return ReferenceValue{}, formula.NewError(formula.CodeDataValidation,
			"aggregate %s requires an entity collections provider", canonical).
			WithSensor(sensorKey, formulaID).WithRefs(canonical)
	}

	values, err := ev.collections.Match(agg)
	if err != nil {
		if isTransitory(err) {
			*unavailable = append(*unavailable, canonical)
			return ReferenceValue{Reference: canonical, State: formula.AlternateUnavailable}, nil
		}
		return ReferenceValue{}, formula.NewError(formula.CodeMissingDependency,
			"aggregate %s cannot be resolved", canonical).Wrap(err).
			WithSensor(sensorKey, formulaID).WithRefs(canonical)
	}

	result, err := aggregate(agg.Func, values)
	if err != nil {
		// Empty collections degrade rather than abort.
		*unavailable = append(*unavailable, canonical)
		return ReferenceValue{Reference: canonical, State: formula.AlternateUnknown}, nil
	}
	return ReferenceValue{Reference: canonical, Value: result}, nil
}

// seedLastValid attaches the journal's last known good value to an
// alternate binding.
func (ev *Evaluator) seedLastValid(rv *ReferenceValue, reference string) {
	if ev.recorder == nil {
		return
	}
	if v, at, ok := ev.recorder.LastValid(reference); ok {
		rv.LastValid = v
		rv.LastValidAt = at
	}
}

// nativeBindings lowers resolved bindings into the expression environment.
// Alternate bindings lower to nil; aggregate results are exposed through
// function bindings that return the precomputed value for the pattern the
// expression names.
func (ev *Evaluator) nativeBindings(spec *formula.FormulaSpec, node *depgraph.Node, resolved map[string]ReferenceValue) map[string]any {
	_, aggs := ev.dependenciesOf(spec, node)

	env := make(map[string]any, len(resolved))
	aggFuncs := make(map[string]bool, len(aggs))
	for _, agg := range aggs {
		aggFuncs[agg.Func] = true
	}

	// Canonical aggregate names never enter the environment as plain
	// bindings; the function closures below serve them.
	for name, rv := range resolved {
		if _, isAgg := aggs[name]; isAgg {
			continue
		}
		env[name] = formula.Native(rv.Value)
	}

	for fn := range aggFuncs {
		fn := fn
		env[fn] = func(pattern string) (any, error) {
			canonical := fn + `("` + pattern + `")`
			rv, ok := resolved[canonical]
			if !ok {
				return nil, fmt.Errorf("aggregate %s was not resolved", canonical)
			}
			if rv.Value == nil {
				return nil, fmt.Errorf("aggregate %s is %s", canonical, rv.State)
			}
			return formula.Native(rv.Value), nil
		}
	}

	return env
}

// dedupe sorts and deduplicates the unavailable-reference list so results
// are deterministic.
func dedupe(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	sort.Strings(refs)
	out := refs[:0]
	for i, r := range refs {
		if i == 0 || refs[i-1] != r {
			out = append(out, r)
		}
	}
	return out
}
