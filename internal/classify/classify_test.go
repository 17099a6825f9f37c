package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/formula"
)

func opts() Options {
	return Options{
		AttributeNames: map[string]bool{"daily_total": true},
		SensorKeys:     map[string]bool{"other_sensor": true, "daily_total": true},
		DomainPrefixes: map[string]bool{"sensor": true, "binary_sensor": true},
	}
}

func refIDs(refs []Reference, kind RefKind) []string {
	var out []string
	for _, r := range refs {
		if r.Kind == kind {
			out = append(out, r.ID)
		}
	}
	return out
}

func TestClassify_StateToken(t *testing.T) {
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "state + 1"}, opts())
	assert.Equal(t, []string{"state"}, refIDs(res.References, RefStateToken))
}

func TestClassify_DottedStateToken(t *testing.T) {
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "state.daily_total * 2"}, opts())
	assert.Equal(t, []string{"state.daily_total"}, refIDs(res.References, RefStateToken))
}

func TestClassify_ExternalEntityByDomainPrefix(t *testing.T) {
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "sensor.kitchen_power + binary_sensor.door"}, opts())
	assert.Equal(t, []string{"binary_sensor.door", "sensor.kitchen_power"}, refIDs(res.References, RefExternalEntity))
}

func TestClassify_AttributeShadowsSensorKey(t *testing.T) {
	// "daily_total" is both an attribute of this sensor and another
	// sensor's key; local scope wins.
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "daily_total / 24"}, opts())
	assert.Equal(t, []string{"daily_total"}, refIDs(res.References, RefAttribute))
	assert.Empty(t, refIDs(res.References, RefCrossSensor))
}

func TestClassify_CrossSensorKey(t *testing.T) {
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "other_sensor * 2"}, opts())
	assert.Equal(t, []string{"other_sensor"}, refIDs(res.References, RefCrossSensor))
}

func TestClassify_UnknownBareTokenDefaultsToAttribute(t *testing.T) {
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "mystery + 1"}, opts())
	assert.Equal(t, []string{"mystery"}, refIDs(res.References, RefAttribute))
}

func TestClassify_DeclaredVariablesAreNotReferences(t *testing.T) {
	res := Classify(&formula.FormulaSpec{
		ID:         "f",
		Expression: "rate * hours",
		Variables: map[string]formula.VariableBinding{
			"rate":  formula.NumberBinding(0.25),
			"hours": formula.NumberBinding(24),
		},
	}, opts())
	assert.Empty(t, res.References)
}

func TestClassify_EntityBoundVariableContributesEntity(t *testing.T) {
	res := Classify(&formula.FormulaSpec{
		ID:         "f",
		Expression: "power * 2",
		Variables: map[string]formula.VariableBinding{
			"power": formula.EntityBinding("sensor.kitchen_power"),
		},
	}, opts())
	assert.Equal(t, []string{"sensor.kitchen_power"}, refIDs(res.References, RefExternalEntity))
}

func TestClassify_FormulaBoundVariableRecurses(t *testing.T) {
	res := Classify(&formula.FormulaSpec{
		ID:         "f",
		Expression: "base + 1",
		Variables: map[string]formula.VariableBinding{
			"base": formula.FormulaBinding(&formula.FormulaSpec{
				ID:         "base",
				Expression: "sensor.grid_power * 2",
			}),
		},
	}, opts())
	assert.Equal(t, []string{"sensor.grid_power"}, refIDs(res.References, RefExternalEntity))
}

func TestClassify_DeclaredDependenciesMerged(t *testing.T) {
	res := Classify(&formula.FormulaSpec{
		ID:                   "f",
		Expression:           "1 + 1",
		DeclaredDependencies: map[string]bool{"sensor.extra": true},
	}, opts())
	assert.Equal(t, []string{"sensor.extra"}, refIDs(res.References, RefExternalEntity))
}

func TestClassify_StringLiteralsNeverTokenize(t *testing.T) {
	res := Classify(&formula.FormulaSpec{
		ID:         "f",
		Expression: `x == "sensor.fake_entity"`,
	}, opts())
	assert.Empty(t, refIDs(res.References, RefExternalEntity))
	assert.Equal(t, []string{"x"}, refIDs(res.References, RefAttribute))
}

func TestClassify_FunctionCallNamesSkipped(t *testing.T) {
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "abs(x) + round(y)"}, opts())
	ids := refIDs(res.References, RefAttribute)
	assert.Equal(t, []string{"x", "y"}, ids)
}

func TestClassify_AggregateExtraction(t *testing.T) {
	res := Classify(&formula.FormulaSpec{
		ID:         "f",
		Expression: `sum("device_class:power|!sensor.excluded") / count("sensor.circuit_*")`,
	}, opts())

	aggIDs := refIDs(res.References, RefCollectionAggregate)
	require.Len(t, aggIDs, 2)
	require.Len(t, res.Aggregates, 2)

	sumAgg := res.Aggregates[`sum("device_class:power|!sensor.excluded")`]
	assert.Equal(t, "sum", sumAgg.Func)
	assert.Equal(t, "device_class", sumAgg.FilterType)
	assert.Equal(t, "power", sumAgg.FilterValue)
	assert.Equal(t, []string{"sensor.excluded"}, sumAgg.Exclusions)

	countAgg := res.Aggregates[`count("sensor.circuit_*")`]
	assert.Equal(t, "entity_id", countAgg.FilterType)
	assert.Equal(t, "sensor.circuit_*", countAgg.FilterValue)

	// The quoted patterns are masked, never read as entity references.
	assert.Empty(t, refIDs(res.References, RefExternalEntity))
}

func TestClassify_MinWithPlainArgsIsNotAggregate(t *testing.T) {
	res := Classify(&formula.FormulaSpec{ID: "f", Expression: "min(x, y)"}, opts())
	assert.Empty(t, res.Aggregates)
	assert.Equal(t, []string{"x", "y"}, refIDs(res.References, RefAttribute))
}

func TestClassify_ReferencesSortedAndDeduplicated(t *testing.T) {
	res := Classify(&formula.FormulaSpec{
		ID:         "f",
		Expression: "sensor.b + sensor.a + sensor.b",
	}, opts())
	assert.Equal(t, []string{"sensor.a", "sensor.b"}, refIDs(res.References, RefExternalEntity))
}
