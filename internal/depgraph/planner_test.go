package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/classify"
	"github.com/roach88/derive/internal/formula"
)

func buildOpts() classify.Options {
	return classify.Options{
		DomainPrefixes: map[string]bool{"sensor": true},
	}
}

func sensorOf(id string, formulas ...formula.FormulaSpec) *formula.SensorSpec {
	return &formula.SensorSpec{UniqueID: id, EntityID: "sensor." + id, Formulas: formulas}
}

func TestOrder_IndependentNodesKeepDeclarationOrder(t *testing.T) {
	s := sensorOf("power",
		formula.FormulaSpec{ID: "power", Expression: "sensor.a + 1"},
		formula.FormulaSpec{ID: "first", Expression: "sensor.b"},
		formula.FormulaSpec{ID: "second", Expression: "sensor.c"},
	)
	g, err := BuildSensorGraph(s, buildOpts())
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"power", "first", "second"}, order)
}

func TestOrder_ProducersBeforeConsumers(t *testing.T) {
	// "total" depends on attribute "rate"; rate must evaluate first even
	// though total is declared first (it is the main formula).
	s := sensorOf("total",
		formula.FormulaSpec{ID: "total", Expression: "rate * 24"},
		formula.FormulaSpec{ID: "rate", Expression: "sensor.rate_raw"},
	)
	g, err := BuildSensorGraph(s, buildOpts())
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"rate", "total"}, order)
}

// Every edge must point forward in the produced order.
func TestOrder_TopologicalValidity(t *testing.T) {
	s := sensorOf("main",
		formula.FormulaSpec{ID: "main", Expression: "a + b"},
		formula.FormulaSpec{ID: "a", Expression: "c * 2"},
		formula.FormulaSpec{ID: "b", Expression: "c + d"},
		formula.FormulaSpec{ID: "c", Expression: "sensor.raw"},
		formula.FormulaSpec{ID: "d", Expression: "sensor.other"},
	)
	g, err := BuildSensorGraph(s, buildOpts())
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	require.Len(t, order, 5)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, n := range g.Nodes() {
		for _, consumer := range g.Dependents(n.ID) {
			assert.Less(t, pos[n.ID], pos[consumer],
				"%s must evaluate before %s", n.ID, consumer)
		}
	}
}

func TestOrder_Deterministic(t *testing.T) {
	s := sensorOf("m",
		formula.FormulaSpec{ID: "m", Expression: "x + y + z"},
		formula.FormulaSpec{ID: "x", Expression: "1"},
		formula.FormulaSpec{ID: "y", Expression: "2"},
		formula.FormulaSpec{ID: "z", Expression: "3"},
	)

	var first []string
	for i := 0; i < 20; i++ {
		g, err := BuildSensorGraph(s, buildOpts())
		require.NoError(t, err)
		order, err := g.Order()
		require.NoError(t, err)
		if first == nil {
			first = order
			continue
		}
		require.Equal(t, first, order)
	}
}

func TestOrder_CycleReportsExactRemainder(t *testing.T) {
	// a <-> b is the cycle; "downstream" merely consumes it and must not
	// appear in the remainder.
	s := sensorOf("m",
		formula.FormulaSpec{ID: "m", Expression: "1"},
		formula.FormulaSpec{ID: "a", Expression: "b + 1"},
		formula.FormulaSpec{ID: "b", Expression: "a + 1"},
		formula.FormulaSpec{ID: "downstream", Expression: "a * 2"},
	)
	g, err := BuildSensorGraph(s, buildOpts())
	require.NoError(t, err)

	_, err = g.Order()
	require.Error(t, err)

	var cyc *CircularDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, []string{"a", "b"}, cyc.Remainder)
	assert.NotContains(t, cyc.Remainder, "downstream")
	assert.Contains(t, err.Error(), "CIRCULAR_DEPENDENCY")
}

func TestOrder_ThreeNodeCycle(t *testing.T) {
	s := sensorOf("m",
		formula.FormulaSpec{ID: "m", Expression: "1"},
		formula.FormulaSpec{ID: "a", Expression: "c"},
		formula.FormulaSpec{ID: "b", Expression: "a"},
		formula.FormulaSpec{ID: "c", Expression: "b"},
	)
	g, err := BuildSensorGraph(s, buildOpts())
	require.NoError(t, err)

	_, err = g.Order()
	var cyc *CircularDependencyError
	require.ErrorAs(t, err, &cyc)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cyc.Remainder)
}

func TestOrder_StateTokenIsNotACycle(t *testing.T) {
	// Recurrence through the reserved token reads the previous cycle's
	// value; it never creates a graph edge.
	s := sensorOf("counter",
		formula.FormulaSpec{ID: "counter", Expression: "state + 1"},
	)
	g, err := BuildSensorGraph(s, buildOpts())
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"counter"}, order)
}

func TestBuildSensorGraph_MainProducesSensorKeys(t *testing.T) {
	s := sensorOf("energy",
		formula.FormulaSpec{ID: "energy", Expression: "sensor.raw"},
		formula.FormulaSpec{ID: "doubled", Expression: "energy * 2"},
	)
	g, err := BuildSensorGraph(s, buildOpts())
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"energy", "doubled"}, order)
	assert.Equal(t, []string{"doubled"}, g.Dependents("energy"))
}

func TestBuildSensorGraph_RejectsEmptySensor(t *testing.T) {
	_, err := BuildSensorGraph(&formula.SensorSpec{UniqueID: "empty"}, buildOpts())
	require.Error(t, err)
}

func TestBuildSensorGraph_RejectsDuplicateIDs(t *testing.T) {
	s := sensorOf("m",
		formula.FormulaSpec{ID: "m", Expression: "1"},
		formula.FormulaSpec{ID: "dup", Expression: "1"},
		formula.FormulaSpec{ID: "dup", Expression: "2"},
	)
	_, err := BuildSensorGraph(s, buildOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
