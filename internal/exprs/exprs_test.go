package exprs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/formula"
)

func TestEvaluate_Arithmetic(t *testing.T) {
	e := New()
	out, err := e.Evaluate("x + 1", map[string]any{"x": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, float64(11), out)
}

func TestEvaluate_DottedBindingsResolveThroughMemberAccess(t *testing.T) {
	e := New()
	out, err := e.Evaluate("sensor.kitchen_power * 2", map[string]any{
		"sensor.kitchen_power": float64(5),
	})
	require.NoError(t, err)
	assert.Equal(t, float64(10), out)
}

func TestEvaluate_BoolAndString(t *testing.T) {
	e := New()
	out, err := e.Evaluate(`active ? "on" : "off"`, map[string]any{"active": true})
	require.NoError(t, err)
	assert.Equal(t, "on", out)
}

func TestEvaluate_MalformedExpressionIsDataValidation(t *testing.T) {
	e := New()
	_, err := e.Evaluate("x +* 1", map[string]any{"x": float64(1)})
	require.Error(t, err)
	assert.True(t, formula.IsDataValidation(err))
}

func TestEvaluate_ProgramsMemoizedByFingerprint(t *testing.T) {
	e := New()

	for i := 0; i < 5; i++ {
		_, err := e.Evaluate("x + 1", map[string]any{"x": float64(i)})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.CachedPrograms())

	_, err := e.Evaluate("x + 2", map[string]any{"x": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, e.CachedPrograms())
}

func TestEvaluate_FunctionBindings(t *testing.T) {
	e := New()
	out, err := e.Evaluate(`sum("sensor.circuit_*") / 2`, map[string]any{
		"sum": func(pattern string) (any, error) { return float64(10), nil },
	})
	require.NoError(t, err)
	assert.Equal(t, float64(5), out)
}

func TestEvaluate_AggregateNamesShadowBuiltins(t *testing.T) {
	// count, min, and max collide with builtin array functions; the
	// string-pattern call form must compile and dispatch to the bound
	// function instead.
	e := New()
	env := map[string]any{
		"count": func(pattern string) (any, error) { return float64(3), nil },
		"min":   func(pattern string) (any, error) { return float64(2), nil },
		"max":   func(pattern string) (any, error) { return float64(9), nil },
	}
	out, err := e.Evaluate(`count("sensor.a_*") + min("sensor.b_*") + max("sensor.c_*")`, env)
	require.NoError(t, err)
	assert.Equal(t, float64(14), out)
}

func TestNestBindings_NestedWinsOnCollision(t *testing.T) {
	env := nestBindings(map[string]any{
		"sensor":       float64(1),
		"sensor.power": float64(2),
	})
	nested, ok := env["sensor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), nested["power"])
}
