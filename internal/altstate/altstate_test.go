package altstate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/derive/internal/formula"
)

func TestDetectBinding(t *testing.T) {
	kind, alt := DetectBinding(formula.Number(1), formula.AlternateUnknown)
	assert.False(t, alt)
	assert.Equal(t, formula.AlternateKind(0), kind)

	kind, alt = DetectBinding(nil, formula.AlternateUnavailable)
	assert.True(t, alt)
	assert.Equal(t, formula.AlternateUnavailable, kind)
}

func TestShortCircuit_SingleAlternateBinding(t *testing.T) {
	kind, short := ShortCircuit(1, map[string]formula.AlternateKind{
		"x": formula.AlternateUnknown,
	})
	require.True(t, short)
	assert.Equal(t, formula.AlternateUnknown, kind)
}

func TestShortCircuit_RequiresExactlyOneBinding(t *testing.T) {
	// Two bindings, one alternate: the expression may still use the
	// concrete one, so no shortcut.
	_, short := ShortCircuit(2, map[string]formula.AlternateKind{
		"x": formula.AlternateUnknown,
	})
	assert.False(t, short)

	// Single concrete binding: nothing to skip.
	_, short = ShortCircuit(1, nil)
	assert.False(t, short)
}

func TestDominant_SeverityOrder(t *testing.T) {
	assert.Equal(t, formula.AlternateUnavailable, Dominant(map[string]formula.AlternateKind{
		"a": formula.AlternateUnknown,
		"b": formula.AlternateUnavailable,
		"c": formula.AlternateAbsent,
	}))
	assert.Equal(t, formula.AlternateUnknown, Dominant(map[string]formula.AlternateKind{
		"a": formula.AlternateAbsent,
		"b": formula.AlternateUnknown,
	}))
	assert.Equal(t, formula.AlternateAbsent, Dominant(map[string]formula.AlternateKind{
		"a": formula.AlternateAbsent,
	}))
	assert.Equal(t, formula.AlternateAbsent, Dominant(nil))
}

func TestClassifyResult_ByMessage(t *testing.T) {
	assert.Equal(t, formula.AlternateUnavailable,
		ClassifyResult(nil, errors.New("entity sensor.x is unavailable")))
	assert.Equal(t, formula.AlternateUnknown,
		ClassifyResult(nil, errors.New("value unknown")))
	assert.Equal(t, formula.AlternateAbsent,
		ClassifyResult(nil, errors.New("something else")))
	assert.Equal(t, formula.AlternateAbsent, ClassifyResult(nil, nil))
}

func TestDispatch_SpecificBeatsFallback(t *testing.T) {
	spec := &formula.HandlerSpec{
		Unknown:  formula.LiteralAction(formula.Number(0)),
		Fallback: formula.LiteralAction(formula.Number(-1)),
	}

	action, ok := Dispatch(spec, formula.AlternateUnknown)
	require.True(t, ok)
	assert.Equal(t, formula.Number(0), action.Literal)
}

func TestDispatch_FallbackWhenNoSpecific(t *testing.T) {
	spec := &formula.HandlerSpec{
		Fallback: formula.LiteralAction(formula.Number(-1)),
	}

	action, ok := Dispatch(spec, formula.AlternateUnavailable)
	require.True(t, ok)
	assert.Equal(t, formula.Number(-1), action.Literal)
}

func TestDispatch_SpecificLiteralAbsentStillWins(t *testing.T) {
	// A state-specific handler configured as the literal absent value takes
	// priority over the fallback.
	spec := &formula.HandlerSpec{
		Unavailable: formula.LiteralAction(nil),
		Fallback:    formula.LiteralAction(formula.Number(-1)),
	}

	action, ok := Dispatch(spec, formula.AlternateUnavailable)
	require.True(t, ok)
	assert.Nil(t, action.Literal)
}

func TestDispatch_NoneConfigured(t *testing.T) {
	_, ok := Dispatch(nil, formula.AlternateUnknown)
	assert.False(t, ok)

	_, ok = Dispatch(&formula.HandlerSpec{}, formula.AlternateUnknown)
	assert.False(t, ok)
}
