package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumber_StringDropsTrailingZero(t *testing.T) {
	assert.Equal(t, "11", Number(11).String())
	assert.Equal(t, "0", Number(0).String())
	assert.Equal(t, "-3", Number(-3).String())
	assert.Equal(t, "2.5", Number(2.5).String())
}

func TestFromNative_SupportedTypes(t *testing.T) {
	v, err := FromNative(float64(1.5))
	require.NoError(t, err)
	assert.Equal(t, Number(1.5), v)

	v, err = FromNative(int(7))
	require.NoError(t, err)
	assert.Equal(t, Number(7), v)

	v, err = FromNative(true)
	require.NoError(t, err)
	assert.Equal(t, Bool(true), v)

	v, err = FromNative("on")
	require.NoError(t, err)
	assert.Equal(t, Text("on"), v)
}

func TestFromNative_NilMeansAbsent(t *testing.T) {
	v, err := FromNative(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestFromNative_RejectsUnsupportedShape(t *testing.T) {
	_, err := FromNative([]int{1, 2})
	require.Error(t, err)
}

func TestNative_RoundTrip(t *testing.T) {
	assert.Equal(t, float64(2.5), Native(Number(2.5)))
	assert.Equal(t, "x", Native(Text("x")))
	assert.Equal(t, true, Native(Bool(true)))
	assert.Nil(t, Native(nil))
}

func TestOutcome_Variants(t *testing.T) {
	ok := OK(Number(1))
	assert.True(t, ok.IsValue())
	assert.False(t, ok.IsAlternate())

	alt := AlternateOutcome(AlternateUnavailable)
	assert.True(t, alt.IsAlternate())
	assert.Equal(t, "unavailable", alt.Alternate.String())

	fatal := FatalOutcome(NewError(CodeDataValidation, "bad"))
	assert.True(t, fatal.IsFatal())
}

func TestError_CodeHelpers(t *testing.T) {
	err := NewError(CodeMissingDependency, "entity %q missing", "sensor.x").
		WithSensor("energy", "energy").WithRefs("sensor.x")

	assert.True(t, IsMissingDependency(err))
	assert.False(t, IsBreakerOpen(err))
	assert.Contains(t, err.Error(), "MISSING_DEPENDENCY")
	assert.Contains(t, err.Error(), "sensor=energy")
	assert.Contains(t, err.Error(), "sensor.x")
}

func TestError_UnwrapChain(t *testing.T) {
	cause := NewError(CodeDataValidation, "inner")
	outer := NewError(CodeBreakerOpen, "open").Wrap(cause)

	assert.True(t, IsBreakerOpen(outer))
	assert.ErrorIs(t, outer, cause)
}
