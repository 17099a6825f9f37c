package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("x + 1")
	b := Fingerprint("x + 1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_NFCNormalization(t *testing.T) {
	// U+00E9 (precomposed) vs U+0065 U+0301 (combining): visually identical
	// text must share identity.
	composed := Fingerprint("café")
	decomposed := Fingerprint("café")
	assert.Equal(t, composed, decomposed)
}

func TestFingerprint_DomainSeparation(t *testing.T) {
	// The same bytes hashed under different domains must not collide.
	expr := Fingerprint("x")
	ctx := ContextFingerprint(map[string]Value{"x": Text("x")})
	assert.NotEqual(t, expr, ctx)
}

func TestContextFingerprint_OrderIndependent(t *testing.T) {
	a := ContextFingerprint(map[string]Value{"a": Number(1), "b": Number(2)})
	b := ContextFingerprint(map[string]Value{"b": Number(2), "a": Number(1)})
	assert.Equal(t, a, b)
}

func TestContextFingerprint_AlternateNeverCollidesWithConcrete(t *testing.T) {
	concrete := ContextFingerprint(map[string]Value{"x": Number(0)})
	alternate := ContextFingerprint(map[string]Value{"x": nil})
	assert.NotEqual(t, concrete, alternate)
}

func TestVariablesFingerprint_DiscriminatesBindings(t *testing.T) {
	byNumber := VariablesFingerprint(map[string]VariableBinding{"r": NumberBinding(1)})
	byOther := VariablesFingerprint(map[string]VariableBinding{"r": NumberBinding(2)})
	byEntity := VariablesFingerprint(map[string]VariableBinding{"r": EntityBinding("sensor.rate")})
	assert.NotEqual(t, byNumber, byOther)
	assert.NotEqual(t, byNumber, byEntity)
}

// Any difference in formula text, context values, or variable bindings must
// produce a distinct cache key; identical inputs must produce an identical
// key.
func TestKeyFor_Discrimination(t *testing.T) {
	spec := &FormulaSpec{ID: "a", Expression: "x + 1"}
	ctx := map[string]Value{"x": Number(10)}

	base := KeyFor(spec, ctx)
	same := KeyFor(&FormulaSpec{ID: "b", Expression: "x + 1"}, map[string]Value{"x": Number(10)})
	assert.Equal(t, base, same, "identity is content, not formula ID")

	otherExpr := KeyFor(&FormulaSpec{ID: "a", Expression: "x + 2"}, ctx)
	assert.NotEqual(t, base.FormulaHash, otherExpr.FormulaHash)

	otherCtx := KeyFor(spec, map[string]Value{"x": Number(11)})
	assert.NotEqual(t, base.ContextHash, otherCtx.ContextHash)

	otherVars := KeyFor(&FormulaSpec{
		ID: "a", Expression: "x + 1",
		Variables: map[string]VariableBinding{"x": EntityBinding("sensor.x")},
	}, ctx)
	assert.NotEqual(t, base.VariablesHash, otherVars.VariablesHash)
}
