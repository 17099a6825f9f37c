package formula

// ReservedStateToken is the identifier bound to a sensor's own most recent
// main-formula value. Formulas use it for self-reference and recurrence;
// the cross-sensor resolver rewrites self-references to this token.
const ReservedStateToken = "state"

// FormulaSpec is one user-authored formula: the expression text, its declared
// variables, and an optional alternate-state handler. Specs are immutable
// once loaded; configuration reload replaces them wholesale.
type FormulaSpec struct {
	// ID is unique within the owning sensor. The main formula's ID doubles
	// as the sensor key; attribute formula IDs double as attribute names.
	ID string `json:"id"`

	// Expression is the formula text, opaque to this package.
	Expression string `json:"expression"`

	// Variables maps names used in the expression to their bindings.
	Variables map[string]VariableBinding `json:"variables,omitempty"`

	// DeclaredDependencies lists references the author declared explicitly,
	// merged with classifier output during graph construction.
	DeclaredDependencies map[string]bool `json:"declared_dependencies,omitempty"`

	// Handler configures alternate-state handling. Nil means no handlers:
	// an alternate result stays alternate.
	Handler *HandlerSpec `json:"handler,omitempty"`
}

// BindingKind discriminates the variants of VariableBinding.
type BindingKind int

const (
	// BindingNumber is a numeric literal. Contributes no dependency.
	BindingNumber BindingKind = iota
	// BindingBool is a boolean literal. Contributes no dependency.
	BindingBool
	// BindingEntity references an external entity by identifier.
	BindingEntity
	// BindingFormula is a computed sub-formula evaluated before the parent.
	BindingFormula
)

// VariableBinding is one of: numeric literal, boolean literal,
// external-entity reference, or computed sub-formula.
type VariableBinding struct {
	Kind    BindingKind  `json:"kind"`
	Number  float64      `json:"number,omitempty"`
	Bool    bool         `json:"bool,omitempty"`
	Entity  string       `json:"entity,omitempty"`
	Formula *FormulaSpec `json:"formula,omitempty"`
}

// NumberBinding creates a numeric literal binding.
func NumberBinding(n float64) VariableBinding {
	return VariableBinding{Kind: BindingNumber, Number: n}
}

// BoolBinding creates a boolean literal binding.
func BoolBinding(b bool) VariableBinding {
	return VariableBinding{Kind: BindingBool, Bool: b}
}

// EntityBinding creates an external-entity reference binding.
func EntityBinding(entityID string) VariableBinding {
	return VariableBinding{Kind: BindingEntity, Entity: entityID}
}

// FormulaBinding creates a computed sub-formula binding.
func FormulaBinding(spec *FormulaSpec) VariableBinding {
	return VariableBinding{Kind: BindingFormula, Formula: spec}
}

// IsLiteral reports whether the binding contributes no dependency.
func (b VariableBinding) IsLiteral() bool {
	return b.Kind == BindingNumber || b.Kind == BindingBool
}

// SensorSpec is an ordered list of formulas: index 0 is the main formula,
// the rest are attribute formulas. EntityID may be empty until the host
// assigns a final identifier during registration.
type SensorSpec struct {
	UniqueID string        `json:"unique_id"`
	EntityID string        `json:"entity_id,omitempty"`
	Formulas []FormulaSpec `json:"formulas"`
}

// Main returns the sensor's main formula, or nil for an empty spec.
func (s *SensorSpec) Main() *FormulaSpec {
	if len(s.Formulas) == 0 {
		return nil
	}
	return &s.Formulas[0]
}

// Attributes returns the attribute formulas (everything after the main).
func (s *SensorSpec) Attributes() []FormulaSpec {
	if len(s.Formulas) <= 1 {
		return nil
	}
	return s.Formulas[1:]
}

// AttributeNames returns the IDs of all attribute formulas.
// Used to parameterize dependency classification.
func (s *SensorSpec) AttributeNames() map[string]bool {
	names := make(map[string]bool, len(s.Formulas))
	for _, f := range s.Attributes() {
		names[f.ID] = true
	}
	return names
}

// HandlerActionKind discriminates literal handlers from nested formulas.
type HandlerActionKind int

const (
	// HandlerLiteral substitutes a fixed value (which may itself be the
	// absent value, i.e. a nil Value).
	HandlerLiteral HandlerActionKind = iota
	// HandlerFormula evaluates a nested formula through the same pipeline.
	HandlerFormula
)

// HandlerAction is one configured response to an alternate state: either a
// literal value or a nested formula.
type HandlerAction struct {
	Kind       HandlerActionKind `json:"kind"`
	Literal    Value             `json:"literal,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

// LiteralAction creates a literal handler action. A nil value is a valid
// configuration meaning "explicitly map to absent".
func LiteralAction(v Value) *HandlerAction {
	return &HandlerAction{Kind: HandlerLiteral, Literal: v}
}

// FormulaAction creates a nested-formula handler action.
func FormulaAction(expression string) *HandlerAction {
	return &HandlerAction{Kind: HandlerFormula, Expression: expression}
}

// HandlerSpec maps alternate states to handler actions. A non-nil
// state-specific action takes priority over Fallback even when its value is
// the literal absent value; a nil action falls through to Fallback.
type HandlerSpec struct {
	Absent      *HandlerAction `json:"absent,omitempty"`
	Unknown     *HandlerAction `json:"unknown,omitempty"`
	Unavailable *HandlerAction `json:"unavailable,omitempty"`
	Fallback    *HandlerAction `json:"fallback,omitempty"`
}

// ForState returns the configured action for the given alternate state,
// applying dispatch priority: state-specific, then fallback. The second
// return is false when no handler applies.
func (h *HandlerSpec) ForState(kind AlternateKind) (*HandlerAction, bool) {
	if h == nil {
		return nil, false
	}
	var specific *HandlerAction
	switch kind {
	case AlternateAbsent:
		specific = h.Absent
	case AlternateUnknown:
		specific = h.Unknown
	case AlternateUnavailable:
		specific = h.Unavailable
	}
	if specific != nil {
		return specific, true
	}
	if h.Fallback != nil {
		return h.Fallback, true
	}
	return nil, false
}
