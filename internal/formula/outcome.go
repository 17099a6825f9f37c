package formula

import "fmt"

// AlternateKind enumerates the "no concrete value" states.
type AlternateKind int

const (
	// AlternateAbsent means no value was produced at all.
	AlternateAbsent AlternateKind = iota
	// AlternateUnknown means the source exists but its value is not known.
	AlternateUnknown
	// AlternateUnavailable means the source is temporarily unreachable.
	AlternateUnavailable
)

// String returns the host-facing state word.
func (k AlternateKind) String() string {
	switch k {
	case AlternateAbsent:
		return "absent"
	case AlternateUnknown:
		return "unknown"
	case AlternateUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("alternate(%d)", int(k))
	}
}

// OutcomeKind discriminates the variants of Outcome.
type OutcomeKind int

const (
	// OutcomeValue is a concrete evaluated value.
	OutcomeValue OutcomeKind = iota
	// OutcomeAlternate is an alternate-state sentinel; dependents may still
	// proceed and apply their own handlers.
	OutcomeAlternate
	// OutcomeFatal aborts the owning sensor's evaluation pass.
	OutcomeFatal
)

// Outcome is the tagged result type threaded through the evaluation call
// chain. Alternate states are ordinary results here, not exceptions, so
// transitory conditions never use error control flow.
type Outcome struct {
	Kind      OutcomeKind
	Value     Value
	Alternate AlternateKind
	Err       error
}

// OK creates a concrete-value outcome. A nil value is not a valid concrete
// result; callers map nil to AbsentOutcome before reaching here.
func OK(v Value) Outcome {
	return Outcome{Kind: OutcomeValue, Value: v}
}

// AlternateOutcome creates an alternate-state outcome.
func AlternateOutcome(kind AlternateKind) Outcome {
	return Outcome{Kind: OutcomeAlternate, Alternate: kind}
}

// FatalOutcome creates a fatal outcome carrying the underlying error.
func FatalOutcome(err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Err: err}
}

// IsValue reports whether the outcome carries a concrete value.
func (o Outcome) IsValue() bool { return o.Kind == OutcomeValue }

// IsAlternate reports whether the outcome is an alternate-state sentinel.
func (o Outcome) IsAlternate() bool { return o.Kind == OutcomeAlternate }

// IsFatal reports whether the outcome aborts the evaluation pass.
func (o Outcome) IsFatal() bool { return o.Kind == OutcomeFatal }

// String renders the outcome for logs and journal rows.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeValue:
		return fmt.Sprintf("value(%s)", o.Value)
	case OutcomeAlternate:
		return o.Alternate.String()
	case OutcomeFatal:
		return fmt.Sprintf("fatal(%v)", o.Err)
	default:
		return fmt.Sprintf("outcome(%d)", int(o.Kind))
	}
}
