// Package altstate detects and classifies "no value" conditions before and
// after expression evaluation, and selects the user-configured handler for
// them. Handler execution itself runs through the main evaluation pipeline;
// this package only decides what should run.
package altstate

import (
	"strings"

	"github.com/roach88/derive/internal/formula"
)

// DetectBinding classifies a context binding: a nil value is an alternate
// state of the recorded kind.
func DetectBinding(v formula.Value, kind formula.AlternateKind) (formula.AlternateKind, bool) {
	if v == nil {
		return kind, true
	}
	return 0, false
}

// ShortCircuit implements the pre-evaluation optimization: when a
// formula's context holds exactly one bound variable and that variable is
// itself an alternate state, full expression evaluation is skipped and the
// result goes straight to handler dispatch.
//
// states maps binding names to their alternate kind; concrete bindings are
// absent from the map. total is the full binding count.
func ShortCircuit(total int, states map[string]formula.AlternateKind) (formula.AlternateKind, bool) {
	if total != 1 || len(states) != 1 {
		return 0, false
	}
	for _, kind := range states {
		return kind, true
	}
	return 0, false
}

// Dominant returns the most severe alternate kind among degraded bindings:
// unavailable outranks unknown outranks absent. states uses the same shape
// as ShortCircuit.
func Dominant(states map[string]formula.AlternateKind) formula.AlternateKind {
	out := formula.AlternateAbsent
	for _, kind := range states {
		switch kind {
		case formula.AlternateUnavailable:
			return formula.AlternateUnavailable
		case formula.AlternateUnknown:
			out = formula.AlternateUnknown
		}
	}
	return out
}

// ClassifyResult maps a post-evaluation outcome onto an alternate state.
// A nil result is Absent. An error whose message mentions "unavailable"
// maps to Unavailable, "unknown" to Unknown; anything else falls back to
// Absent as last resort. Callers only route transitory-classified errors
// here; fatal errors abort the pass instead.
func ClassifyResult(v formula.Value, err error) formula.AlternateKind {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "unavailable"):
			return formula.AlternateUnavailable
		case strings.Contains(msg, "unknown"):
			return formula.AlternateUnknown
		default:
			return formula.AlternateAbsent
		}
	}
	if v == nil {
		return formula.AlternateAbsent
	}
	return formula.AlternateAbsent
}

// Dispatch selects the handler action for an alternate state.
//
// Priority: state-specific handler (even when its value is the literal
// absent value), then the generic fallback, then none, in which case the
// formula result stays alternate and the sensor reports unavailable.
func Dispatch(spec *formula.HandlerSpec, kind formula.AlternateKind) (*formula.HandlerAction, bool) {
	return spec.ForState(kind)
}
