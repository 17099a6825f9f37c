package formula

import (
	"fmt"
	"strconv"
)

// Value is a sealed interface for concrete formula results.
// Only Number, Text, and Bool implement it. A nil Value means "no concrete
// value" and is always paired with an AlternateKind (see Outcome).
type Value interface {
	value() // sealed
	String() string
}

// Number is a numeric value. Formulas are arithmetic, so float64 is the
// native representation; integral results print without a decimal point.
type Number float64

func (Number) value() {}

// String formats the number the way the host displays sensor states:
// integral values without a trailing ".0".
func (n Number) String() string {
	f := float64(n)
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Text is a string value.
type Text string

func (Text) value() {}

func (t Text) String() string { return string(t) }

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

func (b Bool) String() string {
	if b {
		return "true"
	}
	return "false"
}

// FromNative converts a native Go value (as returned by the expression
// engine) into a Value. Nil converts to a nil Value, signalling absent.
func FromNative(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return Number(val), nil
	case float32:
		return Number(val), nil
	case int:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case uint64:
		return Number(val), nil
	case bool:
		return Bool(val), nil
	case string:
		return Text(val), nil
	default:
		return nil, fmt.Errorf("unsupported result type %T", v)
	}
}

// Native converts a Value to the native Go representation used as an
// expression binding. Nil values convert to nil.
func Native(v Value) any {
	switch val := v.(type) {
	case nil:
		return nil
	case Number:
		return float64(val)
	case Text:
		return string(val)
	case Bool:
		return bool(val)
	default:
		return nil
	}
}
