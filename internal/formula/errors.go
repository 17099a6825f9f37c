package formula

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes fatal evaluation errors. All codes here are fatal:
// transitory unavailability is represented as an alternate-state Outcome,
// never as an error.
type ErrorCode string

const (
	// CodeMissingDependency indicates a required external entity or
	// declared variable cannot be found.
	CodeMissingDependency ErrorCode = "MISSING_DEPENDENCY"

	// CodeDataValidation indicates a provider returned a value of the
	// wrong shape, or a formula/handler is structurally invalid.
	CodeDataValidation ErrorCode = "DATA_VALIDATION"

	// CodeBackingEntity indicates a backing or self-reference entity
	// cannot be located.
	CodeBackingEntity ErrorCode = "BACKING_ENTITY"

	// CodeCrossSensorResolution indicates the cross-sensor rewrite was
	// invoked before registration completed, or a reference is
	// unresolvable.
	CodeCrossSensorResolution ErrorCode = "CROSS_SENSOR_RESOLUTION"

	// CodeBreakerOpen indicates the formula's circuit breaker has tripped
	// and evaluation was skipped without being attempted.
	CodeBreakerOpen ErrorCode = "BREAKER_OPEN"
)

// Error is a structured fatal error with enough context to diagnose which
// sensor and formula failed without re-running the pass.
type Error struct {
	Code    ErrorCode
	Message string
	Sensor  string
	Formula string
	Refs    []string // offending references, if known
	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Sensor != "" {
		fmt.Fprintf(&b, " (sensor=%s", e.Sensor)
		if e.Formula != "" {
			fmt.Fprintf(&b, ", formula=%s", e.Formula)
		}
		b.WriteByte(')')
	}
	if len(e.Refs) > 0 {
		fmt.Fprintf(&b, " refs=[%s]", strings.Join(e.Refs, ", "))
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// NewError creates a structured error with the given code.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithSensor attaches sensor/formula context and returns the error.
func (e *Error) WithSensor(sensor, formula string) *Error {
	e.Sensor = sensor
	e.Formula = formula
	return e
}

// WithRefs attaches offending reference identifiers and returns the error.
func (e *Error) WithRefs(refs ...string) *Error {
	e.Refs = append(e.Refs, refs...)
	return e
}

// Wrap attaches an underlying cause and returns the error.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// IsCode reports whether err is (or wraps) a structured Error with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsMissingDependency reports a MISSING_DEPENDENCY error.
func IsMissingDependency(err error) bool { return IsCode(err, CodeMissingDependency) }

// IsDataValidation reports a DATA_VALIDATION error.
func IsDataValidation(err error) bool { return IsCode(err, CodeDataValidation) }

// IsBackingEntity reports a BACKING_ENTITY error.
func IsBackingEntity(err error) bool { return IsCode(err, CodeBackingEntity) }

// IsCrossSensorResolution reports a CROSS_SENSOR_RESOLUTION error.
func IsCrossSensorResolution(err error) bool { return IsCode(err, CodeCrossSensorResolution) }

// IsBreakerOpen reports a BREAKER_OPEN error.
func IsBreakerOpen(err error) bool { return IsCode(err, CodeBreakerOpen) }
