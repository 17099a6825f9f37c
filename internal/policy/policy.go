// Package policy implements the two-tier error policy: a per-formula
// circuit breaker for fatal errors and counted-but-never-tripping handling
// for transitory ones.
//
// Fatal means permanent misconfiguration: malformed expression, entity
// permanently missing, declared-variable resolution failure. Transitory
// means the dependency exists but is temporarily unknown or unavailable;
// the sensor degrades to "unknown" and recovers on its own.
package policy

import (
	"errors"
	"sync"

	"github.com/roach88/derive/internal/formula"
)

// DefaultFatalThreshold is the consecutive-fatal count that trips a
// formula's breaker.
const DefaultFatalThreshold = 5

// Class is the severity tier of an evaluation failure.
type Class int

const (
	// ClassTransitory failures degrade the result to an alternate state.
	ClassTransitory Class = iota
	// ClassFatal failures abort the sensor's pass and count toward the
	// breaker.
	ClassFatal
)

// Counters is the per-formula error bookkeeping. Both counters reset to
// zero on any successful (non-alternate-state) evaluation.
type Counters struct {
	Fatal      int
	Transitory int
}

// ErrorPolicy is shared across evaluation passes; all mutations serialize
// under one lock.
type ErrorPolicy struct {
	mu        sync.Mutex
	threshold int
	counters  map[string]*Counters

	// tripped holds the last fatal error per open breaker, reported as a
	// cheap cached result without re-invoking evaluation.
	tripped map[string]error
}

// Option configures an ErrorPolicy.
type Option func(*ErrorPolicy)

// WithFatalThreshold overrides the breaker trip threshold.
func WithFatalThreshold(n int) Option {
	return func(p *ErrorPolicy) { p.threshold = n }
}

// New creates an ErrorPolicy.
func New(opts ...Option) *ErrorPolicy {
	p := &ErrorPolicy{
		threshold: DefaultFatalThreshold,
		counters:  make(map[string]*Counters),
		tripped:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Allow reports whether the formula may be evaluated. When the breaker is
// open it returns a BREAKER_OPEN error wrapping the original fatal cause;
// callers surface it without attempting evaluation.
func (p *ErrorPolicy) Allow(formulaID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cause, open := p.tripped[formulaID]; open {
		return formula.NewError(formula.CodeBreakerOpen,
			"circuit breaker open for %s", formulaID).Wrap(cause)
	}
	return nil
}

// RecordFatal counts a fatal failure and trips the breaker once the
// threshold is reached. The counter never grows past the threshold: once
// the breaker is open, evaluation is skipped, so nothing increments it.
// Returns true when this call tripped the breaker.
func (p *ErrorPolicy) RecordFatal(formulaID string, cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.countersLocked(formulaID)
	if c.Fatal >= p.threshold {
		return false
	}
	c.Fatal++
	if c.Fatal >= p.threshold {
		p.tripped[formulaID] = cause
		return true
	}
	return false
}

// RecordTransitory counts a transitory failure. Transitory growth never
// trips the breaker; every evaluation attempt still runs.
func (p *ErrorPolicy) RecordTransitory(formulaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countersLocked(formulaID).Transitory++
}

// RecordSuccess resets both counters and closes the breaker.
func (p *ErrorPolicy) RecordSuccess(formulaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, formulaID)
	delete(p.tripped, formulaID)
}

// Reset clears one formula's breaker and counters (manual clear, e.g. a
// configuration reload).
func (p *ErrorPolicy) Reset(formulaID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counters, formulaID)
	delete(p.tripped, formulaID)
}

// ResetAll clears every breaker and counter.
func (p *ErrorPolicy) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = make(map[string]*Counters)
	p.tripped = make(map[string]error)
}

// CountersFor returns a snapshot of a formula's counters.
func (p *ErrorPolicy) CountersFor(formulaID string) Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[formulaID]; ok {
		return *c
	}
	return Counters{}
}

// Tripped reports whether the formula's breaker is open.
func (p *ErrorPolicy) Tripped(formulaID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, open := p.tripped[formulaID]
	return open
}

func (p *ErrorPolicy) countersLocked(formulaID string) *Counters {
	c, ok := p.counters[formulaID]
	if !ok {
		c = &Counters{}
		p.counters[formulaID] = c
	}
	return c
}

// Classify assigns a severity tier to an evaluation error. Structured
// errors with fatal codes, malformed expressions, and missing entities are
// fatal; TransitoryError (and anything wrapping one) is transitory.
func Classify(err error) Class {
	var te *TransitoryError
	if errors.As(err, &te) {
		return ClassTransitory
	}
	return ClassFatal
}

// TransitoryError marks a failure as temporary: the referenced entity
// exists but is in an unknown/unavailable state, or a retryable lookup
// failed. Carries the alternate state the result degrades to.
type TransitoryError struct {
	Reference string
	State     formula.AlternateKind
	cause     error
}

// NewTransitoryError creates a TransitoryError for a reference.
func NewTransitoryError(reference string, state formula.AlternateKind, cause error) *TransitoryError {
	return &TransitoryError{Reference: reference, State: state, cause: cause}
}

// Error implements the error interface.
func (e *TransitoryError) Error() string {
	return "transitory: " + e.Reference + " is " + e.State.String()
}

// Unwrap exposes the underlying cause.
func (e *TransitoryError) Unwrap() error { return e.cause }
