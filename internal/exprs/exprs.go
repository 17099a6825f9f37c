// Package exprs hosts the opaque expression primitive behind a small
// interface. The surface grammar, function library, and VM belong to the
// expression engine; the evaluator only sees
// Evaluate(expression, bindings) -> (value, error).
package exprs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/derive/internal/formula"
)

// Engine evaluates an expression against named bindings.
// Implemented by ExprEngine (production) and test fakes.
type Engine interface {
	Evaluate(expression string, bindings map[string]any) (any, error)
}

// ExprEngine compiles expressions with expr-lang and memoizes compiled
// programs by formula fingerprint, so repeated evaluation of the same
// formula text skips the parse.
//
// Thread-safety: the program cache is mutex-guarded; vm.Run is re-entrant.
type ExprEngine struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// New creates an ExprEngine with an empty program cache.
func New() *ExprEngine {
	return &ExprEngine{programs: make(map[string]*vm.Program)}
}

// compileOptions disables the array builtins whose names collide with the
// collection-aggregate functions. Aggregate calls take a string pattern and
// are served by environment function bindings; the builtins' array-typed
// signatures would reject them during the compile-time check.
var compileOptions = []expr.Option{
	expr.AllowUndefinedVariables(),
	expr.DisableBuiltin("sum"),
	expr.DisableBuiltin("count"),
	expr.DisableBuiltin("min"),
	expr.DisableBuiltin("max"),
}

// Evaluate compiles (or reuses) the expression and runs it against the
// bindings. Dotted binding names are expanded into nested maps so an
// identifier like "sensor.kitchen_power" resolves through member access.
//
// A compile failure is a malformed expression: fatal, reported as a
// DATA_VALIDATION error.
func (e *ExprEngine) Evaluate(expression string, bindings map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, formula.NewError(formula.CodeDataValidation,
			"malformed expression %q", expression).Wrap(err)
	}

	out, err := vm.Run(program, nestBindings(bindings))
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return out, nil
}

// compile returns the cached program for the expression, compiling on miss.
func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	key := formula.Fingerprint(expression)

	e.mu.Lock()
	program, ok := e.programs[key]
	e.mu.Unlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, compileOptions...)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[key] = program
	e.mu.Unlock()
	return program, nil
}

// CachedPrograms returns the number of memoized programs.
// Used for testing and diagnostics.
func (e *ExprEngine) CachedPrograms() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.programs)
}

// nestBindings expands dotted names into nested maps:
// {"sensor.a": 1} becomes {"sensor": {"a": 1}}. Plain names pass through.
// When a prefix collides with a plain binding the nested form wins, since
// the dotted reference is the one the expression actually uses.
func nestBindings(flat map[string]any) map[string]any {
	env := make(map[string]any, len(flat))

	for name, val := range flat {
		if !strings.Contains(name, ".") {
			if _, taken := env[name]; !taken {
				env[name] = val
			}
			continue
		}

		parts := strings.Split(name, ".")
		cursor := env
		for i, part := range parts {
			if i == len(parts)-1 {
				cursor[part] = val
				break
			}
			next, ok := cursor[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cursor[part] = next
			}
			cursor = next
		}
	}

	return env
}
