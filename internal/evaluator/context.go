package evaluator

import (
	"sort"
	"time"

	"github.com/roach88/derive/internal/formula"
)

// ReferenceValue is the unit of context binding: the value together with
// the provenance of which reference produced it, plus the last known good
// value so self-reference and recovery semantics never re-query external
// state mid-pass.
//
// A nil Value means the binding is an alternate-state sentinel of kind
// State; dependents may use the sentinel or invoke their own handlers.
type ReferenceValue struct {
	Reference   string
	Value       formula.Value
	State       formula.AlternateKind
	LastValid   formula.Value
	LastValidAt time.Time
}

// Concrete reports whether the binding carries a usable value.
func (rv ReferenceValue) Concrete() bool { return rv.Value != nil }

// Context is the name → ReferenceValue mapping for one evaluation pass.
// Built incrementally in planner order and discarded after use; never
// shared across sensors.
type Context struct {
	bindings map[string]ReferenceValue
	order    []string // bind order, for deterministic iteration
}

// NewContext creates a context seeded from base bindings (which the host
// may pre-populate, e.g. for ad hoc evaluation). Base bindings bind in
// sorted name order so Names() is deterministic.
func NewContext(base map[string]ReferenceValue) *Context {
	ctx := &Context{bindings: make(map[string]ReferenceValue, len(base)+8)}
	names := make([]string, 0, len(base))
	for name := range base {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx.Bind(name, base[name])
	}
	return ctx
}

// Bind inserts or replaces a binding.
func (c *Context) Bind(name string, rv ReferenceValue) {
	if _, exists := c.bindings[name]; !exists {
		c.order = append(c.order, name)
	}
	c.bindings[name] = rv
}

// Lookup returns the binding for a name.
func (c *Context) Lookup(name string) (ReferenceValue, bool) {
	rv, ok := c.bindings[name]
	return rv, ok
}

// Len returns the binding count.
func (c *Context) Len() int { return len(c.bindings) }

// Names returns binding names in bind order.
func (c *Context) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Values extracts the concrete value view used for fingerprinting:
// alternate bindings contribute nil values.
func (c *Context) Values() map[string]formula.Value {
	out := make(map[string]formula.Value, len(c.bindings))
	for name, rv := range c.bindings {
		out[name] = rv.Value
	}
	return out
}
