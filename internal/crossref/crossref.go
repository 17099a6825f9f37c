// Package crossref resolves cross-sensor references in three phases:
// detection of which sensors reference which other sensors, registration
// tracking until every expected sensor has a host-assigned identifier, and
// the rewrite of formula text from configuration keys to final identifiers.
//
// The rewrite never mutates loaded specs; it deep-copies and returns new
// ones, so resolution is repeatable and loaded configuration stays pristine.
package crossref

import (
	"sort"
	"strings"
	"sync"

	"log/slog"

	"github.com/roach88/derive/internal/classify"
	"github.com/roach88/derive/internal/formula"
)

// DetectReferences is phase one: for each sensor, the set of sensor
// configuration keys its formulas reference, self-references included.
// Returned slices are sorted for deterministic iteration.
func DetectReferences(sensors []formula.SensorSpec, domainPrefixes map[string]bool) map[string][]string {
	keys := make(map[string]bool, len(sensors))
	for i := range sensors {
		keys[sensors[i].UniqueID] = true
	}

	out := make(map[string][]string, len(sensors))
	for i := range sensors {
		s := &sensors[i]
		opts := classify.Options{
			AttributeNames: s.AttributeNames(),
			SensorKeys:     keys,
			DomainPrefixes: domainPrefixes,
		}

		found := make(map[string]bool)
		for j := range s.Formulas {
			res := classify.Classify(&s.Formulas[j], opts)
			for _, ref := range res.References {
				if ref.Kind == classify.RefCrossSensor {
					found[ref.ID] = true
				}
			}
			// A formula naming its own sensor key is a self-reference. When
			// the key collides with an attribute name the classifier reports
			// the attribute (local scope shadows the fleet), so the textual
			// check catches it either way.
			if containsToken(s.Formulas[j].Expression, s.UniqueID) {
				found[s.UniqueID] = true
			}
			// Variables bound to entity values may name sensor keys too.
			collectVariableRefs(&s.Formulas[j], keys, found)
		}

		refs := make([]string, 0, len(found))
		for key := range found {
			refs = append(refs, key)
		}
		sort.Strings(refs)
		out[s.UniqueID] = refs
	}
	return out
}

// collectVariableRefs records entity-bound variables whose value names a
// sensor configuration key, recursing through nested formula bindings.
func collectVariableRefs(spec *formula.FormulaSpec, keys, found map[string]bool) {
	for _, binding := range spec.Variables {
		switch binding.Kind {
		case formula.BindingEntity:
			if keys[binding.Entity] {
				found[binding.Entity] = true
			}
		case formula.BindingFormula:
			if binding.Formula != nil {
				collectVariableRefs(binding.Formula, keys, found)
			}
		}
	}
}

// CompletionFunc runs exactly once, when the last expected sensor
// registers.
type CompletionFunc func()

// Replacement records one rewritten token.
type Replacement struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// Summary is the per-sensor rewrite report.
type Summary struct {
	Sensor       string        `json:"sensor"`
	Replacements []Replacement `json:"replacements,omitempty"`
}

// Resolver is phases two and three: it tracks registration of the expected
// sensor set and performs the key-to-identifier rewrite once registration
// completes.
type Resolver struct {
	mu         sync.Mutex
	expected   map[string]bool
	assigned   map[string]string
	onComplete CompletionFunc
	fired      bool
	summaries  map[string]Summary
	log        *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCompletion sets the exactly-once completion callback.
func WithCompletion(fn CompletionFunc) Option {
	return func(r *Resolver) { r.onComplete = fn }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// NewResolver creates a Resolver expecting the given sensor keys to
// register before resolution may run.
func NewResolver(expected []string, opts ...Option) *Resolver {
	r := &Resolver{
		expected:  make(map[string]bool, len(expected)),
		assigned:  make(map[string]string),
		summaries: make(map[string]Summary),
		log:       slog.Default(),
	}
	for _, key := range expected {
		r.expected[key] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a sensor's host-assigned identifier. Registering the
// same key again updates the assignment without re-firing the completion
// callback. Keys outside the expected set are recorded but do not gate
// completion.
func (r *Resolver) Register(key, assignedID string) {
	r.mu.Lock()
	r.assigned[key] = assignedID
	complete := r.completeLocked()
	fire := complete && !r.fired && r.onComplete != nil
	if fire {
		r.fired = true
	}
	cb := r.onComplete
	r.mu.Unlock()

	r.log.Debug("sensor registration recorded", "key", key, "assigned", assignedID)
	if fire {
		r.log.Info("cross-sensor registration complete")
		cb()
	}
}

// Unregister removes a sensor's assignment. Completion does not rewind:
// the callback never fires twice.
func (r *Resolver) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assigned, key)
}

// Pending returns the expected keys still awaiting registration, sorted.
func (r *Resolver) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for key := range r.expected {
		if _, ok := r.assigned[key]; !ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Complete reports whether every expected sensor has registered.
func (r *Resolver) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeLocked()
}

func (r *Resolver) completeLocked() bool {
	for key := range r.expected {
		if _, ok := r.assigned[key]; !ok {
			return false
		}
	}
	return true
}

// AssignedID returns the registered identifier for a key.
func (r *Resolver) AssignedID(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.assigned[key]
	return id, ok
}

// Summaries returns the rewrite reports produced so far, keyed by sensor.
func (r *Resolver) Summaries() map[string]Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Summary, len(r.summaries))
	for k, v := range r.summaries {
		out[k] = v
	}
	return out
}

// Resolve is phase three: it returns a deep copy of the sensor with every
// cross-sensor configuration key rewritten to its assigned identifier, and
// self-references rewritten to the reserved state token. Resolving before
// registration completes is an error; resolving an already-resolved spec is
// a no-op rewrite.
func (r *Resolver) Resolve(sensor *formula.SensorSpec) (*formula.SensorSpec, Summary, error) {
	r.mu.Lock()
	if !r.completeLocked() {
		var pending []string
		for key := range r.expected {
			if _, ok := r.assigned[key]; !ok {
				pending = append(pending, key)
			}
		}
		sort.Strings(pending)
		r.mu.Unlock()
		return nil, Summary{}, formula.NewError(formula.CodeCrossSensorResolution,
			"resolution invoked before registration completed").
			WithSensor(sensor.UniqueID, "").WithRefs(pending...)
	}

	subst := make(map[string]string, len(r.assigned)+2)
	for key, id := range r.assigned {
		if key == sensor.UniqueID {
			subst[key] = formula.ReservedStateToken
			continue
		}
		if id != "" {
			subst[key] = id
		}
	}
	// A formula may name its owning sensor by entity id or assigned
	// identifier as well as by configuration key; all collapse to the
	// reserved state token rather than an external read of itself.
	if sensor.EntityID != "" {
		subst[sensor.EntityID] = formula.ReservedStateToken
	}
	if id := r.assigned[sensor.UniqueID]; id != "" {
		subst[id] = formula.ReservedStateToken
	}
	r.mu.Unlock()

	resolved := copySensor(sensor)
	counts := make(map[[2]string]int)
	for i := range resolved.Formulas {
		rewriteFormula(&resolved.Formulas[i], subst, counts)
	}

	summary := Summary{Sensor: sensor.UniqueID}
	edges := make([][2]string, 0, len(counts))
	for edge := range counts {
		edges = append(edges, edge)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i][0] < edges[j][0] })
	for _, edge := range edges {
		summary.Replacements = append(summary.Replacements, Replacement{
			From: edge[0], To: edge[1], Count: counts[edge],
		})
	}

	r.mu.Lock()
	r.summaries[sensor.UniqueID] = summary
	r.mu.Unlock()

	r.log.Debug("sensor resolved",
		"sensor", sensor.UniqueID,
		"replacements", len(summary.Replacements),
	)
	return resolved, summary, nil
}

// rewriteFormula applies the substitution map to one formula: expression
// text, declared dependencies, entity-bound and nested formula variables,
// and handler expressions.
func rewriteFormula(spec *formula.FormulaSpec, subst map[string]string, counts map[[2]string]int) {
	spec.Expression = rewriteExpression(spec.Expression, subst, counts)

	if len(spec.DeclaredDependencies) > 0 {
		deps := make(map[string]bool, len(spec.DeclaredDependencies))
		for dep := range spec.DeclaredDependencies {
			if to, ok := subst[dep]; ok {
				counts[[2]string{dep, to}]++
				deps[to] = true
			} else {
				deps[dep] = true
			}
		}
		spec.DeclaredDependencies = deps
	}

	for name, binding := range spec.Variables {
		switch binding.Kind {
		case formula.BindingFormula:
			if binding.Formula != nil {
				rewriteFormula(binding.Formula, subst, counts)
				spec.Variables[name] = binding
			}
		case formula.BindingEntity:
			if to, ok := subst[binding.Entity]; ok {
				counts[[2]string{binding.Entity, to}]++
				binding.Entity = to
				spec.Variables[name] = binding
			}
		}
	}

	if spec.Handler != nil {
		for _, action := range []*formula.HandlerAction{
			spec.Handler.Absent, spec.Handler.Unknown,
			spec.Handler.Unavailable, spec.Handler.Fallback,
		} {
			if action != nil && action.Kind == formula.HandlerFormula {
				action.Expression = rewriteExpression(action.Expression, subst, counts)
			}
		}
	}
}

// rewriteExpression replaces whole identifier tokens outside string
// literals. Substring matches inside longer identifiers never rewrite, so
// "power" does not touch "power_total".
func rewriteExpression(expression string, subst map[string]string, counts map[[2]string]int) string {
	var b strings.Builder
	b.Grow(len(expression))

	i := 0
	for i < len(expression) {
		c := expression[i]

		if c == '"' || c == '\'' {
			j := skipString(expression, i)
			b.WriteString(expression[i:j])
			i = j
			continue
		}

		if isIdentByte(c) && !isDigit(c) {
			j := i
			for j < len(expression) && isIdentByte(expression[j]) {
				j++
			}
			tok := expression[i:j]
			if to, ok := subst[tok]; ok {
				counts[[2]string{tok, to}]++
				b.WriteString(to)
			} else if dot := strings.IndexByte(tok, '.'); dot > 0 && subst[tok[:dot]] != "" {
				// A key used with member access ("other_sensor.state")
				// rewrites only the key segment.
				to := subst[tok[:dot]]
				counts[[2]string{tok[:dot], to}]++
				b.WriteString(to)
				b.WriteString(tok[dot:])
			} else {
				b.WriteString(tok)
			}
			i = j
			continue
		}

		b.WriteByte(c)
		i++
	}
	return b.String()
}

// containsToken reports whether the expression contains the identifier as
// a whole token outside string literals.
func containsToken(expression, token string) bool {
	i := 0
	for i < len(expression) {
		c := expression[i]
		if c == '"' || c == '\'' {
			i = skipString(expression, i)
			continue
		}
		if isIdentByte(c) && !isDigit(c) {
			j := i
			for j < len(expression) && isIdentByte(expression[j]) {
				j++
			}
			if expression[i:j] == token {
				return true
			}
			i = j
			continue
		}
		i++
	}
	return false
}

// skipString advances past a quoted literal starting at i, honoring
// backslash escapes.
func skipString(s string, i int) int {
	quote := s[i]
	j := i + 1
	for j < len(s) {
		if s[j] == '\\' {
			j += 2
			continue
		}
		if s[j] == quote {
			return j + 1
		}
		j++
	}
	return j
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// copySensor deep-copies a sensor spec so rewrites never alias loaded
// configuration.
func copySensor(s *formula.SensorSpec) *formula.SensorSpec {
	out := &formula.SensorSpec{
		UniqueID: s.UniqueID,
		EntityID: s.EntityID,
		Formulas: make([]formula.FormulaSpec, len(s.Formulas)),
	}
	for i := range s.Formulas {
		out.Formulas[i] = copyFormula(&s.Formulas[i])
	}
	return out
}

func copyFormula(f *formula.FormulaSpec) formula.FormulaSpec {
	out := formula.FormulaSpec{
		ID:         f.ID,
		Expression: f.Expression,
	}
	if len(f.Variables) > 0 {
		out.Variables = make(map[string]formula.VariableBinding, len(f.Variables))
		for name, binding := range f.Variables {
			if binding.Kind == formula.BindingFormula && binding.Formula != nil {
				nested := copyFormula(binding.Formula)
				binding.Formula = &nested
			}
			out.Variables[name] = binding
		}
	}
	if len(f.DeclaredDependencies) > 0 {
		out.DeclaredDependencies = make(map[string]bool, len(f.DeclaredDependencies))
		for dep := range f.DeclaredDependencies {
			out.DeclaredDependencies[dep] = true
		}
	}
	if f.Handler != nil {
		h := &formula.HandlerSpec{}
		h.Absent = copyAction(f.Handler.Absent)
		h.Unknown = copyAction(f.Handler.Unknown)
		h.Unavailable = copyAction(f.Handler.Unavailable)
		h.Fallback = copyAction(f.Handler.Fallback)
		out.Handler = h
	}
	return out
}

func copyAction(a *formula.HandlerAction) *formula.HandlerAction {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
