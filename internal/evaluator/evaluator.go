// Package evaluator drives formula evaluation: it builds per-sensor
// evaluation contexts in planner order, consults the result cache, applies
// the error policy and alternate-state handling at every node, and exposes
// the operations the host orchestrator consumes.
package evaluator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/roach88/derive/internal/altstate"
	"github.com/roach88/derive/internal/cache"
	"github.com/roach88/derive/internal/classify"
	"github.com/roach88/derive/internal/depgraph"
	"github.com/roach88/derive/internal/exprs"
	"github.com/roach88/derive/internal/formula"
	"github.com/roach88/derive/internal/policy"
)

// DefaultMaxHandlerDepth bounds recursive alternate-state handler chains.
// A handler formula that itself degrades to an alternate state may invoke
// further handlers; without a bound a misconfigured chain would recurse
// forever.
const DefaultMaxHandlerDepth = 8

// DefaultDomainPrefixes are the external-entity domain prefixes recognized
// when no explicit set is configured.
var DefaultDomainPrefixes = map[string]bool{
	"sensor":         true,
	"binary_sensor":  true,
	"number":         true,
	"input_number":   true,
	"input_boolean":  true,
	"switch":         true,
	"climate":        true,
	"weather":        true,
	"sun":            true,
	"device_tracker": true,
}

// Recorder persists per-node outcomes and last-valid values.
// Implemented by journal.Journal; nil disables recording.
type Recorder interface {
	Record(cycleToken, sensor, node string, out formula.Outcome) error
	LastValid(reference string) (formula.Value, time.Time, bool)
	StoreLastValid(reference string, v formula.Value, at time.Time) error
}

// EvaluationResult is the structured outcome surfaced to the host.
type EvaluationResult struct {
	Success bool          `json:"success"`
	Value   formula.Value `json:"value,omitempty"`
	// State is "ok" for concrete results, otherwise the alternate-state
	// word ("absent", "unknown", "unavailable") or "error".
	State string `json:"state"`
	Err   error  `json:"error,omitempty"`
	// UnavailableDependencies lists references that resolved to an
	// alternate state during this evaluation.
	UnavailableDependencies []string `json:"unavailable_dependencies,omitempty"`
}

// SensorResult is one full per-sensor pass.
type SensorResult struct {
	Sensor     string
	Main       EvaluationResult
	Attributes map[string]EvaluationResult
	Context    *Context
}

// Evaluator owns the long-lived shared state (cache, error policy, value
// table) and the per-pass pipeline. Graphs and contexts are rebuilt per
// pass and discarded, so passes never see each other's partial state.
type Evaluator struct {
	engine      exprs.Engine
	cache       *cache.ResultCache
	policy      *policy.ErrorPolicy
	values      *ValueTable
	provider    StateProvider
	bulk        DataProviderCallback
	collections EntityCollections
	recorder    Recorder
	log         *slog.Logger

	maxHandlerDepth int
	domainPrefixes  map[string]bool

	sensors    map[string]*formula.SensorSpec
	sensorDeps map[string]map[string]bool // entity id -> dependent sensor keys
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithEngine injects the expression engine.
func WithEngine(e exprs.Engine) Option { return func(ev *Evaluator) { ev.engine = e } }

// WithCache injects a result cache.
func WithCache(c *cache.ResultCache) Option { return func(ev *Evaluator) { ev.cache = c } }

// WithPolicy injects an error policy.
func WithPolicy(p *policy.ErrorPolicy) Option { return func(ev *Evaluator) { ev.policy = p } }

// WithStateProvider sets the host's entity state provider.
func WithStateProvider(p StateProvider) Option { return func(ev *Evaluator) { ev.provider = p } }

// WithDataProvider sets the optional bulk provider callback.
func WithDataProvider(cb DataProviderCallback) Option { return func(ev *Evaluator) { ev.bulk = cb } }

// WithCollections sets the aggregate dependency-discovery collaborator.
func WithCollections(c EntityCollections) Option { return func(ev *Evaluator) { ev.collections = c } }

// WithRecorder attaches an evaluation journal.
func WithRecorder(r Recorder) Option { return func(ev *Evaluator) { ev.recorder = r } }

// WithMaxHandlerDepth overrides the handler recursion bound.
func WithMaxHandlerDepth(n int) Option { return func(ev *Evaluator) { ev.maxHandlerDepth = n } }

// WithDomainPrefixes overrides the external-entity prefixes.
func WithDomainPrefixes(prefixes map[string]bool) Option {
	return func(ev *Evaluator) { ev.domainPrefixes = prefixes }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option { return func(ev *Evaluator) { ev.log = l } }

// New creates an Evaluator with defaults for anything not injected.
func New(opts ...Option) *Evaluator {
	ev := &Evaluator{
		engine:          exprs.New(),
		cache:           cache.New(),
		policy:          policy.New(),
		values:          NewValueTable(),
		log:             slog.Default(),
		maxHandlerDepth: DefaultMaxHandlerDepth,
		domainPrefixes:  DefaultDomainPrefixes,
		sensors:         make(map[string]*formula.SensorSpec),
		sensorDeps:      make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Values returns the cross-sensor value table.
func (ev *Evaluator) Values() *ValueTable { return ev.values }

// CacheStats returns the cache counter snapshot.
func (ev *Evaluator) CacheStats() cache.Stats { return ev.cache.Stats() }

// StartCycle opens a coordinated update cycle and returns its token.
func (ev *Evaluator) StartCycle() string {
	token := ev.cache.StartCycle()
	ev.log.Info("update cycle started", "cycle", token)
	return token
}

// EndCycle closes the update cycle.
func (ev *Evaluator) EndCycle() {
	ev.log.Info("update cycle ended", "cycle", ev.cache.CycleToken())
	ev.cache.EndCycle()
}

// SetSensors replaces the known sensor set wholesale (configuration
// reload). Clears the cache, the error policy, and the value table: stale
// breakers and entries must not outlive the configuration that caused
// them.
func (ev *Evaluator) SetSensors(sensors []formula.SensorSpec) {
	ev.sensors = make(map[string]*formula.SensorSpec, len(sensors))
	ev.sensorDeps = make(map[string]map[string]bool)

	opts := ev.classifyOptions()
	for i := range sensors {
		s := &sensors[i]
		ev.sensors[s.UniqueID] = s
		for j := range s.Formulas {
			res := classify.Classify(&s.Formulas[j], opts)
			for _, ref := range res.References {
				if ref.Kind != classify.RefExternalEntity {
					continue
				}
				if ev.sensorDeps[ref.ID] == nil {
					ev.sensorDeps[ref.ID] = make(map[string]bool)
				}
				ev.sensorDeps[ref.ID][s.UniqueID] = true
			}
		}
	}

	ev.cache.Clear()
	ev.policy.ResetAll()
	ev.values.Reset()
	ev.log.Info("sensor set replaced", "sensors", len(sensors))
}

// Sensor returns a known sensor spec by unique ID.
func (ev *Evaluator) Sensor(key string) (*formula.SensorSpec, bool) {
	s, ok := ev.sensors[key]
	return s, ok
}

// RegisterSensor records a host registration: the sensor's final assigned
// identifier and initial value.
func (ev *Evaluator) RegisterSensor(key, assignedID string, initial formula.Value) {
	ev.values.Register(key, assignedID, initial)
	ev.log.Debug("sensor registered", "key", key, "assigned", assignedID)
}

// UpdateSensorValue publishes a sensor's externally observed value into the
// cross-sensor table.
func (ev *Evaluator) UpdateSensorValue(key string, v formula.Value) {
	ev.values.Update(key, v)
}

// UnregisterSensor removes a sensor from the cross-sensor table.
func (ev *Evaluator) UnregisterSensor(key string) {
	ev.values.Unregister(key)
}

// NotifyChanged is the selective re-evaluation hook: given the entity ids
// whose backing data changed, it returns the sensor keys that depend on
// them, in deterministic order.
func (ev *Evaluator) NotifyChanged(changed map[string]bool) []string {
	affected := make(map[string]bool)
	for id := range changed {
		for key := range ev.sensorDeps[id] {
			affected[key] = true
		}
	}
	out := make([]string, 0, len(affected))
	for key := range affected {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// EvaluationOrder returns the sensor's deterministic node evaluation order.
func (ev *Evaluator) EvaluationOrder(sensor *formula.SensorSpec) ([]string, error) {
	g, err := depgraph.BuildSensorGraph(sensor, ev.classifyOptions())
	if err != nil {
		return nil, err
	}
	return g.Order()
}

// BuildContext executes a full per-sensor pass: nodes evaluate in planner
// order, each result binds into the shared context before its dependents
// run. On the first fatal failure the partial context is discarded and the
// error surfaces; nothing partially evaluated is ever published.
func (ev *Evaluator) BuildContext(sensor *formula.SensorSpec, base map[string]ReferenceValue) (*SensorResult, error) {
	g, err := depgraph.BuildSensorGraph(sensor, ev.classifyOptions())
	if err != nil {
		return nil, err
	}
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	ctx := NewContext(base)
	ev.seedStateToken(sensor, ctx)

	result := &SensorResult{
		Sensor:     sensor.UniqueID,
		Attributes: make(map[string]EvaluationResult),
		Context:    ctx,
	}

	for _, nodeID := range order {
		node, _ := g.Node(nodeID)
		res := ev.evaluateNode(sensor, node, ctx, 0)
		ev.record(sensor.UniqueID, nodeID, res)

		if !res.Success && res.State == "error" {
			ev.log.Error("evaluation pass aborted",
				"sensor", sensor.UniqueID,
				"node", nodeID,
				"error", res.Err,
			)
			return nil, res.Err
		}

		rv := ReferenceValue{Reference: nodeID, Value: res.Value}
		if res.Value == nil {
			rv.State = stateKind(res.State)
		}
		ctx.Bind(nodeID, rv)

		if node.Kind == depgraph.NodeMain {
			result.Main = res
			// Rebind the reserved token so attribute formulas read the
			// value from the current cycle, not the previous one.
			ctx.Bind(formula.ReservedStateToken, rv)
		} else {
			result.Attributes[nodeID] = res
		}

		ev.log.Debug("node evaluated",
			"sensor", sensor.UniqueID,
			"node", nodeID,
			"state", res.State,
		)
	}

	return result, nil
}

// EvaluateSensor runs a full pass and publishes the main result into the
// cross-sensor value table on success.
func (ev *Evaluator) EvaluateSensor(sensor *formula.SensorSpec) (*SensorResult, error) {
	result, err := ev.BuildContext(sensor, nil)
	if err != nil {
		return nil, err
	}

	ev.values.Update(sensor.UniqueID, result.Main.Value)
	if result.Main.Success && ev.recorder != nil {
		if err := ev.recorder.StoreLastValid(sensor.UniqueID, result.Main.Value, time.Now()); err != nil {
			ev.log.Warn("last-valid store failed", "sensor", sensor.UniqueID, "error", err)
		}
	}
	return result, nil
}

// EvaluateFormula evaluates a single formula against a caller-supplied
// context. This is the entry point handler recursion re-enters.
func (ev *Evaluator) EvaluateFormula(spec *formula.FormulaSpec, ctx *Context) EvaluationResult {
	if ctx == nil {
		ctx = NewContext(nil)
	}
	return ev.evaluateSpec("", spec, nil, ctx, 0)
}

// evaluateNode evaluates one graph node within a sensor pass.
func (ev *Evaluator) evaluateNode(sensor *formula.SensorSpec, node *depgraph.Node, ctx *Context, depth int) EvaluationResult {
	return ev.evaluateSpec(sensor.UniqueID, node.Formula, node, ctx, depth)
}

// evaluateSpec is the per-formula protocol: breaker gate, binding
// resolution, pre-evaluation shortcut, cache lookup, expression run,
// outcome classification, handler dispatch.
func (ev *Evaluator) evaluateSpec(sensorKey string, spec *formula.FormulaSpec, node *depgraph.Node, ctx *Context, depth int) EvaluationResult {
	if err := ev.policy.Allow(spec.ID); err != nil {
		return fatalResult(err, nil)
	}

	resolved, unavailable, err := ev.resolveBindings(sensorKey, spec, node, ctx, depth)
	if err != nil {
		ev.policy.RecordFatal(spec.ID, err)
		return fatalResult(err, unavailable)
	}

	// Pre-evaluation shortcut: a single alternate-state binding skips the
	// expression run entirely.
	states := make(map[string]formula.AlternateKind)
	for name, rv := range resolved {
		if kind, alt := altstate.DetectBinding(rv.Value, rv.State); alt {
			states[name] = kind
		}
	}
	if kind, short := altstate.ShortCircuit(len(resolved), states); short {
		ev.policy.RecordTransitory(spec.ID)
		return ev.dispatchHandler(sensorKey, spec, kind, ctx, depth, unavailable)
	}

	values := make(map[string]formula.Value, len(resolved))
	for name, rv := range resolved {
		values[name] = rv.Value
	}
	key := formula.KeyFor(spec, values)

	if cached, hit := ev.cache.Get(key); hit {
		ev.policy.RecordSuccess(spec.ID)
		return EvaluationResult{Success: true, Value: cached, State: "ok", UnavailableDependencies: unavailable}
	}

	bindings := ev.nativeBindings(spec, node, resolved)
	raw, err := ev.engine.Evaluate(spec.Expression, bindings)
	if err != nil {
		// An evaluation error over degraded bindings is the alternate state
		// surfacing through the expression (nil arithmetic), not a fault in
		// the formula: it must never abort the pass or feed the breaker.
		if len(states) > 0 {
			ev.policy.RecordTransitory(spec.ID)
			return ev.dispatchHandler(sensorKey, spec, altstate.Dominant(states), ctx, depth, unavailable)
		}
		if isTransitory(err) {
			ev.policy.RecordTransitory(spec.ID)
			kind := altstate.ClassifyResult(nil, err)
			return ev.dispatchHandler(sensorKey, spec, kind, ctx, depth, unavailable)
		}
		ev.policy.RecordFatal(spec.ID, err)
		return fatalResult(err, unavailable)
	}

	value, convErr := formula.FromNative(raw)
	if convErr != nil {
		err := formula.NewError(formula.CodeDataValidation,
			"result of %s has unsupported shape", spec.ID).Wrap(convErr).WithSensor(sensorKey, spec.ID)
		ev.policy.RecordFatal(spec.ID, err)
		return fatalResult(err, unavailable)
	}

	if value == nil {
		ev.policy.RecordTransitory(spec.ID)
		return ev.dispatchHandler(sensorKey, spec, formula.AlternateAbsent, ctx, depth, unavailable)
	}

	ev.policy.RecordSuccess(spec.ID)
	ev.cache.Put(key, value)
	return EvaluationResult{Success: true, Value: value, State: "ok", UnavailableDependencies: unavailable}
}

// dispatchHandler applies alternate-state handler priority and, for nested
// formula handlers, re-enters the pipeline with a depth guard.
func (ev *Evaluator) dispatchHandler(sensorKey string, spec *formula.FormulaSpec, kind formula.AlternateKind, ctx *Context, depth int, unavailable []string) EvaluationResult {
	action, ok := altstate.Dispatch(spec.Handler, kind)
	if !ok {
		return alternateResult(kind, unavailable)
	}

	switch action.Kind {
	case formula.HandlerLiteral:
		if action.Literal == nil {
			// Explicitly configured literal absent.
			return alternateResult(formula.AlternateAbsent, unavailable)
		}
		return EvaluationResult{Success: true, Value: action.Literal, State: "ok", UnavailableDependencies: unavailable}

	case formula.HandlerFormula:
		if depth >= ev.maxHandlerDepth {
			err := formula.NewError(formula.CodeDataValidation,
				"handler recursion exceeds depth %d", ev.maxHandlerDepth).WithSensor(sensorKey, spec.ID)
			ev.policy.RecordFatal(spec.ID, err)
			return fatalResult(err, unavailable)
		}
		nested := &formula.FormulaSpec{
			ID:         spec.ID + "#handler",
			Expression: action.Expression,
			Variables:  spec.Variables,
		}
		return ev.evaluateSpec(sensorKey, nested, nil, ctx, depth+1)

	default:
		return alternateResult(kind, unavailable)
	}
}

// seedStateToken binds the reserved "state" token to the sensor's own last
// published main-formula value.
func (ev *Evaluator) seedStateToken(sensor *formula.SensorSpec, ctx *Context) {
	if rv, ok := ev.values.Lookup(sensor.UniqueID); ok {
		rv.Reference = formula.ReservedStateToken
		ctx.Bind(formula.ReservedStateToken, rv)
		return
	}
	ctx.Bind(formula.ReservedStateToken, ReferenceValue{
		Reference: formula.ReservedStateToken,
		State:     formula.AlternateUnknown,
	})
}

// classifyOptions assembles the caller-parameterized disambiguation sets.
func (ev *Evaluator) classifyOptions() classify.Options {
	keys := make(map[string]bool, len(ev.sensors))
	for key := range ev.sensors {
		keys[key] = true
	}
	return classify.Options{
		SensorKeys:     keys,
		DomainPrefixes: ev.domainPrefixes,
	}
}

func fatalResult(err error, unavailable []string) EvaluationResult {
	return EvaluationResult{State: "error", Err: err, UnavailableDependencies: unavailable}
}

func alternateResult(kind formula.AlternateKind, unavailable []string) EvaluationResult {
	return EvaluationResult{State: kind.String(), UnavailableDependencies: unavailable}
}

// stateKind parses a state word back into an AlternateKind.
func stateKind(state string) formula.AlternateKind {
	switch state {
	case "unknown":
		return formula.AlternateUnknown
	case "unavailable":
		return formula.AlternateUnavailable
	default:
		return formula.AlternateAbsent
	}
}

// isTransitory classifies an evaluation error as transitory either by type
// or, for errors crossing the opaque expression boundary, by the state
// word in the message.
func isTransitory(err error) bool {
	if policy.Classify(err) == policy.ClassTransitory {
		return true
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unavailable") || strings.Contains(msg, "unknown")
}

// record writes a node outcome to the journal when one is attached.
func (ev *Evaluator) record(sensor, node string, res EvaluationResult) {
	if ev.recorder == nil {
		return
	}
	var out formula.Outcome
	switch {
	case res.Success:
		out = formula.OK(res.Value)
	case res.State == "error":
		out = formula.FatalOutcome(res.Err)
	default:
		out = formula.AlternateOutcome(stateKind(res.State))
	}
	if err := ev.recorder.Record(ev.cache.CycleToken(), sensor, node, out); err != nil {
		ev.log.Warn("journal record failed", "sensor", sensor, "node", node, "error", err)
	}
}

// aggregate computes a collection-aggregate function over resolved values.
func aggregate(fn string, values []formula.Value) (formula.Value, error) {
	if fn == "count" {
		return formula.Number(len(values)), nil
	}

	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if n, ok := v.(formula.Number); ok {
			nums = append(nums, float64(n))
		}
	}
	if len(nums) == 0 {
		if fn == "sum" {
			return formula.Number(0), nil
		}
		return nil, fmt.Errorf("aggregate %s: no matching entities (unknown)", fn)
	}

	sum := 0.0
	mn, mx := nums[0], nums[0]
	for _, n := range nums {
		sum += n
		if n < mn {
			mn = n
		}
		if n > mx {
			mx = n
		}
	}
	mean := sum / float64(len(nums))

	switch fn {
	case "sum":
		return formula.Number(sum), nil
	case "avg":
		return formula.Number(mean), nil
	case "min":
		return formula.Number(mn), nil
	case "max":
		return formula.Number(mx), nil
	case "std", "var":
		variance := 0.0
		for _, n := range nums {
			d := n - mean
			variance += d * d
		}
		variance /= float64(len(nums))
		if fn == "var" {
			return formula.Number(variance), nil
		}
		return formula.Number(math.Sqrt(variance)), nil
	default:
		return nil, fmt.Errorf("unsupported aggregate %q", fn)
	}
}
