package testutil

import (
	"sync"

	"github.com/roach88/derive/internal/classify"
	"github.com/roach88/derive/internal/evaluator"
	"github.com/roach88/derive/internal/formula"
)

// FakeProvider is a map-backed state provider.
//
// Entities in Values resolve to their value (nil meaning known-but-unknown).
// Entities in Unavailable resolve to an UnavailableError. Everything else
// resolves to a NotFoundError.
type FakeProvider struct {
	mu          sync.Mutex
	Values      map[string]formula.Value
	Unavailable map[string]bool
	gets        []string
}

// NewFakeProvider creates an empty provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Values:      make(map[string]formula.Value),
		Unavailable: make(map[string]bool),
	}
}

// Set stores an entity value.
func (p *FakeProvider) Set(entityID string, v formula.Value) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Values[entityID] = v
}

// SetUnavailable marks an entity transiently unreachable.
func (p *FakeProvider) SetUnavailable(entityID string, unavailable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Unavailable[entityID] = unavailable
}

// Get implements evaluator.StateProvider.
func (p *FakeProvider) Get(entityID string) (formula.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets = append(p.gets, entityID)

	if p.Unavailable[entityID] {
		return nil, &evaluator.UnavailableError{EntityID: entityID}
	}
	v, ok := p.Values[entityID]
	if !ok {
		return nil, &evaluator.NotFoundError{EntityID: entityID}
	}
	return v, nil
}

// Gets returns the entity ids requested so far, in call order.
func (p *FakeProvider) Gets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.gets))
	copy(out, p.gets)
	return out
}

// StaticCollections is a fixed-answer entity collections fake: every
// aggregate pattern resolves to the same value set.
type StaticCollections struct {
	ValuesByPattern map[string][]formula.Value
	Err             error
}

// Match implements evaluator.EntityCollections.
func (c *StaticCollections) Match(agg classify.Aggregate) ([]formula.Value, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	return c.ValuesByPattern[agg.Pattern], nil
}
