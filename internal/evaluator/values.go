package evaluator

import (
	"sync"
	"time"

	"github.com/roach88/derive/internal/formula"
)

// ValueTable is the cross-sensor value registry: the last published main-
// formula value of every registered sensor, addressable both by sensor key
// and by host-assigned entity id. It also backs the reserved "state" token.
//
// Explicitly owned, injectable state with a defined lifecycle: created at
// engine construction, reset on configuration reload.
type ValueTable struct {
	mu       sync.Mutex
	byKey    map[string]ReferenceValue
	assigned map[string]string // sensor key -> host-assigned entity id
	keyFor   map[string]string // entity id -> sensor key
}

// NewValueTable creates an empty table.
func NewValueTable() *ValueTable {
	return &ValueTable{
		byKey:    make(map[string]ReferenceValue),
		assigned: make(map[string]string),
		keyFor:   make(map[string]string),
	}
}

// Register records a sensor's host-assigned identifier and initial value.
// The assigned identifier may differ from the requested one when the host
// resolved a naming collision.
func (t *ValueTable) Register(key, assignedID string, initial formula.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.assigned[key] = assignedID
	if assignedID != "" {
		t.keyFor[assignedID] = key
	}
	rv := ReferenceValue{Reference: key, Value: initial}
	if initial == nil {
		rv.State = formula.AlternateUnknown
	} else {
		rv.LastValid = initial
		rv.LastValidAt = time.Now()
	}
	t.byKey[key] = rv
}

// Update publishes a sensor's new main-formula value.
func (t *ValueTable) Update(key string, v formula.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rv, ok := t.byKey[key]
	if !ok {
		rv = ReferenceValue{Reference: key}
	}
	rv.Value = v
	if v != nil {
		rv.LastValid = v
		rv.LastValidAt = time.Now()
		rv.State = 0
	} else {
		rv.State = formula.AlternateUnknown
	}
	t.byKey[key] = rv
}

// Unregister removes a sensor from the table.
func (t *ValueTable) Unregister(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.assigned[key]; ok {
		delete(t.keyFor, id)
	}
	delete(t.assigned, key)
	delete(t.byKey, key)
}

// Lookup resolves a reference that may be a sensor key or an assigned
// entity id.
func (t *ValueTable) Lookup(ref string) (ReferenceValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rv, ok := t.byKey[ref]; ok {
		return rv, true
	}
	if key, ok := t.keyFor[ref]; ok {
		rv, found := t.byKey[key]
		return rv, found
	}
	return ReferenceValue{}, false
}

// AssignedID returns the host-assigned identifier for a sensor key.
func (t *ValueTable) AssignedID(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.assigned[key]
	return id, ok
}

// Mapping returns a copy of the key → assigned-identifier table.
func (t *ValueTable) Mapping() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]string, len(t.assigned))
	for k, v := range t.assigned {
		out[k] = v
	}
	return out
}

// Reset clears the table. Called on configuration reload.
func (t *ValueTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey = make(map[string]ReferenceValue)
	t.assigned = make(map[string]string)
	t.keyFor = make(map[string]string)
}
