package evaluator

import (
	"fmt"

	"github.com/roach88/derive/internal/classify"
	"github.com/roach88/derive/internal/formula"
)

// StateProvider is the host-implemented synchronous read of an external
// entity's current value. A nil value with nil error means the entity
// exists but its value is unknown.
//
// If the host's backing lookup is asynchronous it must fully await before
// returning; the engine never partially resolves a binding.
type StateProvider interface {
	Get(entityID string) (formula.Value, error)
}

// ProvidedValue is one bulk-provider answer.
type ProvidedValue struct {
	Value  formula.Value
	Exists bool
}

// DataProviderCallback lets the host short-circuit StateProvider for
// entities it manages directly. Entities absent from the returned map fall
// through to the StateProvider.
type DataProviderCallback func(entityIDs []string) map[string]ProvidedValue

// EntityCollections is the host's dependency-discovery collaborator for
// collection aggregates: it resolves an aggregate's filter/exclusion
// clauses against the live entity fleet and returns the matching values.
type EntityCollections interface {
	Match(agg classify.Aggregate) ([]formula.Value, error)
}

// NotFoundError reports a permanently missing entity. Fatal.
type NotFoundError struct {
	EntityID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found", e.EntityID)
}

// UnavailableError reports a transiently unreachable entity. Transitory:
// the result degrades to the unavailable alternate state and recovers on
// its own.
type UnavailableError struct {
	EntityID string
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("entity %s is unavailable", e.EntityID)
}
