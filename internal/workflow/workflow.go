// Package workflow implements the Workflow Handler Registry (spec.md §4.7,
// C7): a static mapping from operation type to handler factory. Handlers are
// constructed fresh for every invocation so no state leaks between runs of
// the same operation type.
package workflow

import (
	"errors"
	"fmt"

	"github.com/sitekeeper/master/internal/masteraction"
)

// ErrNoHandlerForOperationType is returned by Resolve when no factory is
// registered for the requested operation type (spec.md §4.6 step 1).
var ErrNoHandlerForOperationType = errors.New("workflow: no handler for operation type")

// Factory constructs a fresh masteraction.Handler instance for one
// invocation, with its declared dependencies already wired in.
type Factory func() masteraction.Handler

// Registry is a static operationType -> Factory mapping, safe for
// concurrent read access once populated. Registration normally happens once
// at startup before any lookups; it satisfies masteraction.HandlerResolver.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates an operation type with a handler factory. Registering
// the same operation type twice overwrites the previous factory.
func (r *Registry) Register(operationType string, factory Factory) {
	r.factories[operationType] = factory
}

// Resolve constructs a fresh handler for operationType, or
// ErrNoHandlerForOperationType if nothing is registered under that key.
func (r *Registry) Resolve(operationType string) (masteraction.Handler, error) {
	factory, ok := r.factories[operationType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandlerForOperationType, operationType)
	}
	return factory(), nil
}

// OperationTypes returns every registered operation type, for diagnostics.
func (r *Registry) OperationTypes() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
