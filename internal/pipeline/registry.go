package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownStep is returned when a run names a step the registry
	// has never heard of.
	ErrUnknownStep = errors.New("unknown pipeline step")

	// ErrUnsupportedType is returned when a step is explicitly run
	// against an asset type it does not apply to.
	ErrUnsupportedType = errors.New("step does not support asset type")
)

// Registry holds the ordered set of step definitions. Registration
// happens once at startup; reads afterwards are lock-free.
type Registry struct {
	order []string
	steps map[string]*StepDefinition
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]*StepDefinition)}
}

// Register appends a definition to the registry. Registration order is
// the order auto-start runs traverse the steps in.
func (registry *Registry) Register(def StepDefinition) error {
	if def.ID == "" {
		return errors.New("step definition has empty ID")
	} else if def.Runner == nil {
		return fmt.Errorf("step definition %s has nil runner", def.ID)
	} else if _, exists := registry.steps[def.ID]; exists {
		return fmt.Errorf("step %s already registered", def.ID)
	}

	registry.order = append(registry.order, def.ID)
	registry.steps[def.ID] = &def

	return nil
}

// MustRegister is Register for startup wiring where a duplicate or
// malformed definition is a programming error.
func (registry *Registry) MustRegister(def StepDefinition) {
	if err := registry.Register(def); err != nil {
		panic(err)
	}
}

// Step resolves a definition by id.
func (registry *Registry) Step(id string) (*StepDefinition, error) {
	def, ok := registry.steps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}

	return def, nil
}

// Steps returns the definitions in registration order.
func (registry *Registry) Steps() []*StepDefinition {
	out := make([]*StepDefinition, 0, len(registry.order))
	for _, id := range registry.order {
		out = append(out, registry.steps[id])
	}

	return out
}

// Len returns the number of registered steps.
func (registry *Registry) Len() int {
	return len(registry.order)
}
