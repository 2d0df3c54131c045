package stage

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps stage names to definitions. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]*Definition)}
}

// Register validates def and adds it under def.Name.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStage, def.Name)
	}
	r.stages[def.Name] = &def
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(fmt.Sprintf("stage: %v", err))
	}
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stages[name]
	return def, ok
}

// Names returns the registered stage names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Check reports the first stage in stages that is not registered.
func (r *Registry) Check(stages []string) error {
	for _, name := range stages {
		if _, ok := r.Get(name); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStage, name)
		}
	}
	return nil
}
