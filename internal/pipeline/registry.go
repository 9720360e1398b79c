package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

type registration struct {
	desc   Descriptor
	runner Runner
}

// Registry holds the registered agents for a pipeline. It is an
// explicit object owned by the caller, not process-global state;
// construct one, register agents, then hand it to an Executor.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]registration
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]registration)}
}

// Register adds an agent. Every declared dependency must already be
// registered, so the dependency graph stays acyclic by construction.
// On any error the registry is left unchanged.
func (r *Registry) Register(desc Descriptor, runner Runner) error {
	if desc.Name == "" {
		return errors.New("agent name is empty")
	}
	if runner == nil {
		return fmt.Errorf("agent %s has no runner", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, desc.Name)
	}
	for _, dep := range desc.DependsOn {
		if dep == desc.Name {
			return fmt.Errorf("%w: %s depends on itself", ErrInvalidDependency, desc.Name)
		}
		if _, ok := r.agents[dep]; !ok {
			return fmt.Errorf("%w: %s requires %s", ErrInvalidDependency, desc.Name, dep)
		}
	}

	desc.DependsOn = slices.Clone(desc.DependsOn)
	r.agents[desc.Name] = registration{desc: desc, runner: runner}
	r.order = append(r.order, desc.Name)
	return nil
}

// Names returns the registered agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Descriptor returns the descriptor for one agent.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[name]
	if !ok {
		return Descriptor{}, false
	}
	desc := reg.desc
	desc.DependsOn = slices.Clone(desc.DependsOn)
	return desc, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// snapshot copies the registrations in registration order, giving a
// run a stable view even if the registry is mutated afterwards.
func (r *Registry) snapshot() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]registration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}
