// Package registry binds the configured agent definitions to everything
// that consumes them: the agent rows in the store, the pipeline registry
// a run executes against, and the container defaults remote agents
// inherit.
package registry

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"klonos/internal/agents"
	"klonos/internal/config"
	"klonos/internal/pipeline"
	"klonos/internal/store"
)

// RemoteFactory builds the runner for an agent declared remote. The
// container pool provides the real one; tests substitute their own.
type RemoteFactory func(name string, def config.AgentDefinition) pipeline.Runner

type Registry struct {
	store *store.Store

	mu     sync.RWMutex
	agents map[string]config.AgentDefinition
	cfg    config.ContainerConfig
}

func New(s *store.Store, defs map[string]config.AgentDefinition, cfg config.ContainerConfig) *Registry {
	return &Registry{
		store:  s,
		agents: maps.Clone(defs),
		cfg:    cfg,
	}
}

// Update swaps the configured agent set and container defaults, then
// re-syncs the store rows. Everything resolves through the registry, so
// future runs and container starts see the new definitions.
func (r *Registry) Update(defs map[string]config.AgentDefinition, cfg config.ContainerConfig) error {
	r.mu.Lock()
	r.agents = maps.Clone(defs)
	r.cfg = cfg
	r.mu.Unlock()
	return r.Sync()
}

func (r *Registry) snapshot() (map[string]config.AgentDefinition, config.ContainerConfig) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.agents), r.cfg
}

// Names returns the configured agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.agents))
}

// Definition returns the configured definition for one agent.
func (r *Registry) Definition(name string) (config.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[name]
	return def, ok
}

// ResolveModel returns the agent's model, falling back to the container
// default.
func (r *Registry) ResolveModel(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.agents[name]; ok && def.Model != "" {
		return def.Model
	}
	return r.cfg.Model
}

// ResolveImage returns the agent's container image, falling back to the
// container default.
func (r *Registry) ResolveImage(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.agents[name]; ok && def.Image != "" {
		return def.Image
	}
	return r.cfg.Image
}

// Timeouts returns the per-agent timeout overrides for the executor.
// Agents without an explicit timeout are absent and use the pipeline
// default.
func (r *Registry) Timeouts() map[string]time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Duration)
	for name, def := range r.agents {
		if def.Timeout > 0 {
			out[name] = def.Timeout
		}
	}
	return out
}

// Descriptions returns agent name to description, for status surfaces.
func (r *Registry) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.agents))
	for name, def := range r.agents {
		out[name] = def.Description
	}
	return out
}

// Sync upserts every configured agent into the store and prunes rows
// for agents no longer configured, so the API and UI always describe
// the pipeline actually loaded.
func (r *Registry) Sync() error {
	current, _ := r.snapshot()
	defs := make([]store.AgentDef, 0, len(current))
	for _, name := range slices.Sorted(maps.Keys(current)) {
		def := current[name]
		row := store.AgentDef{
			Name:        name,
			Description: def.Description,
			Capability:  def.Capability,
			Remote:      def.Remote,
			Image:       def.Image,
			Model:       def.Model,
		}
		if len(def.DependsOn) > 0 {
			deps, err := json.Marshal(def.DependsOn)
			if err != nil {
				return fmt.Errorf("marshal dependencies for %s: %w", name, err)
			}
			row.DependsOn = deps
		}
		defs = append(defs, row)
	}
	return r.store.SyncAgents(defs)
}

// Get returns the stored row for one agent, nil if absent.
func (r *Registry) Get(name string) (*store.AgentDef, error) {
	return r.store.GetAgent(name)
}

// List returns all stored agent rows.
func (r *Registry) List() ([]store.AgentDef, error) {
	return r.store.ListAgents()
}

// Build assembles the pipeline registry from the configured agents.
// Registration happens dependency-first regardless of config order, so
// the definitions can appear in any order in the YAML. Local runners
// are matched by agent name, then by capability; anything unmatched
// runs as a generic stage. Remote agents require a factory.
func (r *Registry) Build(local map[string]pipeline.Runner, remote RemoteFactory) (*pipeline.Registry, error) {
	current, _ := r.snapshot()
	for name, def := range current {
		for _, dep := range def.DependsOn {
			if _, ok := current[dep]; !ok {
				return nil, fmt.Errorf("agent %s depends on unknown agent %s", name, dep)
			}
		}
	}

	reg := pipeline.NewRegistry()
	pending := slices.Sorted(maps.Keys(current))
	placed := make(map[string]bool, len(pending))

	for len(pending) > 0 {
		progress := false
		next := pending[:0]
		for _, name := range pending {
			def := current[name]
			ready := true
			for _, dep := range def.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, name)
				continue
			}
			runner, err := r.runner(name, def, local, remote)
			if err != nil {
				return nil, err
			}
			desc := pipeline.Descriptor{
				Name:       name,
				Capability: def.Capability,
				DependsOn:  def.DependsOn,
			}
			if err := reg.Register(desc, runner); err != nil {
				return nil, err
			}
			placed[name] = true
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("dependency cycle among agents: %v", next)
		}
		pending = next
	}
	return reg, nil
}

func (r *Registry) runner(name string, def config.AgentDefinition, local map[string]pipeline.Runner, remote RemoteFactory) (pipeline.Runner, error) {
	if def.Remote {
		if remote == nil {
			return nil, fmt.Errorf("agent %s is remote but no remote runner is configured", name)
		}
		return remote(name, def), nil
	}
	if runner, ok := local[name]; ok {
		return runner, nil
	}
	if def.Capability != "" {
		if runner, ok := local[def.Capability]; ok {
			return runner, nil
		}
	}
	return agents.NewStage(), nil
}
