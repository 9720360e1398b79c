package pipeline

import "fmt"

// Plan groups agents into waves. Every agent in a wave has all of its
// dependencies in earlier waves, so the agents within one wave can run
// in parallel.
type Plan struct {
	Waves [][]string `json:"waves"`
}

// Plan builds the wave plan for the currently registered agents.
func (r *Registry) Plan() (*Plan, error) {
	return buildPlan(r.snapshot())
}

// buildPlan runs Kahn's algorithm over the dependency edges, grouping
// agents by depth. Registration already rejects forward references and
// self-loops, so a leftover node here means the registry was mutated
// while the run was being planned.
func buildPlan(agents []registration) (*Plan, error) {
	if len(agents) == 0 {
		return &Plan{}, nil
	}

	known := make(map[string]bool, len(agents))
	for _, a := range agents {
		known[a.desc.Name] = true
	}

	inDegree := make(map[string]int, len(agents))
	dependents := make(map[string][]string)
	for _, a := range agents {
		name := a.desc.Name
		for _, dep := range a.desc.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("%w: %s depends on unknown agent %s", ErrConcurrentRegistration, name, dep)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	depth := make(map[string]int, len(agents))
	queue := make([]string, 0, len(agents))
	for _, a := range agents {
		if inDegree[a.desc.Name] == 0 {
			queue = append(queue, a.desc.Name)
		}
	}

	processed := 0
	maxDepth := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range dependents[name] {
			if d := depth[name] + 1; d > depth[next] {
				depth[next] = d
				if d > maxDepth {
					maxDepth = d
				}
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(agents) {
		return nil, fmt.Errorf("%w: dependency cycle detected", ErrConcurrentRegistration)
	}

	// Iterating agents in registration order keeps each wave's member
	// order deterministic.
	waves := make([][]string, maxDepth+1)
	for _, a := range agents {
		d := depth[a.desc.Name]
		waves[d] = append(waves[d], a.desc.Name)
	}
	return &Plan{Waves: waves}, nil
}
