package container

import "fmt"

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// buildMounts assembles the bind list for an agent container. The run
// workspace lands at /workspace so build agents write artifacts the
// host can serve directly.
func buildMounts(opts AgentOpts) []string {
	var binds []string

	if opts.Workspace != "" {
		binds = append(binds, fmt.Sprintf("%s:%s", opts.Workspace, "/workspace"))
	}

	for _, m := range opts.Mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	return binds
}
