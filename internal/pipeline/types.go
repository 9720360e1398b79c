package pipeline

import (
	"context"
	"time"
)

// Agent run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Descriptor identifies one pipeline stage. Immutable once registered.
type Descriptor struct {
	Name       string   `json:"name"`
	Capability string   `json:"capability,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Input is what an agent receives when dispatched: the run's initial
// fields merged with the payloads of its direct dependencies (declared
// order, later wins), plus the structured dependency results for
// anything richer than the flat merge.
type Input struct {
	RunID        string
	Agent        string
	Capability   string
	Fields       map[string]any
	Dependencies map[string]Result
	Workspace    string
}

// Runner is the contract every concrete agent satisfies, whether it
// scrapes, calls a model, or shells out to a container. Blocking work
// must honor the context; the executor enforces the deadline either
// way.
type Runner interface {
	Run(ctx context.Context, in Input) (map[string]any, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, in Input) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, in Input) (map[string]any, error) {
	return f(ctx, in)
}

// Result records one agent's outcome within a run. The executor writes
// each result exactly once and never mutates it afterwards.
type Result struct {
	RunID            string         `json:"run_id"`
	Agent            string         `json:"agent"`
	Capability       string         `json:"capability,omitempty"`
	Status           string         `json:"status"`
	Payload          map[string]any `json:"payload,omitempty"`
	OutputPath       string         `json:"output_path,omitempty"`
	Error            string         `json:"error,omitempty"`
	TimedOut         bool           `json:"timed_out,omitempty"`
	FailedDependency string         `json:"failed_dependency,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// Context is the accumulated outcome of one run: one Result per
// registered agent, nothing silently dropped.
type Context struct {
	RunID      string            `json:"run_id"`
	Pipeline   string            `json:"pipeline,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Initial    map[string]any    `json:"initial,omitempty"`
	Results    map[string]Result `json:"results"`

	order []string
}

// Result returns the outcome for one agent.
func (c *Context) Result(name string) (Result, bool) {
	r, ok := c.Results[name]
	return r, ok
}

// Ordered returns all results in agent registration order.
func (c *Context) Ordered() []Result {
	out := make([]Result, 0, len(c.order))
	for _, name := range c.order {
		if r, ok := c.Results[name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Counts tallies results by status.
func (c *Context) Counts() (succeeded, failed, skipped int) {
	for _, r := range c.Results {
		switch r.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return
}
