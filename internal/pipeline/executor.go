package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options tune one Executor. The zero value runs agents with no
// deadline, no workspace and no callbacks.
type Options struct {
	// Pipeline names the pipeline on run contexts and persisted rows.
	Pipeline string

	// DefaultTimeout is the per-agent deadline. Zero means none.
	DefaultTimeout time.Duration

	// Timeouts overrides the deadline per agent name.
	Timeouts map[string]time.Duration

	// Required names the agents whose failure (or skip) makes the whole
	// run fail. An empty list means the run itself always succeeds and
	// the caller inspects the context.
	Required []string

	// WorkspaceRoot, when set, gets a <run id>/<agent> directory per
	// dispatched agent, passed to the agent as its workspace and
	// recorded as the result's output path.
	WorkspaceRoot string

	// OnResult is invoked for every recorded result. It may be called
	// concurrently from agent goroutines.
	OnResult func(Result)

	// OnWave is invoked before each wave is dispatched.
	OnWave func(wave int, agents []string)
}

// Executor runs a registry's agents in dependency waves.
type Executor struct {
	registry *Registry
	opts     Options
}

func NewExecutor(reg *Registry, opts Options) *Executor {
	return &Executor{registry: reg, opts: opts}
}

// Request starts one run. A zero RunID gets a generated one.
type Request struct {
	RunID   string
	Initial map[string]any
}

// Run executes every registered agent once, respecting dependency
// order. Agents within a wave run concurrently; a wave only starts
// after the previous one fully completed. An agent failure never
// aborts the run: dependents are marked skipped with a reference to
// the failing ancestor and independent agents continue.
//
// The returned Context always carries one result per registered agent,
// even when Run also returns an error. The error is non-nil only when
// a required agent did not succeed or the registry was mutated during
// planning; in the latter case the Context is nil. Cancelling ctx
// propagates to in-flight agents and marks un-started ones skipped.
//
// Scheduling is deterministic for a fixed registry: the same agents
// run in the same waves in the same order. Payload content is up to
// the agents.
func (e *Executor) Run(ctx context.Context, req Request) (*Context, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	agents := e.registry.snapshot()
	plan, err := buildPlan(agents)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]registration, len(agents))
	order := make([]string, 0, len(agents))
	for _, a := range agents {
		byName[a.desc.Name] = a
		order = append(order, a.desc.Name)
	}

	rc := &Context{
		RunID:     runID,
		Pipeline:  e.opts.Pipeline,
		StartedAt: time.Now().UTC(),
		Initial:   maps.Clone(req.Initial),
		Results:   make(map[string]Result, len(agents)),
		order:     order,
	}

	var mu sync.Mutex
	record := func(res Result) {
		mu.Lock()
		rc.Results[res.Agent] = res
		mu.Unlock()
		if e.opts.OnResult != nil {
			e.opts.OnResult(res)
		}
	}

	for i, wave := range plan.Waves {
		if ctx.Err() != nil {
			break
		}
		if e.opts.OnWave != nil {
			e.opts.OnWave(i, wave)
		}
		slog.Info("dispatching wave", "run", runID, "wave", i, "agents", wave)

		var wg sync.WaitGroup
		for _, name := range wave {
			reg := byName[name]

			mu.Lock()
			origin, ok := blockedBy(reg.desc.DependsOn, rc.Results)
			mu.Unlock()
			if ok {
				now := time.Now().UTC()
				record(Result{
					RunID:            runID,
					Agent:            name,
					Capability:       reg.desc.Capability,
					Status:           StatusSkipped,
					Error:            fmt.Sprintf("dependency %s failed", origin),
					FailedDependency: origin,
					StartedAt:        now,
					CompletedAt:      now,
				})
				continue
			}

			wg.Add(1)
			go func(reg registration) {
				defer wg.Done()
				record(e.runAgent(ctx, rc, reg, &mu))
			}(reg)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			// In-flight agents unwind through their own deadlines;
			// wait so every slot has exactly one writer.
			<-done
		}
	}

	// Anything never dispatched (cancellation mid-run) is skipped, so
	// the context still covers every registered agent.
	now := time.Now().UTC()
	var fills []Result
	mu.Lock()
	for _, a := range agents {
		if _, ok := rc.Results[a.desc.Name]; !ok {
			res := Result{
				RunID:       runID,
				Agent:       a.desc.Name,
				Capability:  a.desc.Capability,
				Status:      StatusSkipped,
				Error:       "run cancelled",
				StartedAt:   now,
				CompletedAt: now,
			}
			rc.Results[a.desc.Name] = res
			fills = append(fills, res)
		}
	}
	mu.Unlock()
	if e.opts.OnResult != nil {
		for _, res := range fills {
			e.opts.OnResult(res)
		}
	}

	rc.FinishedAt = time.Now().UTC()

	var notOK []string
	for _, name := range e.opts.Required {
		if r, ok := rc.Results[name]; !ok || r.Status != StatusSucceeded {
			notOK = append(notOK, name)
		}
	}
	if len(notOK) > 0 {
		return rc, fmt.Errorf("%w: %s", ErrRequiredFailed, strings.Join(notOK, ", "))
	}
	return rc, nil
}

// blockedBy finds the original failing ancestor for an agent whose
// direct dependencies did not all succeed. Dependencies are checked in
// declared order; a skipped dependency forwards the ancestor it was
// skipped for.
func blockedBy(deps []string, results map[string]Result) (string, bool) {
	for _, dep := range deps {
		r, ok := results[dep]
		if !ok {
			return dep, true
		}
		switch r.Status {
		case StatusSucceeded:
			continue
		case StatusSkipped:
			if r.FailedDependency != "" {
				return r.FailedDependency, true
			}
			return dep, true
		default:
			return dep, true
		}
	}
	return "", false
}

func (e *Executor) runAgent(ctx context.Context, rc *Context, reg registration, mu *sync.Mutex) Result {
	name := reg.desc.Name
	res := Result{
		RunID:      rc.RunID,
		Agent:      name,
		Capability: reg.desc.Capability,
		StartedAt:  time.Now().UTC(),
	}

	in := Input{
		RunID:        rc.RunID,
		Agent:        name,
		Capability:   reg.desc.Capability,
		Fields:       make(map[string]any),
		Dependencies: make(map[string]Result, len(reg.desc.DependsOn)),
	}
	maps.Copy(in.Fields, rc.Initial)
	mu.Lock()
	for _, dep := range reg.desc.DependsOn {
		r := rc.Results[dep]
		r.Payload = maps.Clone(r.Payload)
		in.Dependencies[dep] = r
		maps.Copy(in.Fields, r.Payload)
	}
	mu.Unlock()

	if e.opts.WorkspaceRoot != "" {
		dir := filepath.Join(e.opts.WorkspaceRoot, rc.RunID, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			res.Status = StatusFailed
			res.Error = fmt.Sprintf("create workspace: %v", err)
			res.CompletedAt = time.Now().UTC()
			return res
		}
		in.Workspace = dir
		res.OutputPath = dir
	}

	timeout := e.opts.DefaultTimeout
	if t, ok := e.opts.Timeouts[name]; ok {
		timeout = t
	}
	agentCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		agentCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		payload map[string]any
		err     error
	}
	outCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outCh <- outcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		payload, err := reg.runner.Run(agentCtx, in)
		outCh <- outcome{payload: payload, err: err}
	}()

	// Select against the agent context so a runner that ignores its
	// deadline cannot wedge the wave.
	select {
	case out := <-outCh:
		res.CompletedAt = time.Now().UTC()
		if out.err != nil {
			res.Status = StatusFailed
			res.Error = out.err.Error()
			if errors.Is(out.err, context.DeadlineExceeded) {
				res.TimedOut = true
			}
			slog.Warn("agent failed", "run", rc.RunID, "agent", name, "error", out.err)
		} else {
			res.Status = StatusSucceeded
			res.Payload = out.payload
		}
	case <-agentCtx.Done():
		res.CompletedAt = time.Now().UTC()
		res.Status = StatusFailed
		if ctx.Err() != nil {
			res.Error = "cancelled"
		} else {
			res.TimedOut = true
			res.Error = fmt.Sprintf("timed out after %s", timeout)
			slog.Warn("agent timed out", "run", rc.RunID, "agent", name, "timeout", timeout)
		}
	}
	return res
}
