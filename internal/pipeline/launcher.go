package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"klonos/internal/graph"
	"klonos/internal/natsbus"
	"klonos/internal/store"
	"klonos/internal/workspace"
)

// Launcher wraps an Executor with everything a run needs around it:
// persisted run and result rows, output documents, graph snapshots and
// NATS events. Runs execute detached so they outlive the HTTP request
// that started them; Cancel stops one by id.
type Launcher struct {
	registry  *Registry
	store     *store.Store
	workspace *workspace.Manager
	graph     *graph.Store
	client    *natsbus.Client
	opts      Options

	notify func(text string)

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewLauncher(reg *Registry, s *store.Store, ws *workspace.Manager, g *graph.Store, client *natsbus.Client, opts Options) *Launcher {
	if ws != nil && opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = ws.Root()
	}
	return &Launcher{
		registry:  reg,
		store:     s,
		workspace: ws,
		graph:     g,
		client:    client,
		opts:      opts,
		running:   make(map[string]context.CancelFunc),
	}
}

// SetNotify installs an out-of-band notifier called once per finished
// run with a short human-readable summary.
func (l *Launcher) SetNotify(fn func(text string)) {
	l.notify = fn
}

// UpdatePipeline swaps the registry and options used by future runs.
// In-flight runs keep the registry they started with.
func (l *Launcher) UpdatePipeline(reg *Registry, opts Options) {
	if l.workspace != nil && opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = l.workspace.Root()
	}
	l.mu.Lock()
	l.registry = reg
	l.opts = opts
	l.mu.Unlock()
}

func (l *Launcher) current() (*Registry, Options) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registry, l.opts
}

// Launch validates the pipeline, persists the run row and starts
// execution in the background.
func (l *Launcher) Launch(req Request) (*store.PipelineRun, error) {
	reg, opts := l.current()
	// Background context: the run outlives the caller.
	run, ctx, cancel, err := l.begin(context.Background(), &req, reg, opts)
	if err != nil {
		return nil, err
	}
	go l.execute(ctx, cancel, req, reg, opts)
	return run, nil
}

// LaunchWait runs the pipeline inline with the same persistence,
// events and artifacts as Launch, returning the run context. The error
// follows the executor's required-agent semantics.
func (l *Launcher) LaunchWait(ctx context.Context, req Request) (*Context, error) {
	reg, opts := l.current()
	_, runCtx, cancel, err := l.begin(ctx, &req, reg, opts)
	if err != nil {
		return nil, err
	}
	return l.execute(runCtx, cancel, req, reg, opts)
}

func (l *Launcher) begin(parent context.Context, req *Request, reg *Registry, opts Options) (*store.PipelineRun, context.Context, context.CancelFunc, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	if _, err := buildPlan(reg.snapshot()); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	l.mu.Lock()
	if _, busy := l.running[req.RunID]; busy {
		l.mu.Unlock()
		return nil, nil, nil, fmt.Errorf("run %s already in progress", req.RunID)
	}
	// Reserve the slot before releasing the lock so a concurrent Launch
	// with the same id cannot slip in between.
	ctx, cancel := context.WithCancel(parent)
	l.running[req.RunID] = cancel
	l.mu.Unlock()

	var initial json.RawMessage
	if len(req.Initial) > 0 {
		initial, _ = json.Marshal(req.Initial)
	}
	var required json.RawMessage
	if len(opts.Required) > 0 {
		required, _ = json.Marshal(opts.Required)
	}

	run := &store.PipelineRun{
		ID:        req.RunID,
		Pipeline:  opts.Pipeline,
		Status:    "running",
		Initial:   initial,
		Required:  required,
		StartedAt: time.Now().UTC(),
	}
	if l.workspace != nil {
		run.OutputRoot = l.workspace.RunRoot(req.RunID)
	}
	if err := l.store.SaveRun(run); err != nil {
		l.mu.Lock()
		delete(l.running, req.RunID)
		l.mu.Unlock()
		cancel()
		return nil, nil, nil, fmt.Errorf("save run: %w", err)
	}

	l.publishEvent(req.RunID, "run_started", map[string]any{
		"pipeline": opts.Pipeline,
		"agents":   reg.Len(),
	})

	return run, ctx, cancel, nil
}

// Cancel stops a running pipeline. Returns false when no run with that
// id is in flight.
func (l *Launcher) Cancel(runID string) bool {
	l.mu.Lock()
	cancel, ok := l.running[runID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Running lists the ids of in-flight runs.
func (l *Launcher) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.running))
	for id := range l.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Launcher) execute(ctx context.Context, cancel context.CancelFunc, req Request, reg *Registry, opts Options) (*Context, error) {
	defer func() {
		l.mu.Lock()
		delete(l.running, req.RunID)
		l.mu.Unlock()
		cancel()
	}()

	slog.Info("starting run", "id", req.RunID, "pipeline", opts.Pipeline, "agents", reg.Len())

	callerOnResult := opts.OnResult
	opts.OnResult = func(res Result) {
		l.persistResult(res)
		if callerOnResult != nil {
			callerOnResult(res)
		}
	}
	callerOnWave := opts.OnWave
	opts.OnWave = func(wave int, agents []string) {
		l.publishEvent(req.RunID, "wave_started", map[string]any{
			"wave":   wave,
			"agents": agents,
		})
		if callerOnWave != nil {
			callerOnWave(wave, agents)
		}
	}

	rc, err := NewExecutor(reg, opts).Run(ctx, req)
	if rc == nil {
		slog.Error("run aborted", "id", req.RunID, "error", err)
		_ = l.store.UpdateRunStatus(req.RunID, "failed", err.Error())
		l.publishEvent(req.RunID, "run_failed", map[string]any{"error": err.Error()})
		return nil, err
	}

	status := "completed"
	runErr := ""
	switch {
	case ctx.Err() != nil:
		status = "cancelled"
	case err != nil:
		status = "failed"
	}
	if err != nil {
		runErr = err.Error()
	}

	// Artifacts land before the status flips so anyone polling the run
	// row sees a finished run with its documents already in place.
	_ = l.store.RecordMetric(req.RunID, "", "duration_seconds", rc.FinishedAt.Sub(rc.StartedAt).Seconds())
	l.writeSummary(rc, status, err)
	l.snapshotGraph(req.RunID)
	_ = l.store.UpdateRunStatus(req.RunID, status, runErr)

	succeeded, failed, skipped := rc.Counts()
	l.publishEvent(req.RunID, "run_"+status, map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
	})
	if l.notify != nil {
		l.notify(fmt.Sprintf("Run %s %s: %d succeeded, %d failed, %d skipped",
			req.RunID, status, succeeded, failed, skipped))
	}

	slog.Info("run finished", "id", req.RunID, "status", status,
		"succeeded", succeeded, "failed", failed, "skipped", skipped)
	return rc, err
}

func (l *Launcher) persistResult(res Result) {
	var payload json.RawMessage
	if len(res.Payload) > 0 {
		payload, _ = json.Marshal(res.Payload)
	}
	err := l.store.SaveResult(&store.AgentResult{
		RunID:            res.RunID,
		Agent:            res.Agent,
		Capability:       res.Capability,
		Status:           res.Status,
		Payload:          payload,
		OutputPath:       res.OutputPath,
		Error:            res.Error,
		TimedOut:         res.TimedOut,
		FailedDependency: res.FailedDependency,
		StartedAt:        res.StartedAt,
		CompletedAt:      res.CompletedAt,
	})
	if err != nil {
		slog.Error("persist result failed", "run", res.RunID, "agent", res.Agent, "error", err)
	}

	if res.Status == StatusSucceeded {
		_ = l.store.RecordMetric(res.RunID, res.Agent, "duration_seconds",
			res.CompletedAt.Sub(res.StartedAt).Seconds())
	}

	event := map[string]any{
		"agent":  res.Agent,
		"status": res.Status,
	}
	if res.Error != "" {
		event["error"] = truncate(res.Error, 200)
	}
	if res.FailedDependency != "" {
		event["failed_dependency"] = res.FailedDependency
	}
	l.publishEvent(res.RunID, "agent_"+res.Status, event)
}

// RunSummary is the run-level document written next to agent artifacts.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Pipeline   string    `json:"pipeline"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
	Results    []Result  `json:"results"`
}

func (l *Launcher) writeSummary(rc *Context, status string, runErr error) {
	if l.workspace == nil {
		return
	}

	succeeded, failed, skipped := rc.Counts()
	summary := RunSummary{
		RunID:      rc.RunID,
		Pipeline:   rc.Pipeline,
		Status:     status,
		StartedAt:  rc.StartedAt,
		FinishedAt: rc.FinishedAt,
		Succeeded:  succeeded,
		Failed:     failed,
		Skipped:    skipped,
		Results:    rc.Ordered(),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if _, err := l.workspace.WriteSummary(rc.RunID, summary); err != nil {
		slog.Error("write summary failed", "run", rc.RunID, "error", err)
	}
}

func (l *Launcher) snapshotGraph(runID string) {
	if l.graph == nil {
		return
	}

	snap := l.graph.Export()
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("marshal graph snapshot failed", "run", runID, "error", err)
		return
	}
	err = l.store.SaveGraphSnapshot(&store.GraphSnapshot{
		RunID: runID,
		Nodes: len(snap.Nodes),
		Edges: len(snap.Edges),
		Data:  data,
	})
	if err != nil {
		slog.Error("save graph snapshot failed", "run", runID, "error", err)
	}
	if l.workspace != nil {
		if _, err := l.workspace.WriteGraph(runID, snap); err != nil {
			slog.Error("write graph document failed", "run", runID, "error", err)
		}
	}
}

func (l *Launcher) publishEvent(runID, eventType string, data map[string]any) {
	if l.client == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = l.client.Publish(natsbus.TopicRunEvents(runID), payload)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
