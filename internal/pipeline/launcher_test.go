package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"klonos/internal/config"
	"klonos/internal/graph"
	"klonos/internal/store"
	"klonos/internal/workspace"
)

func newTestLauncher(t *testing.T, reg *Registry, g *graph.Store, opts Options) (*Launcher, *store.Store, *workspace.Manager) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ws := workspace.NewManager(config.OutputConfig{Root: filepath.Join(dir, "output")})
	if opts.Pipeline == "" {
		opts.Pipeline = "test-pipeline"
	}
	return NewLauncher(reg, s, ws, g, nil, opts), s, ws
}

func waitForRunStatus(t *testing.T, s *store.Store, runID, want string) *store.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if run != nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := s.GetRun(runID)
	if run == nil {
		t.Fatalf("run %s never persisted", runID)
	}
	t.Fatalf("expected status '%s', got '%s'", want, run.Status)
	return nil
}

func TestLaunch_PersistsRunAndResults(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", okRunner(map[string]any{"found": 3}))
	register(t, r, "b", okRunner(nil), "a")
	register(t, r, "c", failRunner("boom"))

	l, s, ws := newTestLauncher(t, r, nil, Options{})

	run, err := l.Launch(Request{RunID: "run-1", Initial: map[string]any{"niche": "crm"}})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if run.Status != "running" {
		t.Errorf("expected status 'running', got '%s'", run.Status)
	}

	got := waitForRunStatus(t, s, "run-1", "completed")
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	results, err := s.ListResults("run-1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	res, _ := s.GetResult("run-1", "a")
	if res.Status != "succeeded" {
		t.Errorf("expected a succeeded, got '%s'", res.Status)
	}
	if string(res.Payload) != `{"found":3}` {
		t.Errorf("unexpected payload %s", res.Payload)
	}
	res, _ = s.GetResult("run-1", "c")
	if res.Status != "failed" || res.Error != "boom" {
		t.Errorf("expected c failed with 'boom', got %s / %s", res.Status, res.Error)
	}

	metrics, err := s.ListMetrics("run-1")
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(metrics) == 0 {
		t.Error("expected at least one metric")
	}

	var summary RunSummary
	if err := ws.ReadDocument("run-1", "summary.json", &summary); err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if summary.Status != "completed" {
		t.Errorf("expected summary status 'completed', got '%s'", summary.Status)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("expected 2 succeeded / 1 failed, got %d / %d", summary.Succeeded, summary.Failed)
	}
	if len(summary.Results) != 3 {
		t.Errorf("expected 3 summary results, got %d", len(summary.Results))
	}
}

func TestLaunch_RequiredFailureMarksRunFailed(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", failRunner("boom"))

	l, s, _ := newTestLauncher(t, r, nil, Options{Required: []string{"a"}})
	if _, err := l.Launch(Request{RunID: "run-1"}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	waitForRunStatus(t, s, "run-1", "failed")
	run, _ := s.GetRun("run-1")
	if string(run.Required) != `["a"]` {
		t.Errorf("expected required [\"a\"], got %s", run.Required)
	}
}

func TestLaunch_Cancel(t *testing.T) {
	r := NewRegistry()
	register(t, r, "slow", RunnerFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	l, s, _ := newTestLauncher(t, r, nil, Options{})
	if _, err := l.Launch(Request{RunID: "run-1"}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	// Wait for the run to be in flight before cancelling
	deadline := time.Now().Add(2 * time.Second)
	for len(l.Running()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !l.Cancel("run-1") {
		t.Fatal("expected cancel to find the run")
	}

	waitForRunStatus(t, s, "run-1", "cancelled")

	deadline = time.Now().Add(2 * time.Second)
	for len(l.Running()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Cancel("run-1") {
		t.Error("expected cancel of finished run to return false")
	}
}

func TestLaunchWait_ReturnsContext(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", okRunner(map[string]any{"found": 3}))
	register(t, r, "b", okRunner(nil), "a")

	l, s, _ := newTestLauncher(t, r, nil, Options{})

	rc, err := l.LaunchWait(context.Background(), Request{RunID: "run-1"})
	if err != nil {
		t.Fatalf("launch wait: %v", err)
	}
	if rc == nil || len(rc.Results) != 2 {
		t.Fatalf("expected 2 results in context, got %+v", rc)
	}

	run, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run == nil || run.Status != "completed" {
		t.Fatalf("expected persisted completed run, got %+v", run)
	}
	if len(l.Running()) != 0 {
		t.Errorf("expected no in-flight runs, got %v", l.Running())
	}
}

func TestLaunchWait_RequiredFailure(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", failRunner("boom"))

	l, s, _ := newTestLauncher(t, r, nil, Options{Required: []string{"a"}})

	rc, err := l.LaunchWait(context.Background(), Request{RunID: "run-1"})
	if err == nil {
		t.Fatal("expected required-agent error")
	}
	if rc == nil {
		t.Fatal("expected context even on failure")
	}

	run, _ := s.GetRun("run-1")
	if run == nil || run.Status != "failed" {
		t.Fatalf("expected failed run, got %+v", run)
	}
}

func TestUpdatePipeline_AffectsNextRun(t *testing.T) {
	r := NewRegistry()
	register(t, r, "a", okRunner(nil))

	l, s, _ := newTestLauncher(t, r, nil, Options{})

	rc, err := l.LaunchWait(context.Background(), Request{RunID: "run-old"})
	if err != nil {
		t.Fatalf("launch wait: %v", err)
	}
	if len(rc.Results) != 1 {
		t.Fatalf("expected 1 result before update, got %d", len(rc.Results))
	}

	r2 := NewRegistry()
	register(t, r2, "a", okRunner(nil))
	register(t, r2, "b", okRunner(nil), "a")
	l.UpdatePipeline(r2, Options{Pipeline: "v2-pipeline", Required: []string{"b"}})

	rc, err = l.LaunchWait(context.Background(), Request{RunID: "run-new"})
	if err != nil {
		t.Fatalf("launch wait after update: %v", err)
	}
	if len(rc.Results) != 2 {
		t.Fatalf("expected 2 results after update, got %d", len(rc.Results))
	}

	run, err := s.GetRun("run-new")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run == nil || run.Pipeline != "v2-pipeline" {
		t.Fatalf("expected run on v2-pipeline, got %+v", run)
	}
	if string(run.Required) != `["b"]` {
		t.Errorf("expected required [\"b\"], got %s", run.Required)
	}
}

func TestLaunch_DuplicateRunIDRejected(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	register(t, r, "slow", RunnerFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))

	l, s, _ := newTestLauncher(t, r, nil, Options{})
	if _, err := l.Launch(Request{RunID: "run-1"}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	if _, err := l.Launch(Request{RunID: "run-1"}); err == nil {
		t.Error("expected duplicate launch to fail")
	}
	close(release)
	waitForRunStatus(t, s, "run-1", "completed")
}

func TestLaunch_SnapshotsGraph(t *testing.T) {
	g := graph.New()
	r := NewRegistry()
	register(t, r, "kg", RunnerFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		id, _, err := g.UpsertNode(graph.KindProduct, "Acme CRM", "", map[string]any{"category": "CRM"})
		if err != nil {
			return nil, err
		}
		return map[string]any{"product_id": id}, nil
	}))

	l, s, ws := newTestLauncher(t, r, g, Options{})
	if _, err := l.Launch(Request{RunID: "run-1"}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitForRunStatus(t, s, "run-1", "completed")

	snap, err := s.GetGraphSnapshot("run-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if snap.Nodes != 1 {
		t.Errorf("expected 1 node, got %d", snap.Nodes)
	}

	var doc graph.Snapshot
	if err := ws.ReadDocument("run-1", "graph.json", &doc); err != nil {
		t.Fatalf("read graph document: %v", err)
	}
	if len(doc.Nodes) != 1 {
		t.Errorf("expected 1 node in document, got %d", len(doc.Nodes))
	}
}
