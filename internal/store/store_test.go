package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"klonos/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)

	initial, _ := json.Marshal(map[string]any{"niche": "productivity"})
	run := &PipelineRun{ID: "run-1", Pipeline: "saas-clone", Status: "running", Initial: initial, OutputRoot: "output/run-1"}
	if err := s.SaveRun(run); err != nil {
		t.Fatalf("save run: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.Pipeline != "saas-clone" {
		t.Errorf("expected pipeline 'saas-clone', got '%s'", got.Pipeline)
	}
	if got.OutputRoot != "output/run-1" {
		t.Errorf("expected output root 'output/run-1', got '%s'", got.OutputRoot)
	}
	if got.CompletedAt != nil {
		t.Error("expected nil completed_at for running run")
	}
	if string(got.Initial) != string(initial) {
		t.Errorf("expected initial %s, got %s", initial, got.Initial)
	}

	if err := s.UpdateRunStatus("run-1", "failed", "required agent gap_analysis failed"); err != nil {
		t.Fatalf("update run status: %v", err)
	}
	got, _ = s.GetRun("run-1")
	if got.Status != "failed" {
		t.Errorf("expected status 'failed', got '%s'", got.Status)
	}
	if got.Error != "required agent gap_analysis failed" {
		t.Errorf("expected run error recorded, got '%s'", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	// Not found
	got, err = s.GetRun("nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for nonexistent run")
	}

	_ = s.SaveRun(&PipelineRun{ID: "run-2", Pipeline: "saas-clone", Status: "running"})
	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}

	if err := s.DeleteRun("run-1"); err != nil {
		t.Fatalf("delete run: %v", err)
	}
	runs, _ = s.ListRuns(10)
	if len(runs) != 1 {
		t.Errorf("expected 1 run after delete, got %d", len(runs))
	}
}

func TestResultCRUD(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveRun(&PipelineRun{ID: "run-1", Pipeline: "saas-clone", Status: "running"})

	payload, _ := json.Marshal(map[string]any{"products_found": 5})
	now := time.Now().UTC()
	res := &AgentResult{
		RunID:       "run-1",
		Agent:       "market_discovery",
		Capability:  "research",
		Status:      "succeeded",
		Payload:     payload,
		StartedAt:   now.Add(-time.Minute),
		CompletedAt: now,
	}
	if err := s.SaveResult(res); err != nil {
		t.Fatalf("save result: %v", err)
	}

	got, err := s.GetResult("run-1", "market_discovery")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if got == nil {
		t.Fatal("expected result, got nil")
	}
	if got.Status != "succeeded" {
		t.Errorf("expected status 'succeeded', got '%s'", got.Status)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("expected payload %s, got %s", payload, got.Payload)
	}

	// Upsert overwrites the same slot
	res.Status = "failed"
	res.Error = "network unreachable"
	res.TimedOut = true
	if err := s.SaveResult(res); err != nil {
		t.Fatalf("resave result: %v", err)
	}
	got, _ = s.GetResult("run-1", "market_discovery")
	if got.Status != "failed" {
		t.Errorf("expected status 'failed', got '%s'", got.Status)
	}
	if !got.TimedOut {
		t.Error("expected timed_out true")
	}
	if got.Error != "network unreachable" {
		t.Errorf("expected error 'network unreachable', got '%s'", got.Error)
	}

	skipped := &AgentResult{
		RunID: "run-1", Agent: "gap_analysis", Status: "skipped",
		Error: "dependency market_discovery failed", FailedDependency: "market_discovery",
		StartedAt: now, CompletedAt: now,
	}
	_ = s.SaveResult(skipped)

	results, err := s.ListResults("run-1")
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
	got, _ = s.GetResult("run-1", "gap_analysis")
	if got.FailedDependency != "market_discovery" {
		t.Errorf("expected failed_dependency 'market_discovery', got '%s'", got.FailedDependency)
	}
}

func TestProductCRUD(t *testing.T) {
	s := newTestStore(t)

	features, _ := json.Marshal([]string{"kanban", "time tracking"})
	p := &Product{
		ID:       "product:acme_crm",
		Name:     "Acme CRM",
		Category: "CRM",
		Pricing:  "freemium",
		Features: features,
	}
	if err := s.SaveProduct(p); err != nil {
		t.Fatalf("save product: %v", err)
	}

	got, err := s.GetProduct("product:acme_crm")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got == nil {
		t.Fatal("expected product, got nil")
	}
	if got.Category != "CRM" {
		t.Errorf("expected category 'CRM', got '%s'", got.Category)
	}

	p.Pricing = "paid"
	_ = s.SaveProduct(p)
	got, _ = s.GetProduct("product:acme_crm")
	if got.Pricing != "paid" {
		t.Errorf("expected pricing 'paid', got '%s'", got.Pricing)
	}

	_ = s.SaveProduct(&Product{ID: "product:taskly", Name: "Taskly", Category: "Tasks"})
	all, err := s.ListProducts("")
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 products, got %d", len(all))
	}
	crm, _ := s.ListProducts("CRM")
	if len(crm) != 1 {
		t.Errorf("expected 1 CRM product, got %d", len(crm))
	}
}

func TestMetrics(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveRun(&PipelineRun{ID: "run-1", Pipeline: "saas-clone", Status: "running"})

	_ = s.RecordMetric("run-1", "market_discovery", "products_found", 12)
	_ = s.RecordMetric("run-1", "gap_analysis", "gaps_found", 3)
	_ = s.RecordMetric("run-1", "", "duration_seconds", 42.5)

	metrics, err := s.ListMetrics("run-1")
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(metrics) != 3 {
		t.Fatalf("expected 3 metrics, got %d", len(metrics))
	}
	if metrics[0].Name != "products_found" || metrics[0].Value != 12 {
		t.Errorf("expected products_found=12 first, got %s=%v", metrics[0].Name, metrics[0].Value)
	}
	if metrics[2].Value != 42.5 {
		t.Errorf("expected value 42.5, got %v", metrics[2].Value)
	}
}

func TestGraphSnapshots(t *testing.T) {
	s := newTestStore(t)
	_ = s.SaveRun(&PipelineRun{ID: "run-1", Pipeline: "saas-clone", Status: "running"})

	data, _ := json.Marshal(map[string]any{"nodes": []any{}, "edges": []any{}})
	snap := &GraphSnapshot{RunID: "run-1", Nodes: 4, Edges: 3, Data: data}
	if err := s.SaveGraphSnapshot(snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	got, err := s.GetGraphSnapshot("run-1")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got == nil {
		t.Fatal("expected snapshot, got nil")
	}
	if got.Nodes != 4 || got.Edges != 3 {
		t.Errorf("expected 4 nodes / 3 edges, got %d / %d", got.Nodes, got.Edges)
	}

	// Same run upserts
	snap.Nodes = 10
	_ = s.SaveGraphSnapshot(snap)
	got, _ = s.GetGraphSnapshot("run-1")
	if got.Nodes != 10 {
		t.Errorf("expected 10 nodes after upsert, got %d", got.Nodes)
	}

	_ = s.SaveGraphSnapshot(&GraphSnapshot{RunID: "run-2", Nodes: 20, Edges: 15, Data: data})
	latest, err := s.LatestGraphSnapshot()
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if latest == nil {
		t.Fatal("expected latest snapshot, got nil")
	}
	if latest.RunID != "run-2" {
		t.Errorf("expected latest run-2, got %s", latest.RunID)
	}
}

func TestRefreshCRUD(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	nextRun := now.Add(-1 * time.Minute) // due now
	r := &Refresh{
		ID:        "refresh-1",
		Name:      "nightly market scan",
		Schedule:  "0 3 * * *",
		Status:    "active",
		NextRunAt: &nextRun,
	}
	if err := s.SaveRefresh(r); err != nil {
		t.Fatalf("save refresh: %v", err)
	}

	got, err := s.GetRefresh("refresh-1")
	if err != nil {
		t.Fatalf("get refresh: %v", err)
	}
	if got.Name != "nightly market scan" {
		t.Errorf("expected 'nightly market scan', got '%s'", got.Name)
	}

	due, err := s.GetDueRefreshes(time.Now())
	if err != nil {
		t.Fatalf("get due refreshes: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("expected 1 due refresh, got %d", len(due))
	}

	// Record an execution
	next := now.Add(24 * time.Hour)
	if err := s.UpdateRefreshRun("refresh-1", "run-9", "completed", "", &next); err != nil {
		t.Fatalf("update refresh run: %v", err)
	}
	got, _ = s.GetRefresh("refresh-1")
	if got.LastRunID != "run-9" {
		t.Errorf("expected last_run_id 'run-9', got '%s'", got.LastRunID)
	}
	if got.LastStatus != "completed" {
		t.Errorf("expected last_status 'completed', got '%s'", got.LastStatus)
	}
	due, _ = s.GetDueRefreshes(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due refreshes after reschedule, got %d", len(due))
	}

	// Pause
	_ = s.UpdateRefreshStatus("refresh-1", "paused")
	past := now.Add(-time.Hour)
	_ = s.UpdateRefreshRun("refresh-1", "run-9", "completed", "", &past)
	due, _ = s.GetDueRefreshes(time.Now())
	if len(due) != 0 {
		t.Errorf("expected 0 due refreshes while paused, got %d", len(due))
	}

	if err := s.DeleteRefresh("refresh-1"); err != nil {
		t.Fatalf("delete refresh: %v", err)
	}
	got, _ = s.GetRefresh("refresh-1")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestSecretCRUD(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{
		Name:        "github_token",
		Description: "deploy token",
		Value:       []byte("ciphertext"),
		Nonce:       []byte("nonce123"),
	}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save secret: %v", err)
	}

	got, err := s.GetSecret("github_token")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got == nil {
		t.Fatal("expected secret, got nil")
	}
	if string(got.Value) != "ciphertext" {
		t.Errorf("expected value 'ciphertext', got '%s'", got.Value)
	}

	list, err := s.ListSecrets()
	if err != nil {
		t.Fatalf("list secrets: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 secret, got %d", len(list))
	}
	if list[0].Value != nil {
		t.Error("expected no value in listing")
	}

	if err := s.DeleteSecret("github_token"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	got, _ = s.GetSecret("github_token")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestAgentSecretGrants(t *testing.T) {
	s := newTestStore(t)

	_ = s.SaveSecret(&Secret{Name: "openai_key", Value: []byte("v1"), Nonce: []byte("n1"), Global: true})
	_ = s.SaveSecret(&Secret{Name: "github_token", Value: []byte("v2"), Nonce: []byte("n2")})
	_ = s.SaveSecret(&Secret{Name: "stripe_key", Value: []byte("v3"), Nonce: []byte("n3")})

	if err := s.AddAgentSecret("backend", "github_token"); err != nil {
		t.Fatalf("add agent secret: %v", err)
	}

	// Global plus granted, never the ungranted one
	secrets, err := s.GetAgentSecrets("backend")
	if err != nil {
		t.Fatalf("get agent secrets: %v", err)
	}
	if len(secrets) != 2 {
		t.Fatalf("expected 2 secrets for backend, got %d", len(secrets))
	}
	if secrets[0].Name != "github_token" || secrets[1].Name != "openai_key" {
		t.Errorf("unexpected secret order: %s, %s", secrets[0].Name, secrets[1].Name)
	}

	got, err := s.GetAgentSecret("backend", "stripe_key")
	if err != nil {
		t.Fatalf("get agent secret: %v", err)
	}
	if got != nil {
		t.Error("expected nil for ungranted secret")
	}
	got, _ = s.GetAgentSecret("deploy", "openai_key")
	if got == nil {
		t.Error("expected global secret visible to any agent")
	}

	// Replace grants wholesale
	if err := s.SetAgentSecrets("backend", []string{"stripe_key"}); err != nil {
		t.Fatalf("set agent secrets: %v", err)
	}
	got, _ = s.GetAgentSecret("backend", "github_token")
	if got != nil {
		t.Error("expected github_token revoked")
	}
	got, _ = s.GetAgentSecret("backend", "stripe_key")
	if got == nil {
		t.Error("expected stripe_key granted")
	}

	_ = s.SetSecretAgents("stripe_key", []string{"billing", "deploy"})
	agents, err := s.GetSecretAgents("stripe_key")
	if err != nil {
		t.Fatalf("get secret agents: %v", err)
	}
	if len(agents) != 2 || agents[0] != "billing" || agents[1] != "deploy" {
		t.Errorf("expected [billing deploy], got %v", agents)
	}

	_ = s.RemoveAgentSecret("billing", "stripe_key")
	agents, _ = s.GetSecretAgents("stripe_key")
	if len(agents) != 1 {
		t.Errorf("expected 1 agent after removal, got %d", len(agents))
	}
}

func TestSyncAgents(t *testing.T) {
	s := newTestStore(t)

	deps, _ := json.Marshal([]string{"design"})
	defs := []AgentDef{
		{Name: "design", Capability: "ui design"},
		{Name: "frontend", Capability: "web app", DependsOn: deps, Remote: true, Image: "klonos-agent:latest"},
	}
	if err := s.SyncAgents(defs); err != nil {
		t.Fatalf("sync agents: %v", err)
	}

	got, err := s.GetAgent("frontend")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if !got.Remote {
		t.Error("expected remote true")
	}
	if string(got.DependsOn) != string(deps) {
		t.Errorf("expected depends_on %s, got %s", deps, got.DependsOn)
	}

	// Removed definitions are pruned on the next sync
	if err := s.SyncAgents(defs[:1]); err != nil {
		t.Fatalf("resync agents: %v", err)
	}
	agents, _ := s.ListAgents()
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent after resync, got %d", len(agents))
	}
	if agents[0].Name != "design" {
		t.Errorf("expected 'design', got '%s'", agents[0].Name)
	}

	got, _ = s.GetAgent("frontend")
	if got != nil {
		t.Error("expected frontend pruned")
	}
}
