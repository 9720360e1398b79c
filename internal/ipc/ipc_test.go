package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"klonos/internal/config"
	"klonos/internal/graph"
	"klonos/internal/natsbus"
	"klonos/internal/pipeline"
	"klonos/internal/registry"
	"klonos/internal/store"
	"klonos/internal/workspace"
)

func newTestEnv(t *testing.T) (*natsbus.Client, *graph.Store) {
	t.Helper()
	dir := t.TempDir()

	bus, err := natsbus.New(config.NATSConfig{Port: 0, DataDir: filepath.Join(dir, "nats")})
	if err != nil {
		t.Fatalf("failed to start bus: %v", err)
	}
	t.Cleanup(bus.Close)

	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	g := graph.New()
	if _, _, err := g.UpsertNode(graph.KindProduct, "TaskHive", "TaskHive", nil); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	defs := map[string]config.AgentDefinition{
		"scan":    {Description: "scans the market", Capability: "discovery"},
		"analyze": {Description: "finds gaps", Capability: "analysis", DependsOn: []string{"scan"}},
	}
	reg := registry.New(s, defs, config.ContainerConfig{})
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync registry: %v", err)
	}

	runner := pipeline.RunnerFunc(func(ctx context.Context, in pipeline.Input) (map[string]any, error) {
		return map[string]any{"agent": in.Agent}, nil
	})
	preg, err := reg.Build(map[string]pipeline.Runner{"scan": runner, "analyze": runner}, nil)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	ws := workspace.NewManager(config.OutputConfig{Root: filepath.Join(dir, "runs")})
	launcher := pipeline.NewLauncher(preg, s, ws, g, nil, pipeline.Options{
		Pipeline:       "clone-pipeline",
		DefaultTimeout: 5 * time.Second,
	})

	serverClient, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("connect server client: %v", err)
	}
	t.Cleanup(serverClient.Close)

	srv := NewServer(serverClient, s, g, launcher)
	if err := srv.Start(); err != nil {
		t.Fatalf("start ipc server: %v", err)
	}
	t.Cleanup(srv.Stop)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(client.Close)

	return client, g
}

func request(t *testing.T, client *natsbus.Client, reqType string, payload any) map[string]any {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = data
	}
	var resp map[string]any
	err := client.RequestJSON(natsbus.TopicIPC(Service), Request{Type: reqType, Payload: raw}, &resp, 5*time.Second)
	if err != nil {
		t.Fatalf("ipc request %s: %v", reqType, err)
	}
	return resp
}

func TestStartAndStatus(t *testing.T) {
	client, _ := newTestEnv(t)

	resp := request(t, client, "run.start", map[string]any{"initial": map[string]any{"category": "project management"}})
	if resp["error"] != nil {
		t.Fatalf("unexpected error: %v", resp["error"])
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("expected a run id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = request(t, client, "run.status", map[string]any{"id": id})
		if run, ok := resp["run"].(map[string]any); ok && run["status"] == "completed" {
			results, _ := resp["results"].([]any)
			if len(results) != 2 {
				t.Fatalf("expected 2 results, got %d", len(results))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never completed: %v", id, resp)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestListRuns(t *testing.T) {
	client, _ := newTestEnv(t)

	resp := request(t, client, "run.list", nil)
	if runs, ok := resp["runs"].([]any); !ok || len(runs) != 0 {
		t.Errorf("expected empty run list, got %v", resp["runs"])
	}

	request(t, client, "run.start", nil)

	resp = request(t, client, "run.list", map[string]any{"limit": 5})
	runs, ok := resp["runs"].([]any)
	if !ok || len(runs) != 1 {
		t.Fatalf("expected 1 run, got %v", resp["runs"])
	}
}

func TestGraphStats(t *testing.T) {
	client, _ := newTestEnv(t)

	resp := request(t, client, "graph.stats", nil)
	stats, ok := resp["stats"].(map[string]any)
	if !ok {
		t.Fatalf("expected stats object, got %v", resp)
	}
	if stats["nodes"] != float64(1) {
		t.Errorf("expected 1 node, got %v", stats["nodes"])
	}
}

func TestUnknownRequest(t *testing.T) {
	client, _ := newTestEnv(t)

	resp := request(t, client, "bogus", nil)
	errMsg, _ := resp["error"].(string)
	if errMsg == "" {
		t.Fatal("expected an error for unknown request type")
	}
}

func TestStatusRequiresID(t *testing.T) {
	client, _ := newTestEnv(t)

	resp := request(t, client, "run.status", map[string]any{})
	if resp["error"] != "id is required" {
		t.Errorf("expected id requirement error, got %v", resp["error"])
	}
}
