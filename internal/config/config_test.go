package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Pipeline.Name != "saas-clone" {
		t.Errorf("expected default pipeline name saas-clone, got %s", cfg.Pipeline.Name)
	}
	if cfg.Pipeline.AgentTimeout != 10*time.Minute {
		t.Errorf("expected agent_timeout 10m, got %v", cfg.Pipeline.AgentTimeout)
	}
	if cfg.Containers.Image != "klonos-agent:latest" {
		t.Errorf("expected default image klonos-agent:latest, got %s", cfg.Containers.Image)
	}
	if cfg.Containers.MaxRunning != 5 {
		t.Errorf("expected max_running 5, got %d", cfg.Containers.MaxRunning)
	}
	if cfg.Containers.IdleTimeout != 30*time.Minute {
		t.Errorf("expected idle_timeout 30m, got %v", cfg.Containers.IdleTimeout)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/klonos.db" {
		t.Errorf("expected store path data/klonos.db, got %s", cfg.Store.Path)
	}
	if cfg.Output.Root != "output" {
		t.Errorf("expected output root output, got %s", cfg.Output.Root)
	}
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("expected poll_interval 30s, got %v", cfg.Scheduler.PollInterval)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("KLONOS_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("KLONOS_WEB_PASSWORD", "secret")
	t.Setenv("KLONOS_WEB_PORT", "9090")
	t.Setenv("KLONOS_NATS_PORT", "5222")
	t.Setenv("KLONOS_STORE_PATH", "/tmp/klonos-test.db")
	t.Setenv("KLONOS_OUTPUT_ROOT", "/tmp/klonos-out")
	t.Setenv("KLONOS_VAULT_PASSPHRASE", "opensesame")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.NATS.Port != 5222 {
		t.Errorf("expected nats port 5222, got %d", cfg.NATS.Port)
	}
	if cfg.Store.Path != "/tmp/klonos-test.db" {
		t.Errorf("expected overridden store path, got %s", cfg.Store.Path)
	}
	if cfg.Output.Root != "/tmp/klonos-out" {
		t.Errorf("expected overridden output root, got %s", cfg.Output.Root)
	}
	if cfg.Vault.Passphrase != "opensesame" {
		t.Errorf("expected vault passphrase opensesame, got %s", cfg.Vault.Passphrase)
	}
}

func TestLoadFallsBackToDefaultAgents(t *testing.T) {
	t.Setenv("KLONOS_CONFIG", "/nonexistent/config.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Agents) != 4 {
		t.Fatalf("expected 4 default agents, got %d", len(cfg.Agents))
	}
	gap, ok := cfg.Agents["gap_analysis"]
	if !ok {
		t.Fatal("expected gap_analysis in default agents")
	}
	if len(gap.DependsOn) != 1 || gap.DependsOn[0] != "market_discovery" {
		t.Errorf("expected gap_analysis to depend on market_discovery, got %v", gap.DependsOn)
	}
	for name, def := range cfg.Agents {
		if def.Remote {
			t.Errorf("expected default agent %s to be local", name)
		}
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
pipeline:
  name: "acme-clone"
  agent_timeout: 5m
  required: [product_blueprint, deploy]
agents:
  market_discovery:
    description: "Scan the market for comparable products"
    capability: research
  gap_analysis:
    description: "Find underserved feature gaps"
    capability: research
    depends_on: [market_discovery]
  backend:
    description: "Implement the API"
    capability: build
    depends_on: [design]
    remote: true
    image: "klonos-agent:backend"
    model: "opus"
    timeout: 20m
    env:
      STACK: go
    secrets: [github_token]
containers:
  image: "custom-agent:v1"
  max_running: 10
web:
  port: 3000
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KLONOS_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Pipeline.Name != "acme-clone" {
		t.Errorf("expected acme-clone, got %s", cfg.Pipeline.Name)
	}
	if cfg.Pipeline.AgentTimeout != 5*time.Minute {
		t.Errorf("expected agent_timeout 5m, got %v", cfg.Pipeline.AgentTimeout)
	}
	if len(cfg.Pipeline.Required) != 2 || cfg.Pipeline.Required[0] != "product_blueprint" {
		t.Errorf("expected required [product_blueprint deploy], got %v", cfg.Pipeline.Required)
	}
	if len(cfg.Agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(cfg.Agents))
	}
	gap := cfg.Agents["gap_analysis"]
	if len(gap.DependsOn) != 1 || gap.DependsOn[0] != "market_discovery" {
		t.Errorf("expected gap_analysis to depend on market_discovery, got %v", gap.DependsOn)
	}
	backend := cfg.Agents["backend"]
	if !backend.Remote {
		t.Error("expected backend remote")
	}
	if backend.Image != "klonos-agent:backend" {
		t.Errorf("expected backend image klonos-agent:backend, got %s", backend.Image)
	}
	if backend.Timeout != 20*time.Minute {
		t.Errorf("expected backend timeout 20m, got %v", backend.Timeout)
	}
	if backend.Env["STACK"] != "go" {
		t.Errorf("expected backend env STACK=go, got %v", backend.Env)
	}
	if len(backend.Secrets) != 1 || backend.Secrets[0] != "github_token" {
		t.Errorf("expected backend secrets [github_token], got %v", backend.Secrets)
	}
	if cfg.Containers.Image != "custom-agent:v1" {
		t.Errorf("expected custom-agent:v1, got %s", cfg.Containers.Image)
	}
	if cfg.Containers.MaxRunning != 10 {
		t.Errorf("expected max_running 10, got %d", cfg.Containers.MaxRunning)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	// Sections absent from the file keep their defaults.
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected default nats port 4222, got %d", cfg.NATS.Port)
	}
}

func TestLoadExpandsEnvInYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
vault:
  passphrase: "${TEST_KLONOS_PASS}"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KLONOS_CONFIG", cfgPath)
	t.Setenv("TEST_KLONOS_PASS", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Vault.Passphrase != "from-env" {
		t.Errorf("expected from-env, got %s", cfg.Vault.Passphrase)
	}
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("pipeline: [not: valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KLONOS_CONFIG", cfgPath)

	if _, err := Load(); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
