package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Pipeline   PipelineConfig             `yaml:"pipeline"`
	Agents     map[string]AgentDefinition `yaml:"agents"`
	Containers ContainerConfig            `yaml:"containers"`
	NATS       NATSConfig                 `yaml:"nats"`
	Store      StoreConfig                `yaml:"store"`
	Output     OutputConfig               `yaml:"output"`
	Web        WebConfig                  `yaml:"web"`
	Scheduler  SchedulerConfig            `yaml:"scheduler"`
	Vault      VaultConfig                `yaml:"vault"`
	Telegram   TelegramConfig             `yaml:"telegram"`
}

type PipelineConfig struct {
	Name         string        `yaml:"name"`
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	Required     []string      `yaml:"required"`
}

// AgentDefinition declares one pipeline stage. Builtin agents only need
// depends_on and capability; remote agents additionally carry the container
// image, model, env, and secret grants.
type AgentDefinition struct {
	Description string            `yaml:"description"`
	Capability  string            `yaml:"capability"`
	DependsOn   []string          `yaml:"depends_on"`
	Remote      bool              `yaml:"remote"`
	Image       string            `yaml:"image"`
	Model       string            `yaml:"model"`
	Timeout     time.Duration     `yaml:"timeout"`
	Env         map[string]string `yaml:"env"`
	Secrets     []string          `yaml:"secrets"`
}

type ContainerConfig struct {
	Image       string        `yaml:"image"`
	Model       string        `yaml:"model"`
	MaxRunning  int           `yaml:"max_running"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type OutputConfig struct {
	Root string `yaml:"root"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	ChatID    int64   `yaml:"chat_id"`
	AllowFrom []int64 `yaml:"allow_from"`
}

func defaults() Config {
	return Config{
		Pipeline: PipelineConfig{
			Name:         "saas-clone",
			AgentTimeout: 10 * time.Minute,
		},
		Containers: ContainerConfig{
			Image:       "klonos-agent:latest",
			MaxRunning:  5,
			IdleTimeout: 30 * time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/klonos.db",
		},
		Output: OutputConfig{
			Root: "output",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

// DefaultAgents is the research pipeline used when no agents are
// configured: discovery feeds analysis, analysis feeds the blueprint,
// and the knowledge graph curator runs last.
func DefaultAgents() map[string]AgentDefinition {
	return map[string]AgentDefinition{
		"market_discovery":  {Description: "Discover comparable products in the target category", Capability: "discovery"},
		"gap_analysis":      {Description: "Find underserved feature gaps across competitors", Capability: "analysis", DependsOn: []string{"market_discovery"}},
		"product_blueprint": {Description: "Draft the clone blueprint from the gap analysis", Capability: "planning", DependsOn: []string{"gap_analysis"}},
		"knowledge_graph":   {Description: "Curate and snapshot the knowledge graph", Capability: "curation", DependsOn: []string{"product_blueprint"}},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("KLONOS_CONFIG")
	if path == "" {
		path = "config/klonos.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if len(cfg.Agents) == 0 {
		cfg.Agents = DefaultAgents()
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KLONOS_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("KLONOS_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("KLONOS_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("KLONOS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("KLONOS_OUTPUT_ROOT"); v != "" {
		cfg.Output.Root = v
	}
	if v := os.Getenv("KLONOS_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("KLONOS_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
}
