// Package container runs remote agents as docker containers. Each
// remote agent gets one long-lived container that subscribes to its
// input topic on the embedded NATS server; the manager owns the
// container lifecycle, the shared network, and the idle reaper.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"klonos/internal/config"
)

const (
	labelPrefix = "klonos"
	networkName = "klonos-net"
)

type Manager struct {
	docker      *client.Client
	cfg         config.ContainerConfig
	mu          sync.RWMutex
	active      map[string]*ContainerInfo // agent name → container
	networkName string
}

type ContainerInfo struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	LastUsed  time.Time `json:"last_used"`
}

// AgentOpts describes one agent container. Secrets carry decrypted
// values resolved by the caller; this package never sees the vault.
type AgentOpts struct {
	Agent     string
	Image     string
	Model     string
	NATSUrl   string
	Workspace string
	Env       map[string]string
	Secrets   map[string]string
	Mounts    []Mount
}

func NewManager(cfg config.ContainerConfig) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	return &Manager{
		docker: docker,
		cfg:    cfg,
		active: make(map[string]*ContainerInfo),
	}, nil
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.networkName != "" {
		return nil
	}

	_, err := m.docker.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		m.networkName = networkName
		return nil
	}

	_, err = m.docker.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	m.networkName = networkName
	slog.Info("created docker network", "network", networkName)
	return nil
}

// StartAgent ensures a container for the agent is running and returns
// it. An already running container is reused and its idle clock reset.
func (m *Manager) StartAgent(ctx context.Context, opts AgentOpts) (*ContainerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[opts.Agent]; ok {
		existing.LastUsed = time.Now()
		return existing, nil
	}

	if m.cfg.MaxRunning > 0 && len(m.active) >= m.cfg.MaxRunning {
		return nil, fmt.Errorf("max containers (%d) reached", m.cfg.MaxRunning)
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	containerName := fmt.Sprintf("klonos-agent-%s", opts.Agent)

	// Remove any stale container with the same name
	timeout := 5
	_ = m.docker.ContainerStop(ctx, containerName, dockercontainer.StopOptions{Timeout: &timeout})
	_ = m.docker.ContainerRemove(ctx, containerName, dockercontainer.RemoveOptions{Force: true})

	env := []string{
		fmt.Sprintf("NATS_URL=%s", opts.NATSUrl),
		fmt.Sprintf("AGENT_NAME=%s", opts.Agent),
	}
	if model := opts.Model; model != "" {
		env = append(env, fmt.Sprintf("AGENT_MODEL=%s", model))
	} else if m.cfg.Model != "" {
		env = append(env, fmt.Sprintf("AGENT_MODEL=%s", m.cfg.Model))
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for name, value := range opts.Secrets {
		env = append(env, fmt.Sprintf("%s=%s", name, value))
	}

	image := opts.Image
	if image == "" {
		image = m.cfg.Image
	}

	containerCfg := &dockercontainer.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   opts.Agent,
		},
	}

	hostCfg := &dockercontainer.HostConfig{
		Binds:       buildMounts(opts),
		NetworkMode: dockercontainer.NetworkMode(m.networkName),
		ExtraHosts:  []string{"host.docker.internal:host-gateway"},
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	now := time.Now()
	info := &ContainerInfo{
		ID:        resp.ID,
		Agent:     opts.Agent,
		Name:      containerName,
		Image:     image,
		Status:    "running",
		StartedAt: now,
		LastUsed:  now,
	}
	m.active[opts.Agent] = info

	slog.Info("agent container started", "agent", opts.Agent, "container", resp.ID[:12])
	return info, nil
}

// Touch resets an agent container's idle clock.
func (m *Manager) Touch(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.active[agent]; ok {
		info.LastUsed = time.Now()
	}
}

func (m *Manager) StopAgent(ctx context.Context, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, agent)
}

func (m *Manager) stopLocked(ctx context.Context, agent string) error {
	info, ok := m.active[agent]
	if !ok {
		return nil
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", info.ID[:12], "error", err)
	}
	if err := m.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", info.ID[:12], "error", err)
	}

	delete(m.active, agent)
	slog.Info("agent container stopped", "agent", agent)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	agents := make([]string, 0, len(m.active))
	for name := range m.active {
		agents = append(agents, name)
	}
	m.mu.RUnlock()

	for _, name := range agents {
		_ = m.StopAgent(ctx, name)
	}
}

func (m *Manager) ListRunning() []ContainerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ContainerInfo, 0, len(m.active))
	for _, info := range m.active {
		result = append(result, *info)
	}
	return result
}

func (m *Manager) GetRunning(agent string) *ContainerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.active[agent]; ok {
		copied := *info
		return &copied
	}
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// UpdateConfig swaps the container defaults used for future starts.
// Running containers are untouched; the reaper picks up a changed idle
// timeout on its next tick.
func (m *Manager) UpdateConfig(cfg config.ContainerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// StartReaper stops containers that sat idle longer than the
// configured idle timeout. Blocks until the context is cancelled.
func (m *Manager) StartReaper(ctx context.Context) {
	m.mu.RLock()
	enabled := m.cfg.IdleTimeout > 0
	m.mu.RUnlock()
	if !enabled {
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle(ctx)
		}
	}
}

func (m *Manager) reapIdle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	for agent, info := range m.active {
		if info.LastUsed.Before(cutoff) {
			slog.Info("reaping idle agent container", "agent", agent, "idle_since", info.LastUsed)
			_ = m.stopLocked(ctx, agent)
		}
	}
}

// CleanupStale removes labeled containers left over from a previous
// process, so a crashed host never strands agents.
func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, info := range m.active {
		activeIDs[info.ID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", c.ID[:12])
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func (m *Manager) BuildImage(ctx context.Context) error {
	m.mu.RLock()
	image := m.cfg.Image
	m.mu.RUnlock()
	return BuildAgentImage(ctx, m.docker, image)
}
