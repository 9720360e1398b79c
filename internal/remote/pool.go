// Package remote executes pipeline agents that run outside the host
// process. Each remote agent lives in a container subscribed to its
// input topic; the pool ensures the container is up, sends the agent
// its input over NATS request/reply, and hands the payload back to the
// executor. A nil container manager means agents are managed
// externally and the pool only speaks NATS.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"klonos/internal/config"
	"klonos/internal/container"
	"klonos/internal/natsbus"
	"klonos/internal/pipeline"
	"klonos/internal/registry"
	"klonos/internal/store"
	"klonos/internal/vault"
)

const secretRefPrefix = "secret:"

type Pool struct {
	bus        *natsbus.Bus
	client     *natsbus.Client
	containers *container.Manager
	store      *store.Store
	registry   *registry.Registry
	vault      *vault.Vault

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewPool(bus *natsbus.Bus, client *natsbus.Client, containers *container.Manager, s *store.Store, reg *registry.Registry, v *vault.Vault) *Pool {
	return &Pool{
		bus:        bus,
		client:     client,
		containers: containers,
		store:      s,
		registry:   reg,
		vault:      v,
		inflight:   make(map[string]chan struct{}),
	}
}

// Runner satisfies registry.RemoteFactory.
func (p *Pool) Runner(name string, def config.AgentDefinition) pipeline.Runner {
	return &remoteRunner{pool: p, name: name, def: def}
}

type remoteRunner struct {
	pool *Pool
	name string
	def  config.AgentDefinition
}

func (r *remoteRunner) Run(ctx context.Context, in pipeline.Input) (map[string]any, error) {
	return r.pool.run(ctx, r.name, r.def, in)
}

func (p *Pool) run(ctx context.Context, name string, def config.AgentDefinition, in pipeline.Input) (map[string]any, error) {
	if err := p.acquire(ctx, name); err != nil {
		return nil, err
	}
	defer p.release(name)

	if p.containers != nil {
		if err := p.ensureContainer(ctx, name, def, in.Workspace); err != nil {
			return nil, err
		}
		defer p.containers.Touch(name)
	}

	req := map[string]any{
		"run_id":     in.RunID,
		"agent":      name,
		"capability": in.Capability,
		"fields":     in.Fields,
	}
	if in.Workspace != "" {
		// The container sees the run workspace bind-mounted here.
		req["workspace"] = "/workspace"
	}

	timeout := 5 * time.Minute
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	var resp struct {
		Status  string         `json:"status"`
		Payload map[string]any `json:"payload"`
		Error   string         `json:"error"`
	}
	if err := p.client.RequestJSON(natsbus.TopicAgentInput(name), req, &resp, timeout); err != nil {
		return nil, fmt.Errorf("agent request: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if resp.Status != "" && resp.Status != "succeeded" {
		return nil, fmt.Errorf("agent reported status %s", resp.Status)
	}
	return p.redact(name, def, resp.Payload), nil
}

// acquire serializes execution per agent. One container handles one
// piece of work at a time; overlapping runs queue here.
func (p *Pool) acquire(ctx context.Context, name string) error {
	p.mu.Lock()
	sem, ok := p.inflight[name]
	if !ok {
		sem = make(chan struct{}, 1)
		p.inflight[name] = sem
	}
	p.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release(name string) {
	p.mu.Lock()
	sem := p.inflight[name]
	p.mu.Unlock()
	<-sem
}

func (p *Pool) ensureContainer(ctx context.Context, name string, def config.AgentDefinition, workspace string) error {
	if p.containers.GetRunning(name) != nil {
		p.containers.Touch(name)
		return nil
	}

	clientsBefore := p.bus.NumClients()
	opts := container.AgentOpts{
		Agent:     name,
		Image:     p.registry.ResolveImage(name),
		Model:     p.registry.ResolveModel(name),
		NATSUrl:   p.bus.AgentNATSURL(),
		Workspace: workspace,
		Env:       p.resolveEnv(name, def.Env),
		Secrets:   p.resolveSecrets(name, def),
	}

	if _, err := p.containers.StartAgent(ctx, opts); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	p.waitReady(ctx, name, clientsBefore)
	return nil
}

// waitReady watches the NATS client count to detect the freshly
// started container coming online. On timeout the request proceeds
// anyway and fails loudly if nothing subscribed.
func (p *Pool) waitReady(ctx context.Context, name string, clientsBefore int) {
	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			slog.Warn("agent ready timeout, sending anyway", "agent", name, "nats_clients", p.bus.NumClients())
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if current := p.bus.NumClients(); current > clientsBefore {
				// Give the agent a moment to set up subscriptions
				time.Sleep(500 * time.Millisecond)
				slog.Info("agent container ready", "agent", name, "nats_clients", current)
				return
			}
		}
	}
}

// resolveEnv expands secret:name references in the agent's env vars.
// Unresolvable references are dropped rather than passed through.
func (p *Pool) resolveEnv(name string, env map[string]string) map[string]string {
	out := maps.Clone(env)
	for k, v := range out {
		secretName, ok := strings.CutPrefix(v, secretRefPrefix)
		if !ok {
			continue
		}
		value, err := p.decryptSecret(secretName)
		if err != nil {
			slog.Warn("failed to resolve env secret", "agent", name, "env", k, "secret", secretName, "error", err)
			delete(out, k)
			continue
		}
		out[k] = value
	}
	return out
}

// resolveSecrets gathers decrypted values for every secret granted to
// the agent: config grants plus stored grants, globals included.
func (p *Pool) resolveSecrets(name string, def config.AgentDefinition) map[string]string {
	if p.vault == nil || p.store == nil {
		return nil
	}

	names := make(map[string]bool)
	for _, n := range def.Secrets {
		names[n] = true
	}
	if rows, err := p.store.GetAgentSecrets(name); err == nil {
		for _, row := range rows {
			names[row.Name] = true
		}
	}

	out := make(map[string]string)
	for n := range names {
		value, err := p.decryptSecret(n)
		if err != nil {
			slog.Warn("failed to resolve secret", "agent", name, "secret", n, "error", err)
			continue
		}
		out[n] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (p *Pool) decryptSecret(name string) (string, error) {
	sec, err := p.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return p.vault.DecryptString(sec.Value, sec.Nonce)
}

// redact scrubs granted secret values out of a payload before it
// joins the run record. Containers get secrets; run artifacts must
// not. Only values of 8 bytes or more are checked to avoid false
// positives on short strings.
func (p *Pool) redact(name string, def config.AgentDefinition, payload map[string]any) map[string]any {
	if p.vault == nil || p.store == nil || len(payload) == 0 {
		return payload
	}

	values := p.resolveSecrets(name, def)
	if values == nil {
		values = make(map[string]string)
	}
	for k, v := range def.Env {
		secretName, ok := strings.CutPrefix(v, secretRefPrefix)
		if !ok {
			continue
		}
		if value, err := p.decryptSecret(secretName); err == nil {
			values["env:"+k] = value
		}
	}
	if len(values) == 0 {
		return payload
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return payload
	}

	s := string(data)
	redacted := false
	for label, value := range values {
		if len(value) < 8 {
			continue
		}
		if strings.Contains(s, value) {
			slog.Warn("redacted secret from agent payload", "agent", name, "secret", label)
			s = strings.ReplaceAll(s, value, "[REDACTED]")
			redacted = true
		}
	}
	if !redacted {
		return payload
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return payload
	}
	return out
}
