package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"klonos/internal/agents"
	"klonos/internal/config"
	"klonos/internal/container"
	"klonos/internal/graph"
	"klonos/internal/ipc"
	"klonos/internal/natsbus"
	"klonos/internal/pipeline"
	"klonos/internal/registry"
	"klonos/internal/remote"
	"klonos/internal/scheduler"
	"klonos/internal/store"
	"klonos/internal/telegram"
	"klonos/internal/vault"
	"klonos/internal/web"
	"klonos/internal/workspace"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("klonos %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "run":
		if err := runOnce(os.Args[2:]); err != nil {
			slog.Error("run failed", "error", err)
			os.Exit(1)
		}
	case "graph":
		if err := runGraph(os.Args[2:]); err != nil {
			fatal("%v", err)
		}
	case "secret":
		if err := runSecret(os.Args[2:]); err != nil {
			fatal("%v", err)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			fatal("%v", err)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			fatal("%v", err)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: klonos <command>

Commands:
  serve      Start the klonos service
  run        Execute one pipeline run in-process
  graph      Export, import or inspect the knowledge graph
  secret     Manage vault secrets
  backup     Archive the data directory
  restore    Restore a backup archive
  version    Print version
`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting klonos", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats client: %w", err)
	}
	defer client.Close()

	// Knowledge graph, restored from the newest snapshot
	g := restoreGraph(db)

	// Agent registry
	reg := registry.New(db, cfg.Agents, cfg.Containers)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}

	// Container manager
	ctrMgr, err := container.NewManager(cfg.Containers)
	if err != nil {
		return fmt.Errorf("init container manager: %w", err)
	}
	if err := ctrMgr.CleanupStale(ctx); err != nil {
		slog.Warn("stale container cleanup failed", "error", err)
	}
	go ctrMgr.StartReaper(ctx)

	// Vault
	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		v = vault.New(cfg.Vault.Passphrase)
		slog.Info("vault ready", "fingerprint", v.Fingerprint())
	} else {
		slog.Warn("vault passphrase not set, secret decryption disabled")
	}

	// Remote agent pool + pipeline registry
	pool := remote.NewPool(bus, client, ctrMgr, db, reg, v)
	preg, err := reg.Build(agents.Builtins(g, db), pool.Runner)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ws := workspace.NewManager(cfg.Output)
	launcher := pipeline.NewLauncher(preg, db, ws, g, client, pipeline.Options{
		Pipeline:       cfg.Pipeline.Name,
		DefaultTimeout: cfg.Pipeline.AgentTimeout,
		Timeouts:       reg.Timeouts(),
		Required:       cfg.Pipeline.Required,
	})

	// IPC endpoint for krun
	ipcSrv := ipc.NewServer(client, db, g, launcher)
	if err := ipcSrv.Start(); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer ipcSrv.Stop()

	// Scheduler
	sched := scheduler.New(db, launcher, client, cfg.Scheduler)
	go sched.Start(ctx)

	// Telegram bot
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, db, g)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		launcher.SetNotify(bot.Notify)
		go bot.Start(ctx)
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web console
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, g, reg, launcher, ctrMgr, cfg.Web, v, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	reload := func() {
		next, err := config.Load()
		if err != nil {
			slog.Error("config reload failed", "error", err)
			return
		}
		d := config.Diff(cfg, next)
		if len(d.NonReloadable) > 0 {
			slog.Warn("config changes need a restart", "fields", d.NonReloadable)
		}
		if !d.HasChanges() {
			slog.Info("config reloaded, no pipeline changes")
			cfg = next
			return
		}

		// Validate the new agent set before touching anything live.
		scratch := registry.New(db, next.Agents, next.Containers)
		preg, err := scratch.Build(agents.Builtins(g, db), pool.Runner)
		if err != nil {
			slog.Error("config reload rejected", "error", err)
			return
		}
		if err := reg.Update(next.Agents, next.Containers); err != nil {
			slog.Error("agent registry update failed", "error", err)
			return
		}
		if d.ContainersChanged {
			ctrMgr.UpdateConfig(d.NewContainers)
		}
		launcher.UpdatePipeline(preg, pipeline.Options{
			Pipeline:       next.Pipeline.Name,
			DefaultTimeout: next.Pipeline.AgentTimeout,
			Timeouts:       reg.Timeouts(),
			Required:       next.Pipeline.Required,
		})
		if d.SchedulerChanged {
			sched.UpdateConfig(d.NewScheduler.PollInterval)
		}
		cfg = next
		slog.Info("config reloaded", "agents_added", len(d.AgentsAdded),
			"agents_removed", len(d.AgentsRemoved), "agents_changed", len(d.AgentsChanged))
	}

	// Wait for shutdown; SIGHUP reloads the config in place.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			reload()
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	// Cleanup
	ctrMgr.StopAll(context.Background())
	return nil
}

// inputFlags collects repeated --input key=value pairs.
type inputFlags map[string]any

func (f inputFlags) String() string { return "" }

func (f inputFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	f[key] = value
	return nil
}

func runOnce(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	demo := fs.Bool("demo", false, "run remote build stages as local stand-ins")
	required := fs.String("required", "", "comma-separated agents whose failure fails the run")
	inputs := inputFlags{}
	fs.Var(&inputs, "input", "initial context field as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	g := restoreGraph(db)

	reg := registry.New(db, cfg.Agents, cfg.Containers)
	if err := reg.Sync(); err != nil {
		return fmt.Errorf("sync agent registry: %w", err)
	}

	remoteConfigured := false
	for _, def := range cfg.Agents {
		if def.Remote {
			remoteConfigured = true
			break
		}
	}

	var client *natsbus.Client
	var factory registry.RemoteFactory
	switch {
	case *demo:
		factory = func(name string, def config.AgentDefinition) pipeline.Runner {
			return agents.NewStage()
		}
	case remoteConfigured:
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()

		client, err = natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("connect nats client: %w", err)
		}
		defer client.Close()

		ctrMgr, err := container.NewManager(cfg.Containers)
		if err != nil {
			return fmt.Errorf("init container manager: %w", err)
		}
		defer ctrMgr.StopAll(context.Background())

		var v *vault.Vault
		if cfg.Vault.Passphrase != "" {
			v = vault.New(cfg.Vault.Passphrase)
		}
		factory = remote.NewPool(bus, client, ctrMgr, db, reg, v).Runner
	}

	preg, err := reg.Build(agents.Builtins(g, db), factory)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	opts := pipeline.Options{
		Pipeline:       cfg.Pipeline.Name,
		DefaultTimeout: cfg.Pipeline.AgentTimeout,
		Timeouts:       reg.Timeouts(),
		Required:       cfg.Pipeline.Required,
	}
	if *required != "" {
		opts.Required = strings.Split(*required, ",")
		for i := range opts.Required {
			opts.Required[i] = strings.TrimSpace(opts.Required[i])
		}
	}

	ws := workspace.NewManager(cfg.Output)
	launcher := pipeline.NewLauncher(preg, db, ws, g, client, opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, runErr := launcher.LaunchWait(ctx, pipeline.Request{Initial: inputs})
	if rc == nil {
		return runErr
	}

	printRunTable(rc, ws)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}
	return nil
}

func printRunTable(rc *pipeline.Context, ws *workspace.Manager) {
	succeeded, failed, skipped := rc.Counts()
	status := "completed"
	if failed > 0 || skipped > 0 {
		status = "finished with failures"
	}
	fmt.Printf("\nRun %s %s in %s\n\n", rc.RunID, status, rc.FinishedAt.Sub(rc.StartedAt).Round(10*time.Millisecond))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tCAPABILITY\tSTATUS\tDURATION\tNOTE")
	for _, r := range rc.Ordered() {
		note := ""
		switch {
		case r.FailedDependency != "":
			note = "dependency " + r.FailedDependency
		case r.TimedOut:
			note = "timed out"
		case r.Error != "":
			note = shorten(r.Error, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Agent, r.Capability, r.Status,
			r.CompletedAt.Sub(r.StartedAt).Round(10*time.Millisecond), note)
	}
	w.Flush()

	fmt.Printf("\n%d succeeded, %d failed, %d skipped\n", succeeded, failed, skipped)
	fmt.Printf("output: %s\n", ws.RunRoot(rc.RunID))
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// restoreGraph rebuilds the in-memory graph from the newest persisted
// snapshot so analysis picks up where the last run left off.
func restoreGraph(db *store.Store) *graph.Store {
	g := graph.New()

	snap, err := db.LatestGraphSnapshot()
	if err != nil {
		slog.Warn("graph snapshot lookup failed", "error", err)
		return g
	}
	if snap == nil {
		return g
	}

	var gs graph.Snapshot
	if err := json.Unmarshal(snap.Data, &gs); err != nil {
		slog.Warn("graph snapshot decode failed", "run", snap.RunID, "error", err)
		return g
	}
	if err := g.Import(gs); err != nil {
		slog.Warn("graph snapshot import failed", "run", snap.RunID, "error", err)
		return g
	}
	slog.Info("graph restored", "run", snap.RunID, "nodes", snap.Nodes, "edges", snap.Edges)
	return g
}

func runGraph(args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, `Usage: klonos graph <command>

Commands:
  export [file]   Write the graph snapshot as JSON (stdout by default)
  import <file>   Load a snapshot and persist it as the newest state
  stats           Print node and edge counts
`)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "export":
		snap := restoreGraph(db).Export()
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if len(args) > 1 {
			if err := os.WriteFile(args[1], data, 0o644); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			fmt.Fprintf(os.Stderr, "wrote %s (%d nodes, %d edges)\n", args[1], len(snap.Nodes), len(snap.Edges))
			return nil
		}
		fmt.Println(string(data))
		return nil

	case "import":
		if len(args) < 2 {
			return fmt.Errorf("usage: klonos graph import <file>")
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		var snap graph.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		g := graph.New()
		if err := g.Import(snap); err != nil {
			return fmt.Errorf("import snapshot: %w", err)
		}
		norm := g.Export()
		encoded, err := json.Marshal(norm)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		err = db.SaveGraphSnapshot(&store.GraphSnapshot{
			RunID: "import-" + uuid.New().String()[:8],
			Nodes: len(norm.Nodes),
			Edges: len(norm.Edges),
			Data:  encoded,
		})
		if err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		fmt.Printf("imported %d nodes, %d edges\n", len(norm.Nodes), len(norm.Edges))
		return nil

	case "stats":
		st := restoreGraph(db).Stats()
		fmt.Printf("nodes: %d\nedges: %d\n", st.Nodes, st.Edges)
		for _, kind := range []graph.Kind{graph.KindProduct, graph.KindFeature, graph.KindComplaint, graph.KindCategory} {
			if n := st.Kinds[kind]; n > 0 {
				fmt.Printf("  %s: %d\n", kind, n)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown graph command: %s", args[0])
	}
}
