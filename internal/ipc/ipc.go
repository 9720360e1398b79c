// Package ipc answers request/reply commands from the krun client on
// the embedded bus, so scripts on the host can drive a running service
// without going through the web console.
package ipc

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"klonos/internal/graph"
	"klonos/internal/natsbus"
	"klonos/internal/pipeline"
	"klonos/internal/store"
)

// Service is the suffix of the IPC topic a running klonos listens on.
const Service = "klonos"

// Request is the wire shape krun sends.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Server struct {
	client   *natsbus.Client
	store    *store.Store
	graph    *graph.Store
	launcher *pipeline.Launcher
	sub      *nats.Subscription
}

func NewServer(client *natsbus.Client, s *store.Store, g *graph.Store, launcher *pipeline.Launcher) *Server {
	return &Server{client: client, store: s, graph: g, launcher: launcher}
}

func (srv *Server) Start() error {
	sub, err := srv.client.Subscribe(natsbus.TopicIPC(Service), srv.handle)
	if err != nil {
		return err
	}
	srv.sub = sub
	return srv.client.Flush()
}

func (srv *Server) Stop() {
	if srv.sub != nil {
		_ = srv.sub.Unsubscribe()
	}
}

func (srv *Server) handle(msg *nats.Msg) {
	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		slog.Warn("invalid ipc request", "error", err)
		srv.respond(msg, map[string]any{"error": "invalid request"})
		return
	}

	slog.Info("ipc request received", "type", req.Type)

	switch req.Type {
	case "run.start":
		srv.startRun(msg, req.Payload)
	case "run.list":
		srv.listRuns(msg, req.Payload)
	case "run.status":
		srv.runStatus(msg, req.Payload)
	case "graph.stats":
		srv.graphStats(msg)
	default:
		slog.Warn("unknown ipc request", "type", req.Type)
		srv.respond(msg, map[string]any{"error": "unknown request: " + req.Type})
	}
}

func (srv *Server) respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal ipc response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to ipc request", "error", err)
	}
}

func (srv *Server) startRun(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Initial map[string]any `json:"initial"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			srv.respond(msg, map[string]any{"error": "invalid payload"})
			return
		}
	}

	run, err := srv.launcher.Launch(pipeline.Request{Initial: req.Initial})
	if err != nil {
		srv.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	srv.respond(msg, map[string]any{"ok": true, "id": run.ID, "status": run.Status})
}

func (srv *Server) listRuns(msg *nats.Msg, payload json.RawMessage) {
	limit := 20
	if len(payload) > 0 {
		var req struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(payload, &req); err == nil && req.Limit > 0 {
			limit = req.Limit
		}
	}

	runs, err := srv.store.ListRuns(limit)
	if err != nil {
		srv.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []store.PipelineRun{}
	}
	srv.respond(msg, map[string]any{"ok": true, "runs": runs})
}

func (srv *Server) runStatus(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		srv.respond(msg, map[string]any{"error": "id is required"})
		return
	}

	run, err := srv.store.GetRun(req.ID)
	if err != nil {
		srv.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	if run == nil {
		srv.respond(msg, map[string]any{"error": "run not found: " + req.ID})
		return
	}

	results, err := srv.store.ListResults(run.ID)
	if err != nil {
		srv.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	if results == nil {
		results = []store.AgentResult{}
	}
	srv.respond(msg, map[string]any{"ok": true, "run": run, "results": results})
}

func (srv *Server) graphStats(msg *nats.Msg) {
	srv.respond(msg, map[string]any{"ok": true, "stats": srv.graph.Stats()})
}
