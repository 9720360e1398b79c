package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"klonos/internal/graph"
	"klonos/internal/pipeline"
	"klonos/internal/schedule"
	"klonos/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Pipeline runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs", s.launchRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("GET /api/runs/{id}/results", s.getRunResults)
	mux.HandleFunc("GET /api/runs/{id}/metrics", s.getRunMetrics)

	// Agent catalog
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)

	// Knowledge graph
	mux.HandleFunc("GET /api/graph", s.exportGraph)
	mux.HandleFunc("POST /api/graph/import", s.importGraph)
	mux.HandleFunc("POST /api/graph/query", s.queryGraph)
	mux.HandleFunc("GET /api/graph/similar", s.similarProducts)
	mux.HandleFunc("GET /api/graph/gaps", s.featureGaps)
	mux.HandleFunc("GET /api/graph/stats", s.graphStats)

	// Product catalog
	mux.HandleFunc("GET /api/products", s.listProducts)
	mux.HandleFunc("GET /api/products/{id}", s.getProduct)

	// Scheduled refreshes
	mux.HandleFunc("GET /api/refreshes", s.listRefreshes)
	mux.HandleFunc("POST /api/refreshes", s.createRefresh)
	mux.HandleFunc("DELETE /api/refreshes/{id}", s.deleteRefresh)
	mux.HandleFunc("POST /api/refreshes/{id}/pause", s.pauseRefresh)
	mux.HandleFunc("POST /api/refreshes/{id}/resume", s.resumeRefresh)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("GET /api/secrets/{name}", s.getSecret)
	mux.HandleFunc("PUT /api/secrets/{name}", s.updateSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)
	mux.HandleFunc("GET /api/agents/{id}/secrets", s.getAgentSecrets)
	mux.HandleFunc("PUT /api/agents/{id}/secrets", s.setAgentSecrets)
	mux.HandleFunc("POST /api/agents/{id}/secrets/{name}", s.addAgentSecret)
	mux.HandleFunc("DELETE /api/agents/{id}/secrets/{name}", s.removeAgentSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.PipelineRun{}
	}
	jsonResponse(w, runs)
}

func (s *Server) launchRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Initial map[string]any `json:"initial"`
	}
	// An empty body launches with no initial fields.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := s.launcher.Launch(pipeline.Request{Initial: body.Initial})
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	if run.Status == "running" {
		jsonError(w, "run is still in progress, cancel it first", http.StatusConflict)
		return
	}
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.launcher.Cancel(id) {
		jsonError(w, "no running run with that id", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "cancelling"})
}

func (s *Server) getRunResults(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return
	}
	results, err := s.store.ListResults(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []store.AgentResult{}
	}
	jsonResponse(w, results)
}

func (s *Server) getRunMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	metrics, err := s.store.ListMetrics(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if metrics == nil {
		metrics = []store.Metric{}
	}
	jsonResponse(w, metrics)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Enrich remote agents with their container state
	runningSet := make(map[string]bool)
	if s.containers != nil {
		for _, c := range s.containers.ListRunning() {
			runningSet[c.Agent] = true
		}
	}

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		entry := map[string]any{
			"name":        a.Name,
			"description": a.Description,
			"capability":  a.Capability,
			"remote":      a.Remote,
			"model":       s.registry.ResolveModel(a.Name),
		}
		if len(a.DependsOn) > 0 {
			var deps []string
			if json.Unmarshal(a.DependsOn, &deps) == nil {
				entry["depends_on"] = deps
			}
		}
		if a.Remote {
			entry["image"] = s.registry.ResolveImage(a.Name)
			if runningSet[a.Name] {
				entry["container_status"] = "running"
			} else {
				entry["container_status"] = "stopped"
			}
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.registry.Get(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if a == nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, a)
}

func (s *Server) exportGraph(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.graph.Export())
}

func (s *Server) importGraph(w http.ResponseWriter, r *http.Request) {
	var snap graph.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.graph.Import(snap); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Persist so the imported graph survives a restart
	stats := s.graph.Stats()
	data, err := json.Marshal(s.graph.Export())
	if err == nil {
		_ = s.store.SaveGraphSnapshot(&store.GraphSnapshot{
			RunID: "import-" + uuid.New().String()[:8],
			Nodes: stats.Nodes,
			Edges: stats.Edges,
			Data:  data,
		})
	}

	jsonResponse(w, map[string]any{"status": "imported", "nodes": stats.Nodes, "edges": stats.Edges})
}

func (s *Server) queryGraph(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind          string         `json:"kind"`
		LabelContains string         `json:"label_contains"`
		Attrs         map[string]any `json:"attrs"`
		Traverse      *struct {
			StartID   string   `json:"start_id"`
			EdgeTypes []string `json:"edge_types"`
			MaxHops   int      `json:"max_hops"`
		} `json:"traverse"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p := graph.Pattern{
		Kind:          graph.Kind(body.Kind),
		LabelContains: body.LabelContains,
		Attrs:         body.Attrs,
	}
	if body.Traverse != nil {
		p.Traverse = &graph.Traversal{
			StartID:   body.Traverse.StartID,
			EdgeTypes: body.Traverse.EdgeTypes,
			MaxHops:   body.Traverse.MaxHops,
		}
	}

	nodes := []graph.Node{}
	for n := range s.graph.Query(p) {
		nodes = append(nodes, n)
	}
	jsonResponse(w, nodes)
}

func (s *Server) similarProducts(w http.ResponseWriter, r *http.Request) {
	product := r.URL.Query().Get("product")
	if product == "" {
		jsonError(w, "product query parameter is required", http.StatusBadRequest)
		return
	}
	threshold := 0.5
	if v := r.URL.Query().Get("threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			threshold = f
		}
	}

	// Accept either a full node id or a bare product key.
	id := product
	if !strings.Contains(id, ":") {
		id = graph.NodeID(graph.KindProduct, id)
	}
	sims, err := s.graph.SimilarProducts(id, threshold)
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if sims == nil {
		sims = []graph.Similarity{}
	}
	jsonResponse(w, sims)
}

func (s *Server) featureGaps(w http.ResponseWriter, r *http.Request) {
	minProducts := 2
	if v := r.URL.Query().Get("min_products"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			minProducts = n
		}
	}
	gaps := s.graph.FeatureGaps(minProducts)
	if gaps == nil {
		gaps = []graph.FeatureGap{}
	}
	jsonResponse(w, gaps)
}

func (s *Server) graphStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.graph.Stats())
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	products, err := s.store.ListProducts(category)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if products == nil {
		products = []store.Product{}
	}
	jsonResponse(w, products)
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.GetProduct(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if p == nil {
		jsonError(w, "product not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) listRefreshes(w http.ResponseWriter, r *http.Request) {
	refreshes, err := s.store.ListRefreshes()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(refreshes))
	for _, ref := range refreshes {
		out = append(out, refreshToAPI(ref))
	}
	jsonResponse(w, out)
}

func (s *Server) createRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string         `json:"name"`
		Schedule string         `json:"schedule"`
		Initial  map[string]any `json:"initial"`
		Enabled  *bool          `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" {
		jsonError(w, "name and schedule are required", http.StatusBadRequest)
		return
	}

	// Normalize schedule (handles plain cron strings)
	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	ref := store.Refresh{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Schedule: normalized,
		Status:   status,
	}
	if body.Initial != nil {
		ref.Initial, _ = json.Marshal(body.Initial)
	}
	if status == "active" {
		ref.NextRunAt = schedule.NextRun(normalized)
	}

	if err := s.store.SaveRefresh(&ref); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, refreshToAPI(ref))
}

func (s *Server) deleteRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteRefresh(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) pauseRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref, err := s.store.GetRefresh(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ref == nil {
		jsonError(w, "refresh not found", http.StatusNotFound)
		return
	}
	if err := s.store.UpdateRefreshStatus(id, "paused"); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ref.Status = "paused"
	jsonResponse(w, refreshToAPI(*ref))
}

func (s *Server) resumeRefresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ref, err := s.store.GetRefresh(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ref == nil {
		jsonError(w, "refresh not found", http.StatusNotFound)
		return
	}

	// Recompute the next run so a long pause does not fire immediately
	// with a stale timestamp.
	ref.Status = "active"
	ref.NextRunAt = schedule.NextRun(ref.Schedule)
	if ref.NextRunAt == nil {
		jsonError(w, "schedule has no future run, cannot resume", http.StatusConflict)
		return
	}
	if err := s.store.SaveRefresh(ref); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, refreshToAPI(*ref))
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	runs, _ := s.store.ListRuns(200)
	refreshes, _ := s.store.ListRefreshes()
	agentDefs, _ := s.registry.List()

	runCounts := map[string]int{}
	for _, run := range runs {
		runCounts[run.Status]++
	}

	activeRefreshes := 0
	for _, ref := range refreshes {
		if ref.Status == "active" {
			activeRefreshes++
		}
	}

	containersRunning := 0
	if s.containers != nil {
		containersRunning = len(s.containers.ListRunning())
	}

	recent := runs
	if len(recent) > 10 {
		recent = recent[:10]
	}
	recentOut := make([]map[string]string, 0, len(recent))
	for _, run := range recent {
		recentOut = append(recentOut, map[string]string{
			"id":      run.ID,
			"status":  run.Status,
			"started": formatTime(run.StartedAt),
		})
	}

	status := map[string]any{
		"status":             "ok",
		"version":            s.version,
		"uptime":             formatUptime(time.Since(s.startedAt)),
		"agents_count":       len(agentDefs),
		"containers_running": containersRunning,
		"runs":               runCounts,
		"recent_runs":        recentOut,
		"active_refreshes":   activeRefreshes,
		"graph":              s.graph.Stats(),
		"timestamp":          time.Now().UTC(),
	}
	if s.bus != nil {
		status["nats"] = "ok"
	}
	if s.vault != nil {
		status["vault"] = s.vault.Fingerprint()
	}

	jsonResponse(w, status)
}

func refreshToAPI(ref store.Refresh) map[string]any {
	m := map[string]any{
		"id":               ref.ID,
		"name":             ref.Name,
		"schedule":         ref.Schedule,
		"schedule_display": schedule.Describe(ref.Schedule),
		"status":           ref.Status,
		"enabled":          ref.Status == "active",
	}
	if len(ref.Initial) > 0 {
		m["initial"] = json.RawMessage(ref.Initial)
	}
	if ref.LastRunAt != nil {
		m["last_run"] = formatTime(*ref.LastRunAt)
	}
	if ref.NextRunAt != nil {
		m["next_run"] = formatTime(*ref.NextRunAt)
	}
	if ref.LastRunID != "" {
		m["last_run_id"] = ref.LastRunID
	}
	if ref.LastStatus != "" {
		m["last_status"] = ref.LastStatus
	}
	if ref.LastError != "" {
		m["last_error"] = ref.LastError
	}
	return m
}

func formatTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
