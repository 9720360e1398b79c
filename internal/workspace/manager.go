package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"klonos/internal/config"
)

// Manager owns the output tree on disk. Each run gets a directory under
// the configured root, with one subdirectory per agent for artifacts and
// run-level documents (summary.json, graph.json) at the top.
type Manager struct {
	root string
}

func NewManager(cfg config.OutputConfig) *Manager {
	return &Manager{root: cfg.Root}
}

func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) RunRoot(runID string) string {
	return filepath.Join(m.root, runID)
}

func (m *Manager) AgentDir(runID, agent string) string {
	return filepath.Join(m.root, runID, agent)
}

func (m *Manager) EnsureRun(runID string) error {
	if err := os.MkdirAll(m.RunRoot(runID), 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	return nil
}

func (m *Manager) EnsureAgentDir(runID, agent string) (string, error) {
	dir := m.AgentDir(runID, agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create agent dir: %w", err)
	}
	return dir, nil
}

// WriteDocument marshals v as indented JSON into <root>/<runID>/<name>.
// The write goes through a temp file and rename so readers never observe
// a partial document.
func (m *Manager) WriteDocument(runID, name string, v any) (string, error) {
	if err := m.EnsureRun(runID); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(m.RunRoot(runID), name)
	tmp, err := os.CreateTemp(m.RunRoot(runID), name+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return path, nil
}

func (m *Manager) ReadDocument(runID, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(m.RunRoot(runID), name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (m *Manager) WriteSummary(runID string, v any) (string, error) {
	return m.WriteDocument(runID, "summary.json", v)
}

func (m *Manager) WriteGraph(runID string, v any) (string, error) {
	return m.WriteDocument(runID, "graph.json", v)
}

// ListRuns returns run directory names under the root, newest first by
// directory modification time.
func (m *Manager) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output root: %w", err)
	}

	type runDir struct {
		name  string
		mtime int64
	}
	var dirs []runDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, runDir{e.Name(), info.ModTime().UnixNano()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mtime > dirs[j].mtime })

	names := make([]string, len(dirs))
	for i, d := range dirs {
		names[i] = d.name
	}
	return names, nil
}

func (m *Manager) RemoveRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("empty run id")
	}
	return os.RemoveAll(m.RunRoot(runID))
}
