package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"klonos/internal/pipeline"
)

// Stage is the local stand-in for build agents that normally run in
// containers. It records what it received and leaves a report in its
// workspace so downstream stages and the run summary have something
// real to point at.
type Stage struct{}

func NewStage() *Stage {
	return &Stage{}
}

func (a *Stage) Run(ctx context.Context, in pipeline.Input) (map[string]any, error) {
	slog.Info("running local stage", "run", in.RunID, "agent", in.Agent, "capability", in.Capability)

	inputs := make([]string, 0, len(in.Fields))
	for k := range in.Fields {
		inputs = append(inputs, k)
	}
	sort.Strings(inputs)

	deps := make([]string, 0, len(in.Dependencies))
	for name := range in.Dependencies {
		deps = append(deps, name)
	}
	sort.Strings(deps)

	payload := map[string]any{
		"stage":      in.Agent,
		"capability": in.Capability,
		"consumed":   deps,
		in.Agent + "_completed": true,
	}

	if in.Workspace != "" {
		report := map[string]any{
			"agent":        in.Agent,
			"capability":   in.Capability,
			"run_id":       in.RunID,
			"generated_at": time.Now().UTC().Format(time.RFC3339),
			"input_fields": inputs,
			"dependencies": deps,
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal report: %w", err)
		}
		path := filepath.Join(in.Workspace, "report.json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("write report: %w", err)
		}
		payload["report"] = path
	}

	return payload, nil
}
