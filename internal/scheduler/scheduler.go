// Package scheduler fires scheduled refreshes. It polls the store for
// due refreshes and launches a pipeline run for each, so market data
// re-discovers itself without anyone clicking a button.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"klonos/internal/config"
	"klonos/internal/natsbus"
	"klonos/internal/pipeline"
	"klonos/internal/schedule"
	"klonos/internal/store"
)

type Scheduler struct {
	store        *store.Store
	launcher     *pipeline.Launcher
	client       *natsbus.Client
	pollInterval time.Duration
	reloadCh     chan time.Duration
}

func New(s *store.Store, launcher *pipeline.Launcher, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		launcher:     launcher,
		client:       client,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan time.Duration, 1),
	}
}

// UpdateConfig hands the run loop a new poll interval. A pending
// unconsumed update is replaced rather than queued behind.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	select {
	case <-s.reloadCh:
	default:
	}
	s.reloadCh <- pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case d := <-s.reloadCh:
			s.pollInterval = d
			ticker.Reset(d)
			slog.Info("scheduler config reloaded", "poll_interval", d)
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	due, err := s.store.GetDueRefreshes(time.Now())
	if err != nil {
		slog.Error("failed to get due refreshes", "error", err)
		return
	}

	for _, r := range due {
		s.execute(r)
	}
}

// execute launches one refresh run. The launch is asynchronous; the
// refresh row records that the run started and links to it, while the
// run row carries the eventual outcome.
func (s *Scheduler) execute(r store.Refresh) {
	slog.Info("executing refresh", "id", r.ID, "name", r.Name)

	initial := map[string]any{}
	if len(r.Initial) > 0 {
		if err := json.Unmarshal(r.Initial, &initial); err != nil {
			slog.Error("refresh has invalid initial fields", "id", r.ID, "error", err)
			initial = map[string]any{}
		}
	}
	initial["refresh_id"] = r.ID

	var runID, lastStatus, lastError string
	run, err := s.launcher.Launch(pipeline.Request{Initial: initial})
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("refresh launch failed", "id", r.ID, "error", err)
	} else {
		lastStatus = "launched"
		runID = run.ID
	}

	nextRun := schedule.NextRun(r.Schedule)

	if err := s.store.UpdateRefreshRun(r.ID, runID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update refresh run", "id", r.ID, "error", err)
	}

	s.publishExecuted(r, lastStatus, runID)

	if nextRun == nil {
		slog.Info("no next run, marking one-off refresh as completed", "id", r.ID, "name", r.Name)
		if err := s.store.UpdateRefreshStatus(r.ID, "completed"); err != nil {
			slog.Error("failed to complete refresh", "id", r.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecuted(r store.Refresh, status, runID string) {
	if s.client == nil {
		return
	}

	event := map[string]any{
		"type":       "refresh_executed",
		"refresh_id": r.ID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"name":   r.Name,
			"status": status,
			"run_id": runID,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = s.client.Publish(natsbus.TopicRefreshEvents(r.ID), data)
}
