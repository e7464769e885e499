// Package retention purges finished tasks and workflows on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ljquan/aitu/services/workflow-go/internal/dataflow"
	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/internal/workflowstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// Config controls what is purged and when. A zero retention disables
// purging for that kind of record.
type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 1h".
	Schedule          string
	TaskRetention     time.Duration
	WorkflowRetention time.Duration
	// DeleteArtifacts removes stored media of purged tasks.
	DeleteArtifacts bool
}

// Report summarizes one sweep.
type Report struct {
	Tasks     int
	Workflows int
	Artifacts int
}

// Janitor runs sweeps on its schedule.
type Janitor struct {
	cfg       Config
	tasks     taskstore.Store
	workflows workflowstore.Store
	artifacts *dataflow.Service
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// New validates the schedule and builds a stopped janitor. artifacts may be
// nil.
func New(cfg Config, tasks taskstore.Store, workflows workflowstore.Store, artifacts *dataflow.Service, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}

	j := &Janitor{
		cfg:       cfg,
		tasks:     tasks,
		workflows: workflows,
		artifacts: artifacts,
		cron:      cron.New(),
		logger:    logger.With("component", "retention"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.run); err != nil {
		return nil, fmt.Errorf("schedule retention: %w", err)
	}
	return j, nil
}

// Start begins running sweeps in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("retention started",
		"schedule", j.cfg.Schedule,
		"task_retention", j.cfg.TaskRetention,
		"workflow_retention", j.cfg.WorkflowRetention,
	)
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	report, err := j.Sweep(ctx)
	if err != nil {
		j.logger.Warn("retention sweep incomplete", "error", err)
	}
	if report.Tasks+report.Workflows > 0 {
		j.logger.Info("retention sweep",
			"tasks", report.Tasks,
			"workflows", report.Workflows,
			"artifacts", report.Artifacts,
		)
	}
}

// Sweep removes finished records older than their retention. Individual
// delete failures are collected and the sweep continues.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	if j.cfg.TaskRetention > 0 {
		cutoff := j.now().Add(-j.cfg.TaskRetention)
		for _, status := range []types.TaskStatus{types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled} {
			tasks, err := j.tasks.List(ctx, &taskstore.ListOptions{Status: status})
			metrics.ObserveStore("task", "list", err)
			if err != nil {
				errs = append(errs, fmt.Errorf("list %s tasks: %w", status, err))
				continue
			}
			for _, task := range tasks {
				if !expired(task.CompletedAt, task.UpdatedAt, cutoff) {
					continue
				}
				if err := j.purgeTask(ctx, task.ID, &report); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	if j.cfg.WorkflowRetention > 0 {
		cutoff := j.now().Add(-j.cfg.WorkflowRetention)
		for _, status := range []types.WorkflowStatus{types.WorkflowStatusCompleted, types.WorkflowStatusFailed, types.WorkflowStatusCancelled} {
			wfs, err := j.workflows.List(ctx, &workflowstore.ListOptions{Status: status})
			metrics.ObserveStore("workflow", "list", err)
			if err != nil {
				errs = append(errs, fmt.Errorf("list %s workflows: %w", status, err))
				continue
			}
			for _, wf := range wfs {
				if !expired(wf.CompletedAt, wf.UpdatedAt, cutoff) {
					continue
				}
				err := j.workflows.Delete(ctx, wf.ID)
				metrics.ObserveStore("workflow", "delete", err)
				if err != nil && !errors.Is(err, workflowstore.ErrWorkflowNotFound) {
					errs = append(errs, fmt.Errorf("delete workflow %s: %w", wf.ID, err))
					continue
				}
				report.Workflows++
				metrics.WorkflowsPurged.Inc()
			}
		}
	}

	return report, errors.Join(errs...)
}

func (j *Janitor) purgeTask(ctx context.Context, id string, report *Report) error {
	err := j.tasks.Delete(ctx, id)
	metrics.ObserveStore("task", "delete", err)
	if err != nil && !errors.Is(err, taskstore.ErrTaskNotFound) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	report.Tasks++
	metrics.TasksPurged.Inc()

	if j.cfg.DeleteArtifacts && j.artifacts != nil {
		n, err := j.artifacts.DeleteTaskArtifacts(ctx, id)
		report.Artifacts += n
		if err != nil {
			return fmt.Errorf("delete artifacts of task %s: %w", id, err)
		}
	}
	return nil
}

// expired prefers the completion time and falls back to the last update.
func expired(completedAt *time.Time, updatedAt time.Time, cutoff time.Time) bool {
	ts := updatedAt
	if completedAt != nil {
		ts = *completedAt
	}
	return ts.Before(cutoff)
}
