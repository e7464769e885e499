package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/internal/dataflow"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/internal/workflowstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const pngDataURL = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every now and then"}, taskstore.NewMemoryStore(), workflowstore.NewMemoryStore(), nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	tasks := taskstore.NewMemoryStore()
	workflows := workflowstore.NewMemoryStore()
	artifacts := dataflow.NewWithBackend(dataflow.NewMemoryBackend(), time.Hour)

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	mustCreate := func(id string, status types.TaskStatus, completedAt *time.Time) {
		t.Helper()
		if err := tasks.Create(ctx, &types.Task{ID: id, Type: types.TaskTypeImage, Status: status, CompletedAt: completedAt}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	mustCreate("old-done", types.TaskStatusCompleted, &old)
	mustCreate("old-failed", types.TaskStatusFailed, &old)
	mustCreate("new-done", types.TaskStatusCompleted, &recent)
	mustCreate("pending", types.TaskStatusPending, nil)

	if _, _, err := artifacts.StoreDataURL(ctx, "old-done", pngDataURL); err != nil {
		t.Fatalf("StoreDataURL: %v", err)
	}

	mustSave := func(id string, status types.WorkflowStatus, completedAt *time.Time) {
		t.Helper()
		if err := workflows.Save(ctx, &types.Workflow{ID: id, Status: status, CreatedAt: old, UpdatedAt: old, CompletedAt: completedAt}); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	mustSave("wf-old", types.WorkflowStatusCompleted, &old)
	mustSave("wf-new", types.WorkflowStatusFailed, &recent)
	mustSave("wf-running", types.WorkflowStatusRunning, nil)

	j, err := New(Config{
		Schedule:          "@every 1h",
		TaskRetention:     24 * time.Hour,
		WorkflowRetention: 24 * time.Hour,
		DeleteArtifacts:   true,
	}, tasks, workflows, artifacts, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	j.now = func() time.Time { return now }

	report, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if report.Tasks != 2 || report.Workflows != 1 || report.Artifacts != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	for _, id := range []string{"old-done", "old-failed"} {
		if _, err := tasks.Get(ctx, id); !errors.Is(err, taskstore.ErrTaskNotFound) {
			t.Errorf("task %s should be purged, got %v", id, err)
		}
	}
	for _, id := range []string{"new-done", "pending"} {
		if _, err := tasks.Get(ctx, id); err != nil {
			t.Errorf("task %s should remain: %v", id, err)
		}
	}
	if _, err := workflows.Get(ctx, "wf-old"); !errors.Is(err, workflowstore.ErrWorkflowNotFound) {
		t.Errorf("wf-old should be purged, got %v", err)
	}
	for _, id := range []string{"wf-new", "wf-running"} {
		if _, err := workflows.Get(ctx, id); err != nil {
			t.Errorf("workflow %s should remain: %v", id, err)
		}
	}
	if refs, _ := artifacts.ListTaskArtifacts(ctx, "old-done"); len(refs) != 0 {
		t.Errorf("expected artifacts removed, got %d", len(refs))
	}

	report, err = j.Sweep(ctx)
	if err != nil || report.Tasks != 0 || report.Workflows != 0 {
		t.Errorf("second sweep should be empty, got %+v, %v", report, err)
	}
}

func TestSweepDisabled(t *testing.T) {
	ctx := context.Background()
	tasks := taskstore.NewMemoryStore()
	old := time.Now().Add(-365 * 24 * time.Hour)
	if err := tasks.Create(ctx, &types.Task{ID: "t", Status: types.TaskStatusCompleted, CompletedAt: &old}); err != nil {
		t.Fatal(err)
	}

	j, err := New(Config{}, tasks, workflowstore.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	report, err := j.Sweep(ctx)
	if err != nil || report.Tasks != 0 {
		t.Errorf("zero retention must not purge, got %+v, %v", report, err)
	}
}

func TestStartStop(t *testing.T) {
	j, err := New(Config{Schedule: "@every 1h"}, taskstore.NewMemoryStore(), workflowstore.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	j.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := j.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
