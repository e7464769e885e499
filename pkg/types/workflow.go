// Package types provides shared types for the workflow service.
package types

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the current state of a step within a workflow.
type StepStatus string

const (
	StepStatusPending           StepStatus = "pending"
	StepStatusRunning           StepStatus = "running"
	StepStatusCompleted         StepStatus = "completed"
	StepStatusFailed            StepStatus = "failed"
	StepStatusSkipped           StepStatus = "skipped"
	StepStatusPendingMainThread StepStatus = "pending_main_thread"
)

// IsUnfinished reports whether a step still has work left after a restart.
func (s StepStatus) IsUnfinished() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusPendingMainThread:
		return true
	}
	return false
}

// Workflow is a named, ordered collection of steps with dependencies.
// Step order is for display only; execution order follows DependsOn.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Steps       []WorkflowStep `json:"steps"`
	Status      WorkflowStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// WorkflowStep is a single tool invocation within a workflow.
type WorkflowStep struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"toolName"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty"`
	Status      StepStatus     `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	// Duration is the wall-clock execution time in milliseconds.
	Duration int64 `json:"duration,omitempty"`
}

// WorkflowMeta is a lightweight representation of a workflow for listing.
type WorkflowMeta struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      WorkflowStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	StepCount   int            `json:"stepCount"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Meta returns the listing view of the workflow.
func (w *Workflow) Meta() *WorkflowMeta {
	return &WorkflowMeta{
		ID:          w.ID,
		Name:        w.Name,
		Status:      w.Status,
		Error:       w.Error,
		StepCount:   len(w.Steps),
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
		CompletedAt: w.CompletedAt,
	}
}

// Step returns a pointer to the step with the given ID, or nil.
func (w *Workflow) Step(id string) *WorkflowStep {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// HasUnfinishedSteps reports whether any step is pending, running or
// waiting on the main thread.
func (w *Workflow) HasUnfinishedSteps() bool {
	for _, s := range w.Steps {
		if s.Status.IsUnfinished() {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the workflow. Args, Context and Result go
// through a JSON round trip, so numbers in them come back as float64.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	var cp Workflow
	if data, err := json.Marshal(w); err == nil && json.Unmarshal(data, &cp) == nil {
		return &cp
	}
	cp = *w
	cp.Steps = append([]WorkflowStep(nil), w.Steps...)
	return &cp
}
