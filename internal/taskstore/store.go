// Package taskstore provides persistence for generation task records.
//
// A task is created by the engine right before an executor is invoked and is
// then written by the executor as the job progresses. The engine only reads
// it back (through the poller) until it reaches a terminal status.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	ErrInvalidTask  = errors.New("invalid task")
)

// ListOptions configures list queries.
type ListOptions struct {
	Status types.TaskStatus // Filter by status, empty for all
	Limit  int
}

// Store defines the interface for task persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create saves a new task. Returns ErrTaskExists if the ID is taken.
	Create(ctx context.Context, task *types.Task) error

	// Get retrieves a task by ID. Returns ErrTaskNotFound if not found.
	Get(ctx context.Context, id string) (*types.Task, error)

	// Update applies a partial update. Returns ErrTaskNotFound if not found.
	Update(ctx context.Context, id string, update *types.TaskUpdate) (*types.Task, error)

	// Delete removes a task. Returns ErrTaskNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns tasks matching the options, oldest first.
	List(ctx context.Context, opts *ListOptions) ([]*types.Task, error)

	// Close releases any resources.
	Close() error
}

// Invalidator is implemented by stores that cache reads. Pollers call
// Invalidate before each read so they observe writes made by other
// processes.
type Invalidator interface {
	Invalidate(id string)
}

// Config holds configuration for Store implementations.
type Config struct {
	// TTL for task records (0 = no expiry). Only honoured by Redis.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{TTL: 7 * 24 * time.Hour}
}

func validate(task *types.Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidTask
	}
	return nil
}

// prepare fills defaults on a task about to be created.
func prepare(task *types.Task, now time.Time) {
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
}
