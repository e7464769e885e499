// Package workflowstore provides durable persistence for workflow documents.
package workflowstore

import (
	"context"
	"errors"
	"sort"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrInvalidWorkflow  = errors.New("invalid workflow")
)

// ListOptions configures list queries.
type ListOptions struct {
	Status types.WorkflowStatus // Filter by status
	Limit  int
	Offset int
}

// Store defines the interface for workflow persistence. Documents are
// stored verbatim; Save is an upsert.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts or replaces the workflow document.
	Save(ctx context.Context, wf *types.Workflow) error

	// Get retrieves a workflow by ID. Returns ErrWorkflowNotFound if not found.
	Get(ctx context.Context, id string) (*types.Workflow, error)

	// Delete removes a workflow. Returns ErrWorkflowNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns workflows matching the options, newest first.
	List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error)

	// Close releases any resources.
	Close() error
}

func validate(wf *types.Workflow) error {
	if wf == nil || wf.ID == "" {
		return ErrInvalidWorkflow
	}
	return nil
}

// filterAndPage applies status filtering, newest-first ordering and paging.
func filterAndPage(workflows []*types.Workflow, opts *ListOptions) []*types.Workflow {
	if opts == nil {
		opts = &ListOptions{}
	}

	filtered := workflows[:0]
	for _, wf := range workflows {
		if opts.Status != "" && wf.Status != opts.Status {
			continue
		}
		filtered = append(filtered, wf)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return []*types.Workflow{}
		}
		filtered = filtered[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}
	return filtered
}
