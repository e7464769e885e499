package workflowstore

import (
	"context"
	"sync"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*types.Workflow
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*types.Workflow),
	}
}

// Save stores a copy of the workflow.
func (s *MemoryStore) Save(ctx context.Context, wf *types.Workflow) error {
	if err := validate(wf); err != nil {
		return err
	}

	cp := wf.Clone()
	s.mu.Lock()
	s.workflows[wf.ID] = cp
	s.mu.Unlock()
	return nil
}

// Get retrieves a copy of a workflow by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Workflow, error) {
	s.mu.RLock()
	wf, ok := s.workflows[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

// Delete removes a workflow.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.workflows, id)
	return nil
}

// List returns all workflows matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error) {
	s.mu.RLock()
	all := make([]*types.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		all = append(all, wf.Clone())
	}
	s.mu.RUnlock()

	return filterAndPage(all, opts), nil
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
