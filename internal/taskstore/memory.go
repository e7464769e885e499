package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

// NewMemoryStore creates a new in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*types.Task)}
}

func copyTask(t *types.Task) *types.Task {
	cp := *t
	if t.Params != nil {
		cp.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			cp.Params[k] = v
		}
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func (s *MemoryStore) Create(ctx context.Context, task *types.Task) error {
	if err := validate(task); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return ErrTaskExists
	}
	prepare(task, time.Now().UTC())
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, update *types.TaskUpdate) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if update != nil {
		update.Apply(task, time.Now().UTC())
	}
	return copyTask(task), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*types.Task, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	result := make([]*types.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if opts.Status != "" && task.Status != opts.Status {
			continue
		}
		result = append(result, copyTask(task))
	}
	s.mu.RUnlock()

	sortByCreated(result)
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByCreated(tasks []*types.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
