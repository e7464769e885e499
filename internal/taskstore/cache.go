package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

type cacheEntry struct {
	task    *types.Task
	expires time.Time
}

// CachedStore wraps a Store with a short-lived read cache. Writes made
// through the wrapper refresh the cache; writes made by other processes
// become visible after the TTL or an explicit Invalidate.
type CachedStore struct {
	Store

	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachedStore wraps store. A non-positive ttl disables caching.
func NewCachedStore(store Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedStore) Get(ctx context.Context, id string) (*types.Task, error) {
	if c.ttl > 0 {
		c.mu.Lock()
		entry, ok := c.entries[id]
		c.mu.Unlock()
		if ok && c.now().Before(entry.expires) {
			return copyTask(entry.task), nil
		}
	}

	task, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(task)
	return task, nil
}

func (c *CachedStore) Create(ctx context.Context, task *types.Task) error {
	if err := c.Store.Create(ctx, task); err != nil {
		return err
	}
	c.put(task)
	return nil
}

func (c *CachedStore) Update(ctx context.Context, id string, update *types.TaskUpdate) (*types.Task, error) {
	task, err := c.Store.Update(ctx, id, update)
	if err != nil {
		c.Invalidate(id)
		return nil, err
	}
	c.put(task)
	return task, nil
}

func (c *CachedStore) Delete(ctx context.Context, id string) error {
	c.Invalidate(id)
	return c.Store.Delete(ctx, id)
}

// Invalidate drops the cached copy of a task.
func (c *CachedStore) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *CachedStore) put(task *types.Task) {
	if c.ttl <= 0 || task == nil {
		return
	}
	c.mu.Lock()
	c.entries[task.ID] = cacheEntry{task: copyTask(task), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

var (
	_ Store       = (*CachedStore)(nil)
	_ Invalidator = (*CachedStore)(nil)
)
