package workflowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const (
	workflowKeyPrefix = "workflow:"
	workflowListKey   = "workflows"
)

// RedisStore implements Store using Redis. Each workflow is a JSON document
// under workflow:<id>; the workflows set indexes known IDs.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
// A ttl of zero keeps documents forever.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) workflowKey(id string) string {
	return workflowKeyPrefix + id
}

// Save writes the document and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, wf *types.Workflow) error {
	if err := validate(wf); err != nil {
		return err
	}

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.workflowKey(wf.ID), data, s.ttl)
	pipe.SAdd(ctx, workflowListKey, wf.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.Workflow, error) {
	data, err := s.client.Get(ctx, s.workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// Delete removes a workflow.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.workflowKey(id))
	pipe.SRem(ctx, workflowListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if del.Val() == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

// List returns all workflows matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.Workflow, error) {
	ids, err := s.client.SMembers(ctx, workflowListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflow ids: %w", err)
	}

	var workflows []*types.Workflow
	for _, id := range ids {
		wf, err := s.Get(ctx, id)
		if errors.Is(err, ErrWorkflowNotFound) {
			// Expired, clean up
			s.client.SRem(ctx, workflowListKey, id)
			continue
		}
		if err != nil {
			continue
		}
		workflows = append(workflows, wf)
	}

	return filterAndPage(workflows, opts), nil
}

// Close is a no-op; the shared client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
