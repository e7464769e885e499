package taskstore

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
	taskKeyPrefix = "task:"
	taskIndexKey  = "tasks"

	maxUpdateAttempts = 5
)

// RedisStore implements Store using Redis. Each task is a JSON document
// under task:<id>, with a set indexing all known IDs.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, cfg *Config) *RedisStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RedisStore{client: client, ttl: cfg.TTL}
}

func (s *RedisStore) taskKey(id string) string {
	return taskKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, task *types.Task) error {
	if err := validate(task); err != nil {
		return err
	}
	prepare(task, time.Now().UTC())

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	if !ok {
		return ErrTaskExists
	}
	if err := s.client.SAdd(ctx, taskIndexKey, task.ID).Err(); err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &task, nil
}

// Update applies the update inside a WATCH transaction, retrying on conflict.
func (s *RedisStore) Update(ctx context.Context, id string, update *types.TaskUpdate) (*types.Task, error) {
	key := s.taskKey(id)
	var updated *types.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}

		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("unmarshal task: %w", err)
		}
		if update != nil {
			update.Apply(&task, time.Now().UTC())
		}
		out, err := json.Marshal(&task)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err == nil {
			updated = &task
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update task %s: too much contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.taskKey(id))
	pipe.SRem(ctx, taskIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if del.Val() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.Task, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, taskIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}

	var tasks []*types.Task
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if errors.Is(err, ErrTaskNotFound) {
			// Expired, clean up the index
			s.client.SRem(ctx, taskIndexKey, id)
			continue
		}
		if err != nil {
			continue
		}
		if opts.Status != "" && task.Status != opts.Status {
			continue
		}
		tasks = append(tasks, task)
	}

	sortByCreated(tasks)
	if opts.Limit > 0 && opts.Limit < len(tasks) {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// Close is a no-op; the shared client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

var _ Store = (*RedisStore)(nil)
