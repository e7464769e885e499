package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	cached := NewCachedStore(backing, time.Minute)

	if err := cached.Create(ctx, &types.Task{ID: "t1"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A write that bypasses the cache, as another process would do.
	if _, err := backing.Update(ctx, "t1", &types.TaskUpdate{Status: types.Ptr(types.TaskStatusCompleted)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	t.Run("serves stale value until invalidated", func(t *testing.T) {
		got, err := cached.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != types.TaskStatusPending {
			t.Errorf("expected cached pending status, got %q", got.Status)
		}
	})

	t.Run("invalidate forces a fresh read", func(t *testing.T) {
		cached.Invalidate("t1")
		got, err := cached.Get(ctx, "t1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status != types.TaskStatusCompleted {
			t.Errorf("expected completed status, got %q", got.Status)
		}
	})

	t.Run("entries expire", func(t *testing.T) {
		now := time.Now()
		cached.now = func() time.Time { return now }
		if _, err := backing.Update(ctx, "t1", &types.TaskUpdate{Progress: types.Ptr(99)}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		cached.Invalidate("t1")
		if _, err := cached.Get(ctx, "t1"); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if _, err := backing.Update(ctx, "t1", &types.TaskUpdate{Progress: types.Ptr(100)}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		cached.now = func() time.Time { return now.Add(2 * time.Minute) }
		got, _ := cached.Get(ctx, "t1")
		if got.Progress != 100 {
			t.Errorf("expected expired entry to be refreshed, got progress %d", got.Progress)
		}
	})

	t.Run("missing task is not cached", func(t *testing.T) {
		if _, err := cached.Get(ctx, "nope"); err != ErrTaskNotFound {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})
}
