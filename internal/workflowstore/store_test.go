package workflowstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/internal/storage/sqlite"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "wf.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

func testStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func sampleWorkflow(id string, status types.WorkflowStatus, created time.Time) *types.Workflow {
	return &types.Workflow{
		ID:     id,
		Name:   "wf " + id,
		Status: status,
		Steps: []types.WorkflowStep{
			{ID: id + "-a", ToolName: "generate_image", Status: types.StepStatusCompleted, Result: map[string]any{"url": "x"}},
			{ID: id + "-b", ToolName: "generate_video", DependsOn: []string{id + "-a"}, Status: types.StepStatusPending},
		},
		Context:   map[string]any{"userInput": "draw a cat"},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			t.Run("round trips the full document", func(t *testing.T) {
				wf := sampleWorkflow("wf-1", types.WorkflowStatusRunning, now)
				if err := store.Save(ctx, wf); err != nil {
					t.Fatalf("Save failed: %v", err)
				}

				got, err := store.Get(ctx, "wf-1")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if got.Name != wf.Name || got.Status != wf.Status {
					t.Errorf("unexpected workflow %+v", got)
				}
				if len(got.Steps) != 2 || got.Steps[1].DependsOn[0] != "wf-1-a" {
					t.Errorf("steps not preserved: %+v", got.Steps)
				}
				if got.Context["userInput"] != "draw a cat" {
					t.Errorf("context not preserved: %v", got.Context)
				}
				if !got.CreatedAt.Equal(now) {
					t.Errorf("expected CreatedAt %v, got %v", now, got.CreatedAt)
				}
			})

			t.Run("save is an upsert", func(t *testing.T) {
				wf := sampleWorkflow("wf-2", types.WorkflowStatusRunning, now)
				if err := store.Save(ctx, wf); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
				wf.Status = types.WorkflowStatusCompleted
				wf.Steps[1].Status = types.StepStatusCompleted
				if err := store.Save(ctx, wf); err != nil {
					t.Fatalf("second Save failed: %v", err)
				}

				got, _ := store.Get(ctx, "wf-2")
				if got.Status != types.WorkflowStatusCompleted || got.Steps[1].Status != types.StepStatusCompleted {
					t.Errorf("expected updated document, got %+v", got)
				}
			})

			t.Run("returns error for missing workflow", func(t *testing.T) {
				if _, err := store.Get(ctx, "nope"); err != ErrWorkflowNotFound {
					t.Errorf("expected ErrWorkflowNotFound, got %v", err)
				}
			})

			t.Run("rejects workflow without ID", func(t *testing.T) {
				if err := store.Save(ctx, &types.Workflow{}); err != ErrInvalidWorkflow {
					t.Errorf("expected ErrInvalidWorkflow, got %v", err)
				}
			})
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond)

			statuses := []types.WorkflowStatus{
				types.WorkflowStatusRunning,
				types.WorkflowStatusCompleted,
				types.WorkflowStatusRunning,
				types.WorkflowStatusFailed,
			}
			for i, status := range statuses {
				id := string(rune('a' + i))
				if err := store.Save(ctx, sampleWorkflow(id, status, base.Add(time.Duration(i)*time.Second))); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
			}

			tests := []struct {
				name string
				opts *ListOptions
				want []string
			}{
				{"all newest first", nil, []string{"d", "c", "b", "a"}},
				{"filter running", &ListOptions{Status: types.WorkflowStatusRunning}, []string{"c", "a"}},
				{"limit", &ListOptions{Limit: 2}, []string{"d", "c"}},
				{"offset", &ListOptions{Offset: 3}, []string{"a"}},
				{"offset past end", &ListOptions{Offset: 10}, nil},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					got, err := store.List(ctx, tt.opts)
					if err != nil {
						t.Fatalf("List failed: %v", err)
					}
					if len(got) != len(tt.want) {
						t.Fatalf("expected %d workflows, got %d", len(tt.want), len(got))
					}
					for i, wf := range got {
						if wf.ID != tt.want[i] {
							t.Errorf("position %d: expected %s, got %s", i, tt.want[i], wf.ID)
						}
					}
				})
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, sampleWorkflow("gone", types.WorkflowStatusCompleted, time.Now())); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			if err := store.Delete(ctx, "gone"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := store.Get(ctx, "gone"); err != ErrWorkflowNotFound {
				t.Errorf("expected ErrWorkflowNotFound, got %v", err)
			}
			if err := store.Delete(ctx, "gone"); err != ErrWorkflowNotFound {
				t.Errorf("expected ErrWorkflowNotFound, got %v", err)
			}
		})
	}
}

func TestMemoryStore_IsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wf := sampleWorkflow("iso", types.WorkflowStatusRunning, time.Now())
	if err := store.Save(ctx, wf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	wf.Steps[0].Status = types.StepStatusFailed

	got, _ := store.Get(ctx, "iso")
	if got.Steps[0].Status != types.StepStatusCompleted {
		t.Error("mutating the saved workflow leaked into the store")
	}
}
