package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/internal/executor"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/internal/workflowstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

// fakeExecutor completes (or fails) tasks directly in the task store.
type fakeExecutor struct {
	tasks       taskstore.Store
	unavailable bool
	hang        bool
	fail        map[string]string
	analyze     func(executor.AnalyzeParams) (*executor.AnalyzeResult, error)

	mu      sync.Mutex
	calls   []string
	jobCtxs []context.Context
}

func (f *fakeExecutor) IsAvailable() bool { return !f.unavailable }

func (f *fakeExecutor) GenerateImage(ctx context.Context, p executor.ImageParams) error {
	return f.finish(ctx, p.TaskID, map[string]any{"url": "https://img.test/" + p.TaskID, "prompt": p.Prompt})
}

func (f *fakeExecutor) GenerateVideo(ctx context.Context, p executor.VideoParams) error {
	return f.finish(ctx, p.TaskID, map[string]any{"url": "https://video.test/" + p.TaskID})
}

func (f *fakeExecutor) AIAnalyze(ctx context.Context, p executor.AnalyzeParams) (*executor.AnalyzeResult, error) {
	f.record(p.TaskID)
	if f.analyze == nil {
		return &executor.AnalyzeResult{Content: "ok"}, nil
	}
	return f.analyze(p)
}

func (f *fakeExecutor) finish(ctx context.Context, taskID string, result any) error {
	f.record(taskID)
	f.mu.Lock()
	f.jobCtxs = append(f.jobCtxs, ctx)
	f.mu.Unlock()
	if f.hang {
		return nil
	}
	update := &types.TaskUpdate{Status: types.Ptr(types.TaskStatusCompleted), Result: result}
	if msg, ok := f.fail[taskID]; ok {
		update = &types.TaskUpdate{Status: types.Ptr(types.TaskStatusFailed), Error: types.Ptr(msg)}
	}
	_, err := f.tasks.Update(ctx, taskID, update)
	return err
}

func (f *fakeExecutor) record(id string) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.mu.Unlock()
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testEnv struct {
	engine    *Engine
	exec      *fakeExecutor
	workflows workflowstore.Store
	tasks     taskstore.Store
	registry  *Registry
}

func newTestEnv(t *testing.T, cfg *Config, setup func(*testEnv)) *testEnv {
	t.Helper()
	env := &testEnv{
		workflows: workflowstore.NewMemoryStore(),
		tasks:     taskstore.NewMemoryStore(),
		registry:  NewRegistry(),
	}
	env.exec = &fakeExecutor{tasks: env.tasks}
	if setup != nil {
		setup(env)
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}

	eng, err := New(cfg, Deps{
		Workflows: env.workflows,
		Tasks:     env.tasks,
		Executor:  env.exec,
		Registry:  env.registry,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.engine = eng
	return env
}

// echo completes with its resolved args as the result.
func echo(record func(*StepRequest)) Handler {
	return HandlerFunc(func(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
		if record != nil {
			record(req)
		}
		return &StepOutcome{Result: req.Step.Args}, nil
	})
}

// blocking runs until its context is cancelled.
func blocking(started chan<- string) Handler {
	return HandlerFunc(func(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
		started <- req.Step.ID
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func wait(t *testing.T, h *Handle) *types.Workflow {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wf, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("workflow did not finish: %v", err)
	}
	return wf
}

func drain(ch <-chan *types.Event) []*types.Event {
	var out []*types.Event
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, evt)
		default:
			return out
		}
	}
}

func step(id, tool string, deps ...string) types.WorkflowStep {
	return types.WorkflowStep{ID: id, ToolName: tool, DependsOn: deps, Status: types.StepStatusPending}
}

func TestEngine_SequentialSuccess(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	wf := &types.Workflow{
		ID:   "wf-seq",
		Name: "sequential",
		Steps: []types.WorkflowStep{
			step("a", executor.ToolGenerateImage),
			step("b", executor.ToolGenerateImage, "a"),
		},
	}
	wf.Steps[0].Args = map[string]any{"prompt": "a cat"}

	events, unsubscribe := env.engine.Subscribe(wf.ID)
	defer unsubscribe()

	h, err := env.engine.Submit(context.Background(), wf)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	if got.Status != types.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
	for _, s := range got.Steps {
		if s.Status != types.StepStatusCompleted {
			t.Errorf("step %s: expected completed, got %s", s.ID, s.Status)
		}
		result, ok := s.Result.(map[string]any)
		if !ok || result["url"] != "https://img.test/"+s.ID {
			t.Errorf("step %s: unexpected result %v", s.ID, s.Result)
		}
	}
	if calls := env.exec.Calls(); len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("expected calls [a b], got %v", calls)
	}

	// The submitted value is not touched by the engine.
	if wf.Steps[0].Status != types.StepStatusPending {
		t.Errorf("caller's workflow was mutated")
	}

	stored, err := env.workflows.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != types.WorkflowStatusCompleted {
		t.Errorf("expected stored status completed, got %s", stored.Status)
	}

	task, err := env.tasks.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if task.Type != types.TaskTypeImage || task.Status != types.TaskStatusCompleted {
		t.Errorf("unexpected task %+v", task)
	}

	evts := drain(events)
	if len(evts) == 0 {
		t.Fatal("expected events")
	}
	first, last := evts[0], evts[len(evts)-1]
	if first.Type != types.EventTypeStatus || first.Status != string(types.WorkflowStatusRunning) {
		t.Errorf("expected first event status running, got %s %s", first.Type, first.Status)
	}
	if last.Type != types.EventTypeCompleted || last.Workflow == nil {
		t.Errorf("expected last event completed with workflow, got %s", last.Type)
	}
	seen := map[string]bool{}
	for _, e := range evts {
		if e.ID == "" || seen[e.ID] {
			t.Errorf("event ids must be unique and non-empty, got %q", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestEngine_StopOnError(t *testing.T) {
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.exec.fail = map[string]string{"a": "quota exceeded"}
	})

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID: "wf-fail",
		Steps: []types.WorkflowStep{
			step("a", executor.ToolGenerateImage),
			step("b", executor.ToolGenerateImage, "a"),
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	if got.Status != types.WorkflowStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "quota exceeded") {
		t.Errorf("expected step error in workflow error, got %q", got.Error)
	}
	if s := got.Step("a"); s.Status != types.StepStatusFailed {
		t.Errorf("expected a failed, got %s", s.Status)
	}
	if s := got.Step("b"); s.Status != types.StepStatusPending {
		t.Errorf("expected b to stay pending, got %s", s.Status)
	}
}

func TestEngine_ContinueOnError(t *testing.T) {
	env := newTestEnv(t, &Config{ContinueOnError: true}, func(env *testEnv) {
		env.exec.fail = map[string]string{"a": "boom"}
		env.registry.Register("echo", echo(nil))
	})

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID: "wf-continue",
		Steps: []types.WorkflowStep{
			step("a", executor.ToolGenerateImage),
			step("b", "echo", "a"),
			step("c", "echo"),
			step("d", "echo", "c"),
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	want := map[string]types.StepStatus{
		"a": types.StepStatusFailed,
		"b": types.StepStatusSkipped,
		"c": types.StepStatusCompleted,
		"d": types.StepStatusCompleted,
	}
	for id, status := range want {
		if s := got.Step(id); s.Status != status {
			t.Errorf("step %s: expected %s, got %s", id, status, s.Status)
		}
	}
	if got.Status != types.WorkflowStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestEngine_WaveParallelism(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := HandlerFunc(func(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
		mu.Lock()
		order = append(order, req.Step.ID)
		mu.Unlock()

		arrived.Done()
		both := make(chan struct{})
		go func() {
			arrived.Wait()
			close(both)
		}()
		select {
		case <-both:
			return &StepOutcome{Result: req.Step.ID}, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("siblings did not run concurrently")
		}
	})

	env := newTestEnv(t, nil, func(env *testEnv) {
		env.registry.Register("barrier", barrier)
		env.registry.Register("echo", echo(func(req *StepRequest) {
			mu.Lock()
			order = append(order, req.Step.ID)
			mu.Unlock()
		}))
	})

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID: "wf-wave",
		Steps: []types.WorkflowStep{
			step("c", "echo", "a", "b"),
			step("a", "barrier"),
			step("b", "barrier"),
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	if got.Status != types.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.Error)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[2] != "c" {
		t.Errorf("expected c to run after a and b, got %v", order)
	}
}

func TestEngine_MaxParallelism(t *testing.T) {
	t.Run("limits concurrent steps", func(t *testing.T) {
		var running, peak atomic.Int32
		slow := HandlerFunc(func(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return &StepOutcome{Result: req.Step.ID}, nil
		})
		env := newTestEnv(t, &Config{MaxParallelism: 2}, func(env *testEnv) {
			env.registry.Register("slow", slow)
		})

		h, err := env.engine.Submit(context.Background(), &types.Workflow{
			ID:    "wf-limit",
			Steps: []types.WorkflowStep{step("a", "slow"), step("b", "slow"), step("c", "slow"), step("d", "slow")},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if got := wait(t, h); got.Status != types.WorkflowStatusCompleted {
			t.Fatalf("expected completed, got %s (%s)", got.Status, got.Error)
		}
		if p := peak.Load(); p > 2 {
			t.Errorf("expected at most 2 concurrent steps, saw %d", p)
		}
	})

	t.Run("queued steps stay pending after a failure", func(t *testing.T) {
		var ran atomic.Int32
		env := newTestEnv(t, &Config{MaxParallelism: 1}, func(env *testEnv) {
			env.registry.Register("fail", HandlerFunc(func(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
				return nil, errors.New("boom")
			}))
			env.registry.Register("echo", echo(func(*StepRequest) { ran.Add(1) }))
		})

		h, err := env.engine.Submit(context.Background(), &types.Workflow{
			ID:    "wf-limit-fail",
			Steps: []types.WorkflowStep{step("a", "fail"), step("b", "echo"), step("c", "echo")},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		got := wait(t, h)

		if got.Status != types.WorkflowStatusFailed {
			t.Fatalf("expected failed, got %s", got.Status)
		}
		if n := ran.Load(); n != 0 {
			t.Errorf("expected queued steps not to run, %d ran", n)
		}
		for _, id := range []string{"b", "c"} {
			if s := got.Step(id); s.Status != types.StepStatusPending {
				t.Errorf("step %s: expected pending, got %s", id, s.Status)
			}
		}
	})
}

func TestEngine_UnknownTool(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID:    "wf-unknown",
		Steps: []types.WorkflowStep{step("a", "does_not_exist")},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	if got.Status != types.WorkflowStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if s := got.Step("a"); s.Status != types.StepStatusFailed || !strings.Contains(s.Error, ErrUnknownTool.Error()) {
		t.Errorf("unexpected step state %s %q", s.Status, s.Error)
	}
}

func TestEngine_ExecutorUnavailable(t *testing.T) {
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.exec.unavailable = true
	})

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID:    "wf-unavailable",
		Steps: []types.WorkflowStep{step("a", executor.ToolGenerateVideo)},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	if s := got.Step("a"); !strings.Contains(s.Error, ErrExecutorUnavailable.Error()) {
		t.Errorf("expected unavailable error, got %q", s.Error)
	}
	if len(env.exec.Calls()) != 0 {
		t.Error("executor should not be invoked")
	}
}

func TestEngine_StepTimeout(t *testing.T) {
	env := newTestEnv(t, &Config{StepTimeout: 50 * time.Millisecond}, func(env *testEnv) {
		env.exec.hang = true
	})

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID:    "wf-timeout",
		Steps: []types.WorkflowStep{step("a", executor.ToolGenerateImage)},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	if s := got.Step("a"); s.Status != types.StepStatusFailed || !strings.Contains(s.Error, ErrStepTimeout.Error()) {
		t.Errorf("expected timeout failure, got %s %q", s.Status, s.Error)
	}

	task, err := env.tasks.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("task lookup failed: %v", err)
	}
	if task.Status != types.TaskStatusFailed || !strings.Contains(task.Error, ErrStepTimeout.Error()) {
		t.Errorf("expected task failed with timeout, got %s %q", task.Status, task.Error)
	}

	env.exec.mu.Lock()
	jobCtxs := append([]context.Context(nil), env.exec.jobCtxs...)
	env.exec.mu.Unlock()
	if len(jobCtxs) != 1 {
		t.Fatalf("expected one generation call, got %d", len(jobCtxs))
	}
	if jobCtxs[0].Err() == nil {
		t.Error("generation context still live after the step timed out")
	}
}

func TestEngine_StepTimeoutContinueOnError(t *testing.T) {
	env := newTestEnv(t, &Config{StepTimeout: 50 * time.Millisecond, ContinueOnError: true}, func(env *testEnv) {
		env.exec.hang = true
	})

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID:    "wf-timeout-continue",
		Steps: []types.WorkflowStep{step("a", executor.ToolGenerateImage)},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)
	if got.Status != types.WorkflowStatusFailed {
		t.Errorf("expected failed workflow, got %s", got.Status)
	}

	// The task must not be left pending for the backend to complete later.
	task, err := env.tasks.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("task lookup failed: %v", err)
	}
	if !task.Status.IsTerminal() || task.Status == types.TaskStatusCompleted {
		t.Errorf("expected terminal failed task, got %s", task.Status)
	}
}

func TestEngine_AddSteps(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []string
	)
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.registry.Register("echo", echo(func(req *StepRequest) {
			mu.Lock()
			ran = append(ran, req.Step.ID)
			mu.Unlock()
		}))
		env.exec.analyze = func(p executor.AnalyzeParams) (*executor.AnalyzeResult, error) {
			return &executor.AnalyzeResult{
				Content: "plan",
				AddSteps: []types.WorkflowStep{
					{ID: "x", ToolName: "echo", Status: types.StepStatusCompleted},
					{ID: "y", ToolName: "echo", DependsOn: []string{"x"}},
					{ID: "plan", ToolName: "echo"},
				},
			}, nil
		}
	})

	events, unsubscribe := env.engine.Subscribe("wf-add")
	defer unsubscribe()

	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID: "wf-add",
		Steps: []types.WorkflowStep{
			{ID: "plan", ToolName: executor.ToolAIAnalyze, Args: map[string]any{"prompt": "make two images"}},
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)

	if got.Status != types.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.Error)
	}
	if len(got.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(got.Steps))
	}
	for _, s := range got.Steps {
		if s.Status != types.StepStatusCompleted {
			t.Errorf("step %s: expected completed, got %s", s.ID, s.Status)
		}
	}
	mu.Lock()
	if len(ran) != 2 || ran[0] != "x" || ran[1] != "y" {
		t.Errorf("expected added steps to run in order, got %v", ran)
	}
	mu.Unlock()

	var added *types.Event
	for _, e := range drain(events) {
		if e.Type == types.EventTypeStepsAdded {
			added = e
		}
	}
	if added == nil || len(added.Steps) != 2 {
		t.Fatalf("expected one steps_added event with 2 steps, got %+v", added)
	}
	if added.Steps[0].Status != types.StepStatusPending {
		t.Errorf("added steps must start pending, got %s", added.Steps[0].Status)
	}
}

func TestEngine_MainThreadTools(t *testing.T) {
	t.Run("no callback", func(t *testing.T) {
		env := newTestEnv(t, &Config{MainThreadTools: []string{"insert_to_canvas"}}, nil)

		h, err := env.engine.Submit(context.Background(), &types.Workflow{
			ID:    "wf-mt-none",
			Steps: []types.WorkflowStep{step("a", "insert_to_canvas")},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		got := wait(t, h)

		if s := got.Step("a"); s.Status != types.StepStatusFailed || !strings.Contains(s.Error, ErrNoMainThreadHandler.Error()) {
			t.Errorf("unexpected step state %s %q", s.Status, s.Error)
		}
	})

	t.Run("callback", func(t *testing.T) {
		var env *testEnv
		var observed types.StepStatus
		cfg := &Config{
			MainThreadTools: []string{"insert_to_canvas"},
			ExecuteMainThreadTool: func(ctx context.Context, call MainThreadCall) (*MainThreadResult, error) {
				wf, err := env.engine.Get(ctx, call.WorkflowID)
				if err == nil {
					observed = wf.Step(call.StepID).Status
				}
				return &MainThreadResult{Success: true, Result: map[string]any{"inserted": call.Args["count"]}}, nil
			},
		}
		env = newTestEnv(t, cfg, nil)

		wf := &types.Workflow{
			ID:    "wf-mt",
			Steps: []types.WorkflowStep{step("a", "insert_to_canvas")},
		}
		wf.Steps[0].Args = map[string]any{"count": 2}
		h, err := env.engine.Submit(context.Background(), wf)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		got := wait(t, h)

		if observed != types.StepStatusPendingMainThread {
			t.Errorf("expected pending_main_thread during callback, got %s", observed)
		}
		if s := got.Step("a"); s.Status != types.StepStatusCompleted {
			t.Errorf("expected completed, got %s %q", s.Status, s.Error)
		}
	})

	t.Run("callback reports failure", func(t *testing.T) {
		cfg := &Config{
			MainThreadTools: []string{"insert_to_canvas"},
			ExecuteMainThreadTool: func(ctx context.Context, call MainThreadCall) (*MainThreadResult, error) {
				return &MainThreadResult{Success: false, Error: "canvas closed"}, nil
			},
		}
		env := newTestEnv(t, cfg, nil)

		h, err := env.engine.Submit(context.Background(), &types.Workflow{
			ID:    "wf-mt-fail",
			Steps: []types.WorkflowStep{step("a", "insert_to_canvas")},
		})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		got := wait(t, h)

		if s := got.Step("a"); !strings.Contains(s.Error, "canvas closed") {
			t.Errorf("expected host error, got %q", s.Error)
		}
	})
}

func TestEngine_ArgTemplates(t *testing.T) {
	var got map[string]any
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.registry.Register("echo", echo(func(req *StepRequest) {
			if req.Step.ID == "b" {
				got = req.Step.Args
			}
		}))
	})

	wf := &types.Workflow{
		ID:      "wf-tmpl",
		Context: map[string]any{"style": "watercolor"},
		Steps: []types.WorkflowStep{
			step("a", "echo"),
			step("b", "echo", "a"),
		},
	}
	wf.Steps[0].Args = map[string]any{"url": "https://img.test/1"}
	wf.Steps[1].Args = map[string]any{
		"ref":    "${steps.a.result.url}",
		"style":  "${context.style}",
		"images": []any{"${steps.a.result.url}", "literal"},
		"plain":  "no ${template} here",
	}

	h, err := env.engine.Submit(context.Background(), wf)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	done := wait(t, h)
	if done.Status != types.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}

	if got["ref"] != "https://img.test/1" {
		t.Errorf("ref: got %v", got["ref"])
	}
	if got["style"] != "watercolor" {
		t.Errorf("style: got %v", got["style"])
	}
	if images, ok := got["images"].([]any); !ok || images[0] != "https://img.test/1" || images[1] != "literal" {
		t.Errorf("images: got %v", got["images"])
	}
	if got["plain"] != "no ${template} here" {
		t.Errorf("plain: got %v", got["plain"])
	}

	// Stored args keep the template text.
	if done.Step("b").Args["ref"] != "${steps.a.result.url}" {
		t.Errorf("stored args should not be rewritten, got %v", done.Step("b").Args["ref"])
	}
}

func TestEngine_BadTemplateFailsStep(t *testing.T) {
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.registry.Register("echo", echo(nil))
	})

	wf := &types.Workflow{ID: "wf-badtmpl", Steps: []types.WorkflowStep{step("a", "echo")}}
	wf.Steps[0].Args = map[string]any{"x": "${ 1 + }"}

	h, err := env.engine.Submit(context.Background(), wf)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)
	if s := got.Step("a"); s.Status != types.StepStatusFailed || !strings.Contains(s.Error, ErrTemplate.Error()) {
		t.Errorf("expected template failure, got %s %q", s.Status, s.Error)
	}
}

func TestEngine_Cancel(t *testing.T) {
	started := make(chan string, 1)
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.registry.Register("block", blocking(started))
		env.registry.Register("echo", echo(nil))
	})
	ctx := context.Background()

	events, unsubscribe := env.engine.Subscribe("wf-cancel")
	defer unsubscribe()

	h, err := env.engine.Submit(ctx, &types.Workflow{
		ID: "wf-cancel",
		Steps: []types.WorkflowStep{
			step("a", "block"),
			step("b", "echo", "a"),
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("step never started")
	}

	if _, err := env.engine.Submit(ctx, &types.Workflow{ID: "wf-cancel"}); !errors.Is(err, ErrWorkflowActive) {
		t.Errorf("expected ErrWorkflowActive, got %v", err)
	}

	if err := env.engine.Cancel(ctx, "wf-cancel"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got := wait(t, h)

	if got.Status != types.WorkflowStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if s := got.Step("b"); s.Status != types.StepStatusPending {
		t.Errorf("expected b untouched, got %s", s.Status)
	}

	stored, err := env.workflows.Get(ctx, "wf-cancel")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != types.WorkflowStatusCancelled {
		t.Errorf("expected stored status cancelled, got %s", stored.Status)
	}

	for _, e := range drain(events) {
		if e.Type == types.EventTypeCompleted || e.Type == types.EventTypeFailed {
			t.Errorf("unexpected %s event after cancel", e.Type)
		}
	}

	// Cancelling again is a no-op and resume does nothing.
	if err := env.engine.Cancel(ctx, "wf-cancel"); err != nil {
		t.Errorf("second Cancel failed: %v", err)
	}
	h2, err := env.engine.Resume(ctx, "wf-cancel")
	if err != nil || h2 != nil {
		t.Errorf("expected Resume to be a no-op, got %v %v", h2, err)
	}
}

func TestEngine_CancelUnknown(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if err := env.engine.Cancel(context.Background(), "nope"); !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestEngine_CancelStored(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	wf := &types.Workflow{
		ID:     "wf-stored",
		Status: types.WorkflowStatusRunning,
		Steps:  []types.WorkflowStep{step("a", "echo")},
	}
	if err := env.workflows.Save(ctx, wf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := env.engine.Cancel(ctx, wf.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	stored, _ := env.workflows.Get(ctx, wf.ID)
	if stored.Status != types.WorkflowStatusCancelled {
		t.Errorf("expected cancelled, got %s", stored.Status)
	}
}

func TestEngine_Resume(t *testing.T) {
	ctx := context.Background()

	t.Run("runs only unfinished steps", func(t *testing.T) {
		var (
			mu  sync.Mutex
			ran []string
		)
		env := newTestEnv(t, nil, func(env *testEnv) {
			env.registry.Register("echo", echo(func(req *StepRequest) {
				mu.Lock()
				ran = append(ran, req.Step.ID)
				mu.Unlock()
			}))
		})

		wf := &types.Workflow{
			ID:     "wf-resume",
			Status: types.WorkflowStatusRunning,
			Steps: []types.WorkflowStep{
				{ID: "a", ToolName: "echo", Status: types.StepStatusCompleted, Result: "done"},
				{ID: "b", ToolName: "echo", DependsOn: []string{"a"}, Status: types.StepStatusRunning},
				{ID: "c", ToolName: "echo", DependsOn: []string{"b"}, Status: types.StepStatusPendingMainThread},
			},
		}
		if err := env.workflows.Save(ctx, wf); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		h, err := env.engine.Resume(ctx, wf.ID)
		if err != nil || h == nil {
			t.Fatalf("Resume failed: %v", err)
		}
		got := wait(t, h)

		if got.Status != types.WorkflowStatusCompleted {
			t.Fatalf("expected completed, got %s (%s)", got.Status, got.Error)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(ran) != 2 || ran[0] != "b" || ran[1] != "c" {
			t.Errorf("expected [b c], got %v", ran)
		}
	})

	t.Run("reuses completed generation task", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)

		now := time.Now()
		if err := env.tasks.Create(ctx, &types.Task{
			ID:        "gen",
			Type:      types.TaskTypeImage,
			Status:    types.TaskStatusCompleted,
			Result:    map[string]any{"url": "https://img.test/cached"},
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		wf := &types.Workflow{
			ID:     "wf-resume-gen",
			Status: types.WorkflowStatusRunning,
			Steps:  []types.WorkflowStep{{ID: "gen", ToolName: executor.ToolGenerateImage, Status: types.StepStatusRunning}},
		}
		if err := env.workflows.Save(ctx, wf); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		h, err := env.engine.Resume(ctx, wf.ID)
		if err != nil || h == nil {
			t.Fatalf("Resume failed: %v", err)
		}
		got := wait(t, h)

		if len(env.exec.Calls()) != 0 {
			t.Errorf("executor should not be invoked, got %v", env.exec.Calls())
		}
		result, _ := got.Step("gen").Result.(map[string]any)
		if result["url"] != "https://img.test/cached" {
			t.Errorf("expected cached result, got %v", got.Step("gen").Result)
		}
	})

	t.Run("no-op cases", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		tests := []struct {
			name string
			wf   *types.Workflow
		}{
			{
				name: "completed workflow",
				wf: &types.Workflow{ID: "wf-done", Status: types.WorkflowStatusCompleted, UpdatedAt: stamp,
					Steps: []types.WorkflowStep{{ID: "a", ToolName: "echo", Status: types.StepStatusCompleted}}},
			},
			{
				name: "cancelled workflow",
				wf: &types.Workflow{ID: "wf-cancelled", Status: types.WorkflowStatusCancelled, UpdatedAt: stamp,
					Steps: []types.WorkflowStep{
						{ID: "a", ToolName: "echo", Status: types.StepStatusFailed, Error: "cancelled"},
						{ID: "b", ToolName: "echo", Status: types.StepStatusPending, DependsOn: []string{"a"}},
					}},
			},
			{
				name: "nothing unfinished",
				wf: &types.Workflow{ID: "wf-idle", Status: types.WorkflowStatusRunning, UpdatedAt: stamp,
					Steps: []types.WorkflowStep{{ID: "a", ToolName: "echo", Status: types.StepStatusFailed}}},
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := env.workflows.Save(ctx, tt.wf); err != nil {
					t.Fatalf("Save failed: %v", err)
				}
				before := storedJSON(t, env.workflows, tt.wf.ID)

				h, err := env.engine.Resume(ctx, tt.wf.ID)
				if err != nil || h != nil {
					t.Errorf("expected (nil, nil), got (%v, %v)", h, err)
				}
				if after := storedJSON(t, env.workflows, tt.wf.ID); after != before {
					t.Errorf("stored workflow changed:\nbefore %s\nafter  %s", before, after)
				}
			})
		}
	})

	t.Run("not found", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		if _, err := env.engine.Resume(ctx, "missing"); !errors.Is(err, ErrWorkflowNotFound) {
			t.Errorf("expected ErrWorkflowNotFound, got %v", err)
		}
	})
}

func storedJSON(t *testing.T, store workflowstore.Store, id string) string {
	t.Helper()
	wf, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", id, err)
	}
	data, err := json.Marshal(wf)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return string(data)
}

func TestEngine_ShutdownThenResumeAll(t *testing.T) {
	ctx := context.Background()
	started := make(chan string, 1)
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.registry.Register("work", blocking(started))
	})

	h, err := env.engine.Submit(ctx, &types.Workflow{
		ID:    "wf-restart",
		Steps: []types.WorkflowStep{step("a", "work")},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := env.engine.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	<-h.Done()

	stored, _ := env.workflows.Get(ctx, "wf-restart")
	if stored.Status != types.WorkflowStatusRunning {
		t.Fatalf("interrupted workflow should stay running, got %s", stored.Status)
	}
	if s := stored.Step("a"); s.Status != types.StepStatusRunning {
		t.Errorf("interrupted step should stay running, got %s", s.Status)
	}

	// A fresh engine over the same stores picks it up.
	reg := NewRegistry()
	reg.Register("work", echo(nil))
	next, err := New(&Config{PollInterval: 5 * time.Millisecond}, Deps{
		Workflows: env.workflows,
		Tasks:     env.tasks,
		Registry:  reg,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	n, err := next.ResumeAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 resumed, got %d (%v)", n, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for next.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got, err := next.Get(ctx, "wf-restart")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != types.WorkflowStatusCompleted {
		t.Errorf("expected completed after resume, got %s", got.Status)
	}
}

func TestEngine_SubmitValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []struct {
		name string
		wf   *types.Workflow
	}{
		{"nil", nil},
		{"missing id", &types.Workflow{}},
		{"step without id", &types.Workflow{ID: "x", Steps: []types.WorkflowStep{{ToolName: "echo"}}}},
		{"duplicate step", &types.Workflow{ID: "x", Steps: []types.WorkflowStep{step("a", "echo"), step("a", "echo")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.engine.Submit(context.Background(), tt.wf); !errors.Is(err, ErrInvalidWorkflow) {
				t.Errorf("expected ErrInvalidWorkflow, got %v", err)
			}
		})
	}
}

func TestEngine_EmptyWorkflowCompletes(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	h, err := env.engine.Submit(context.Background(), &types.Workflow{ID: "wf-empty"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := wait(t, h); got.Status != types.WorkflowStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestEngine_MissingDependencyFails(t *testing.T) {
	env := newTestEnv(t, nil, func(env *testEnv) {
		env.registry.Register("echo", echo(nil))
	})
	h, err := env.engine.Submit(context.Background(), &types.Workflow{
		ID:    "wf-missing-dep",
		Steps: []types.WorkflowStep{step("a", "echo", "ghost")},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := wait(t, h)
	if got.Status != types.WorkflowStatusFailed || !strings.Contains(got.Error, "a") {
		t.Errorf("expected failure naming a, got %s %q", got.Status, got.Error)
	}
}
