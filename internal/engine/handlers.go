package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/internal/executor"
	"github.com/ljquan/aitu/services/workflow-go/internal/poller"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// generationHandler runs generate_image and generate_video steps. The step
// ID doubles as the task ID so a resumed step finds its earlier task.
type generationHandler struct {
	taskType types.TaskType
	exec     executor.Executor
	tasks    taskstore.Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func (h *generationHandler) Execute(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
	if h.exec == nil || !h.exec.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrExecutorUnavailable, req.Step.ToolName)
	}
	if h.tasks == nil {
		return nil, fmt.Errorf("%w: no task store", ErrExecutorUnavailable)
	}

	taskID := req.Step.ID
	logger := h.logger.With("workflow_id", req.WorkflowID, "step_id", taskID, "tool", req.Step.ToolName)

	task, err := h.prepareTask(ctx, taskID, req.Step.Args)
	if err != nil {
		return nil, err
	}
	if task.Status == types.TaskStatusCompleted {
		logger.Info("reusing completed task")
		return &StepOutcome{Result: task.Result}, nil
	}

	// The generation job lives no longer than the step, so a timed out step
	// cannot later have its task completed underneath it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch h.taskType {
	case types.TaskTypeVideo:
		err = h.exec.GenerateVideo(ctx, executor.VideoParamsFromArgs(taskID, req.Step.Args))
	default:
		err = h.exec.GenerateImage(ctx, executor.ImageParamsFromArgs(taskID, req.Step.Args))
	}
	if err != nil {
		if ctx.Err() != nil {
			h.settleTask(taskID, types.TaskStatusCancelled, "")
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", ErrStepFailed, err)
	}

	res := poller.WaitForTaskCompletion(ctx, h.tasks, taskID, &poller.Options{
		Interval: h.cfg.PollInterval,
		Timeout:  h.cfg.StepTimeout,
		Logger:   logger,
	})
	switch {
	case res.Success:
		return &StepOutcome{Result: res.Task.Result}, nil
	case res.Cancelled():
		h.settleTask(taskID, types.TaskStatusCancelled, "")
		return nil, ErrCancelled
	case res.TimedOut():
		cancel()
		err := fmt.Errorf("%w after %s", ErrStepTimeout, h.cfg.StepTimeout)
		h.settleTask(taskID, types.TaskStatusFailed, err.Error())
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrStepFailed, res.Error)
	}
}

// prepareTask creates the task record or, on resume, reuses the existing
// one. Failed or cancelled tasks are reset to pending for a fresh attempt.
func (h *generationHandler) prepareTask(ctx context.Context, taskID string, args map[string]any) (*types.Task, error) {
	existing, err := h.tasks.Get(ctx, taskID)
	switch {
	case err == nil:
		if existing.Status == types.TaskStatusFailed || existing.Status == types.TaskStatusCancelled {
			return h.tasks.Update(ctx, taskID, &types.TaskUpdate{
				Status:   types.Ptr(types.TaskStatusPending),
				Progress: types.Ptr(0),
				Error:    types.Ptr(""),
			})
		}
		return existing, nil
	case !errors.Is(err, taskstore.ErrTaskNotFound):
		h.logger.Warn("task lookup failed, creating", "task_id", taskID, "error", err)
	}

	now := h.now()
	task := &types.Task{
		ID:        taskID,
		Type:      h.taskType,
		Status:    types.TaskStatusPending,
		Params:    args,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, taskstore.ErrTaskExists) {
			return h.tasks.Get(ctx, taskID)
		}
		return nil, fmt.Errorf("%w: create task: %v", ErrStepFailed, err)
	}
	return task, nil
}

// settleTask moves an unfinished task to a terminal status after the step
// gave up on it. Tasks that already finished are left alone.
func (h *generationHandler) settleTask(taskID string, status types.TaskStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
	defer cancel()

	task, err := h.tasks.Get(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		return
	}
	update := &types.TaskUpdate{Status: types.Ptr(status)}
	if errMsg != "" {
		update.Error = types.Ptr(errMsg)
	}
	if _, err := h.tasks.Update(ctx, taskID, update); err != nil {
		h.logger.Warn("failed to settle task", "task_id", taskID, "status", status, "error", err)
	}
}

// analyzeHandler runs ai_analyze synchronously. It bypasses the task store,
// so a resumed analysis step runs again from scratch.
type analyzeHandler struct {
	exec executor.Executor
}

func (h *analyzeHandler) Execute(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
	if h.exec == nil || !h.exec.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrExecutorUnavailable, req.Step.ToolName)
	}

	res, err := h.exec.AIAnalyze(ctx, executor.AnalyzeParamsFromArgs(req.Step.ID, req.Step.Args))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", ErrStepFailed, err)
	}
	if res == nil {
		return &StepOutcome{}, nil
	}
	return &StepOutcome{
		Result: map[string]any{
			"content":    res.Content,
			"addedSteps": len(res.AddSteps),
		},
		AddSteps: res.AddSteps,
	}, nil
}

// mainThreadHandler hands UI-bound tools to the host callback.
type mainThreadHandler struct {
	fn MainThreadFunc
}

func (h *mainThreadHandler) Execute(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
	if h.fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMainThreadHandler, req.Step.ToolName)
	}
	if req.SetStatus != nil {
		req.SetStatus(types.StepStatusPendingMainThread)
	}

	res, err := h.fn(ctx, MainThreadCall{
		WorkflowID: req.WorkflowID,
		StepID:     req.Step.ID,
		ToolName:   req.Step.ToolName,
		Args:       req.Step.Args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %v", ErrStepFailed, err)
	}
	if res == nil || !res.Success {
		msg := "main-thread tool reported failure"
		if res != nil && res.Error != "" {
			msg = res.Error
		}
		return nil, fmt.Errorf("%w: %s", ErrStepFailed, msg)
	}
	return &StepOutcome{Result: res.Result}, nil
}

// registerBuiltins installs the generation, analysis and main-thread tools.
// Tools already present in reg are left alone.
func registerBuiltins(reg *Registry, cfg Config, exec executor.Executor, tasks taskstore.Store, logger *slog.Logger, now func() time.Time) error {
	builtins := map[string]Handler{
		executor.ToolGenerateImage: &generationHandler{
			taskType: types.TaskTypeImage, exec: exec, tasks: tasks, cfg: cfg, logger: logger, now: now,
		},
		executor.ToolGenerateVideo: &generationHandler{
			taskType: types.TaskTypeVideo, exec: exec, tasks: tasks, cfg: cfg, logger: logger, now: now,
		},
		executor.ToolAIAnalyze: &analyzeHandler{exec: exec},
	}
	mt := &mainThreadHandler{fn: cfg.ExecuteMainThreadTool}
	for _, name := range cfg.MainThreadTools {
		builtins[name] = mt
	}

	for name, h := range builtins {
		if _, err := reg.Lookup(name); err == nil {
			continue
		}
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}
