package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// workflowRun holds the runtime state for a single active workflow.
type workflowRun struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	mu sync.Mutex
	wf *types.Workflow

	persistMu sync.Mutex
}

func (r *workflowRun) snapshot() *types.Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Clone()
}

func (r *workflowRun) status() types.WorkflowStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wf.Status
}

// markCancelled moves the workflow to cancelled. It returns false if the
// workflow had already reached a terminal status.
func (r *workflowRun) markCancelled(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wf.Status.IsTerminal() {
		return false
	}
	r.wf.Status = types.WorkflowStatusCancelled
	r.wf.UpdatedAt = now
	r.wf.CompletedAt = &now
	return true
}

func (r *workflowRun) cancelled() bool {
	return r.status() == types.WorkflowStatusCancelled
}

// eligible returns pending steps whose dependencies have all completed, in
// list order.
func (r *workflowRun) eligible() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := make(map[string]types.StepStatus, len(r.wf.Steps))
	for _, s := range r.wf.Steps {
		status[s.ID] = s.Status
	}

	var ids []string
	for _, s := range r.wf.Steps {
		if s.Status != types.StepStatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if status[dep] != types.StepStatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// updateStep applies fn to the step under the run lock and returns a copy
// of the updated step.
func (r *workflowRun) updateStep(id string, now time.Time, fn func(*types.WorkflowStep)) (types.WorkflowStep, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	step := r.wf.Step(id)
	if step == nil {
		return types.WorkflowStep{}, false
	}
	fn(step)
	r.wf.UpdatedAt = now
	return *step, true
}

// Handle tracks one workflow execution.
type Handle struct {
	run *workflowRun
}

// ID returns the workflow ID.
func (h *Handle) ID() string { return h.run.id }

// Done is closed once the execution has stopped, whether it finished, was
// cancelled or was interrupted by Shutdown.
func (h *Handle) Done() <-chan struct{} { return h.run.done }

// Workflow returns a snapshot of the current document.
func (h *Handle) Workflow() *types.Workflow { return h.run.snapshot() }

// Wait blocks until the execution stops or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*types.Workflow, error) {
	select {
	case <-h.run.done:
		return h.run.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute runs waves until nothing is eligible, then finalizes.
func (e *Engine) execute(run *workflowRun) {
	ctx, span := e.tracer.Start(run.ctx, "workflow.execute",
		trace.WithAttributes(attribute.String("workflow.id", run.id)))

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("workflow execution panicked", "workflow_id", run.id, "panic", r)
			e.forceFail(run, fmt.Errorf("%w: panic: %v", ErrEngine, r))
		}
		status := run.status()
		span.SetAttributes(attribute.String("workflow.status", string(status)))
		if status == types.WorkflowStatusFailed {
			span.SetStatus(codes.Error, "workflow failed")
		}
		span.End()
		e.release(run)
	}()

	logger := e.logger.With("workflow_id", run.id)
	logger.Info("workflow started")

	for wave := 1; run.ctx.Err() == nil; wave++ {
		ids := run.eligible()
		if len(ids) == 0 {
			break
		}
		logger.Debug("running wave", "wave", wave, "steps", ids)
		if failed := e.runWave(ctx, run, ids); failed && !e.cfg.ContinueOnError {
			break
		}
	}

	e.finalize(ctx, run)
}

// runWave executes ids concurrently and waits for all started steps, even
// after a failure. With MaxParallelism set, steps still queued when a step
// fails stay pending unless ContinueOnError is set. It reports whether any
// step failed.
func (e *Engine) runWave(ctx context.Context, run *workflowRun, ids []string) bool {
	metrics.WaveSize.Observe(float64(len(ids)))

	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	if e.cfg.MaxParallelism > 0 {
		g.SetLimit(e.cfg.MaxParallelism)
	}
	for _, id := range ids {
		g.Go(func() error {
			if failed.Load() && !e.cfg.ContinueOnError {
				return nil
			}
			err := e.executeStep(ctx, run, id)
			if err != nil {
				failed.Store(true)
			}
			return err
		})
	}
	_ = g.Wait()
	return failed.Load()
}

func (e *Engine) executeStep(ctx context.Context, run *workflowRun, stepID string) error {
	if run.ctx.Err() != nil {
		return ErrCancelled
	}
	start := e.now()

	var (
		env   map[string]any
		wfCtx map[string]any
	)
	step, ok := run.updateStep(stepID, start, func(s *types.WorkflowStep) {
		s.Status = types.StepStatusRunning
		s.Error = ""
		s.Result = nil
		s.Duration = 0
	})
	if !ok {
		return nil
	}
	run.mu.Lock()
	env = templateEnv(run.wf)
	wfCtx = run.wf.Context
	run.mu.Unlock()

	e.persist(run)
	e.emitStep(ctx, run.id, step)

	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", run.id),
		attribute.String("step.id", stepID),
		attribute.String("step.tool", step.ToolName),
	))
	defer span.End()

	outcome, err := e.runHandler(ctx, run, step, env, wfCtx)
	elapsed := e.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.failStep(ctx, run, step, err, elapsed)
	}
	e.completeStep(ctx, run, step, outcome, elapsed)
	return nil
}

func (e *Engine) runHandler(ctx context.Context, run *workflowRun, step types.WorkflowStep, env, wfCtx map[string]any) (out *StepOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: tool %s panicked: %v", ErrEngine, step.ToolName, r)
		}
	}()

	h, err := e.registry.Lookup(step.ToolName)
	if err != nil {
		return nil, err
	}
	args, err := e.templates.Resolve(step.Args, env)
	if err != nil {
		return nil, err
	}
	step.Args = args

	return h.Execute(ctx, &StepRequest{
		WorkflowID: run.id,
		Step:       step,
		Context:    wfCtx,
		SetStatus: func(status types.StepStatus) {
			updated, ok := run.updateStep(step.ID, e.now(), func(s *types.WorkflowStep) {
				s.Status = status
			})
			if !ok {
				return
			}
			e.persist(run)
			e.emitStep(ctx, run.id, updated)
		},
	})
}

func (e *Engine) completeStep(ctx context.Context, run *workflowRun, step types.WorkflowStep, outcome *StepOutcome, elapsed time.Duration) {
	if outcome == nil {
		outcome = &StepOutcome{}
	}
	now := e.now()

	updated, _ := run.updateStep(step.ID, now, func(s *types.WorkflowStep) {
		s.Status = types.StepStatusCompleted
		s.Result = outcome.Result
		s.Error = ""
		s.Duration = elapsed.Milliseconds()
	})

	var added []types.WorkflowStep
	if len(outcome.AddSteps) > 0 {
		run.mu.Lock()
		added = appendSteps(run.wf, outcome.AddSteps)
		run.wf.UpdatedAt = now
		run.mu.Unlock()
	}

	e.persist(run)
	e.emitStep(ctx, run.id, updated)
	if len(added) > 0 {
		metrics.StepsAdded.Add(float64(len(added)))
		e.emit(ctx, &types.Event{
			Type:       types.EventTypeStepsAdded,
			WorkflowID: run.id,
			StepID:     step.ID,
			Steps:      added,
		})
		e.logger.Info("steps added", "workflow_id", run.id, "step_id", step.ID, "count", len(added))
	}

	metrics.StepsTotal.WithLabelValues(step.ToolName, string(types.StepStatusCompleted)).Inc()
	metrics.StepDuration.WithLabelValues(step.ToolName, string(types.StepStatusCompleted)).Observe(elapsed.Seconds())
}

// failStep records a step failure and returns err. A step interrupted by
// Shutdown is left running so Resume picks it up again.
func (e *Engine) failStep(ctx context.Context, run *workflowRun, step types.WorkflowStep, err error, elapsed time.Duration) error {
	logger := e.logger.With("workflow_id", run.id, "step_id", step.ID, "tool", step.ToolName)

	if run.ctx.Err() != nil && !run.cancelled() {
		logger.Info("step interrupted", "error", err)
		return err
	}
	if run.cancelled() {
		err = ErrCancelled
	}

	updated, _ := run.updateStep(step.ID, e.now(), func(s *types.WorkflowStep) {
		s.Status = types.StepStatusFailed
		s.Error = err.Error()
		s.Duration = elapsed.Milliseconds()
	})
	e.persist(run)
	e.emitStep(ctx, run.id, updated)

	if IsConfigurationError(err) {
		logger.Warn("step could not run", "error", err)
	} else {
		logger.Info("step failed", "error", err)
	}
	metrics.StepsTotal.WithLabelValues(step.ToolName, string(types.StepStatusFailed)).Inc()
	metrics.StepDuration.WithLabelValues(step.ToolName, string(types.StepStatusFailed)).Observe(elapsed.Seconds())
	return err
}

// finalize decides the terminal status once no step is eligible. Cancelled
// and interrupted runs are left untouched.
func (e *Engine) finalize(ctx context.Context, run *workflowRun) {
	if run.ctx.Err() != nil {
		return
	}

	now := e.now()
	run.mu.Lock()
	if run.wf.Status.IsTerminal() {
		run.mu.Unlock()
		return
	}

	stalled := unfinishedSteps(run.wf)
	var skipped []types.WorkflowStep
	if e.cfg.ContinueOnError {
		for i := range run.wf.Steps {
			if run.wf.Steps[i].Status == types.StepStatusPending {
				run.wf.Steps[i].Status = types.StepStatusSkipped
				skipped = append(skipped, run.wf.Steps[i])
			}
		}
	}

	status, msg := types.WorkflowStatusCompleted, ""
	if failed := firstFailed(run.wf); failed != nil {
		status, msg = types.WorkflowStatusFailed, failed.Error
		if msg == "" {
			msg = fmt.Sprintf("step %s failed", failed.ID)
		}
	} else if len(stalled) > 0 {
		status = types.WorkflowStatusFailed
		msg = "unsatisfiable dependencies for steps: " + strings.Join(stalled, ", ")
	}

	run.wf.Status = status
	run.wf.Error = msg
	run.wf.UpdatedAt = now
	run.wf.CompletedAt = &now
	snap := run.wf.Clone()
	run.mu.Unlock()

	for _, s := range skipped {
		e.emitStep(ctx, run.id, s)
		metrics.StepsTotal.WithLabelValues(s.ToolName, string(types.StepStatusSkipped)).Inc()
	}
	e.persist(run)

	logger := e.logger.With("workflow_id", run.id, "duration", now.Sub(run.started))
	if status == types.WorkflowStatusCompleted {
		e.emit(ctx, &types.Event{Type: types.EventTypeCompleted, WorkflowID: run.id, Workflow: snap})
		logger.Info("workflow completed")
		return
	}
	e.emit(ctx, &types.Event{Type: types.EventTypeFailed, WorkflowID: run.id, Error: msg})
	logger.Info("workflow failed", "error", msg)
}

// forceFail ends a run after an engine fault.
func (e *Engine) forceFail(run *workflowRun, cause error) {
	now := e.now()
	run.mu.Lock()
	if run.wf.Status.IsTerminal() {
		run.mu.Unlock()
		return
	}
	run.wf.Status = types.WorkflowStatusFailed
	run.wf.Error = cause.Error()
	run.wf.UpdatedAt = now
	run.wf.CompletedAt = &now
	run.mu.Unlock()

	e.persist(run)
	e.emit(context.Background(), &types.Event{Type: types.EventTypeFailed, WorkflowID: run.id, Error: cause.Error()})
}

func (e *Engine) emitStep(ctx context.Context, workflowID string, step types.WorkflowStep) {
	e.emit(ctx, &types.Event{
		Type:       types.EventTypeStep,
		WorkflowID: workflowID,
		StepID:     step.ID,
		Status:     string(step.Status),
		Result:     step.Result,
		Error:      step.Error,
		Duration:   step.Duration,
	})
}

// appendSteps adds steps whose IDs are not already present, forced to
// pending. Steps without an ID get a generated one. It returns what was
// actually added.
func appendSteps(wf *types.Workflow, steps []types.WorkflowStep) []types.WorkflowStep {
	seen := make(map[string]struct{}, len(wf.Steps)+len(steps))
	for _, s := range wf.Steps {
		seen[s.ID] = struct{}{}
	}

	var added []types.WorkflowStep
	for _, s := range steps {
		if s.ID == "" {
			s.ID = "step_" + uuid.NewString()
		}
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		s.Status = types.StepStatusPending
		s.Result = nil
		s.Error = ""
		s.Duration = 0
		wf.Steps = append(wf.Steps, s)
		added = append(added, s)
	}
	return added
}

func firstFailed(wf *types.Workflow) *types.WorkflowStep {
	for i := range wf.Steps {
		if wf.Steps[i].Status == types.StepStatusFailed {
			return &wf.Steps[i]
		}
	}
	return nil
}

func unfinishedSteps(wf *types.Workflow) []string {
	var ids []string
	for _, s := range wf.Steps {
		if s.Status.IsUnfinished() {
			ids = append(ids, s.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
