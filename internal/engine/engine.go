// Package engine executes workflows: dependency-ordered waves of tool
// invocations with persistence, event emission, cancellation and resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ljquan/aitu/services/workflow-go/internal/events"
	"github.com/ljquan/aitu/services/workflow-go/internal/executor"
	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/internal/workflowstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const tracerName = "github.com/ljquan/aitu/services/workflow-go/internal/engine"

// Deps are the collaborators of an Engine. Nil stores fall back to
// in-memory implementations.
type Deps struct {
	Workflows workflowstore.Store
	Tasks     taskstore.Store
	Executor  executor.Executor

	// Emitter receives every event in addition to the engine's broadcaster.
	Emitter events.Emitter

	// Registry may pre-register custom tools. Built-in tools are added to it.
	Registry *Registry

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Engine runs workflows. At most one execution per workflow ID is active
// within a process.
type Engine struct {
	cfg         Config
	workflows   workflowstore.Store
	registry    *Registry
	broadcaster *events.Broadcaster
	emitter     events.Emitter
	templates   *templateResolver
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	runs   map[string]*workflowRun
	runsMu sync.Mutex
}

// New creates an engine and registers the built-in tools.
func New(cfg *Config, deps Deps) (*Engine, error) {
	c := cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	workflows := deps.Workflows
	if workflows == nil {
		workflows = workflowstore.NewMemoryStore()
	}
	tasks := deps.Tasks
	if tasks == nil {
		tasks = taskstore.NewMemoryStore()
	}
	reg := deps.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	e := &Engine{
		cfg:         c,
		workflows:   workflows,
		registry:    reg,
		broadcaster: events.NewBroadcaster(),
		templates:   newTemplateResolver(),
		logger:      logger,
		tracer:      tracer,
		now:         func() time.Time { return time.Now().UTC() },
		runs:        make(map[string]*workflowRun),
	}
	e.emitter = events.Multi{e.broadcaster, deps.Emitter}

	if err := registerBuiltins(reg, c, deps.Executor, tasks, logger, e.now); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry returns the tool registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Events returns the in-process broadcaster carrying every engine event.
func (e *Engine) Events() *events.Broadcaster { return e.broadcaster }

// Subscribe streams events for one workflow ("" for all). Call the returned
// function to unsubscribe.
func (e *Engine) Subscribe(workflowID string) (<-chan *types.Event, func()) {
	return e.broadcaster.Subscribe(workflowID)
}

// Submit starts executing wf. The caller's value is copied; later changes to
// it have no effect. Returns ErrWorkflowActive if wf.ID is already running.
func (e *Engine) Submit(ctx context.Context, wf *types.Workflow) (*Handle, error) {
	if err := checkWorkflow(wf); err != nil {
		return nil, err
	}

	cp := wf.Clone()
	now := e.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Status = types.WorkflowStatusRunning
	cp.Error = ""
	cp.CompletedAt = nil
	resetUnfinished(cp)

	h, err := e.start(ctx, cp)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Cancel stops a workflow. In-flight steps observe context cancellation.
// Cancelling a finished workflow is a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	e.runsMu.Lock()
	run, ok := e.runs[workflowID]
	e.runsMu.Unlock()

	if ok {
		if !run.markCancelled(e.now()) {
			return nil
		}
		run.cancel()
		e.persist(run)
		e.emit(ctx, &types.Event{
			Type:       types.EventTypeStatus,
			WorkflowID: workflowID,
			Status:     string(types.WorkflowStatusCancelled),
		})
		e.logger.Info("workflow cancelled", "workflow_id", workflowID)
		return nil
	}

	// Not active here: cancel the stored document so it is never resumed.
	wf, err := e.workflows.Get(ctx, workflowID)
	metrics.ObserveStore("workflow", "get", err)
	if errors.Is(err, workflowstore.ErrWorkflowNotFound) {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return nil
	}

	now := e.now()
	wf.Status = types.WorkflowStatusCancelled
	wf.UpdatedAt = now
	wf.CompletedAt = &now
	err = e.workflows.Save(ctx, wf)
	metrics.ObserveStore("workflow", "save", err)
	if err != nil {
		return err
	}
	metrics.WorkflowsTotal.WithLabelValues(string(types.WorkflowStatusCancelled)).Inc()
	e.emit(ctx, &types.Event{
		Type:       types.EventTypeStatus,
		WorkflowID: workflowID,
		Status:     string(types.WorkflowStatusCancelled),
	})
	return nil
}

// Resume continues a persisted workflow after a restart. Steps left running
// or waiting on the main thread are reset to pending. If the workflow is
// already active its handle is returned. Finished workflows, including
// ones mid-cancellation, are left alone and (nil, nil) is returned.
func (e *Engine) Resume(ctx context.Context, workflowID string) (*Handle, error) {
	e.runsMu.Lock()
	run, ok := e.runs[workflowID]
	e.runsMu.Unlock()
	if ok {
		if run.cancelled() {
			return nil, nil
		}
		return &Handle{run: run}, nil
	}

	wf, err := e.workflows.Get(ctx, workflowID)
	metrics.ObserveStore("workflow", "get", err)
	if errors.Is(err, workflowstore.ErrWorkflowNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() || !wf.HasUnfinishedSteps() {
		return nil, nil
	}

	resetUnfinished(wf)
	wf.Status = types.WorkflowStatusRunning
	wf.UpdatedAt = e.now()

	h, err := e.start(ctx, wf)
	if errors.Is(err, ErrWorkflowActive) {
		return h, nil
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info("workflow resumed", "workflow_id", workflowID)
	return h, nil
}

// ResumeAll resumes every stored workflow that is still pending or running.
// It returns the number of workflows started.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	var candidates []*types.Workflow
	for _, status := range []types.WorkflowStatus{types.WorkflowStatusRunning, types.WorkflowStatusPending} {
		wfs, err := e.workflows.List(ctx, &workflowstore.ListOptions{Status: status})
		metrics.ObserveStore("workflow", "list", err)
		if err != nil {
			return 0, fmt.Errorf("list %s workflows: %w", status, err)
		}
		candidates = append(candidates, wfs...)
	}

	resumed := 0
	var errs []error
	for _, wf := range candidates {
		h, err := e.Resume(ctx, wf.ID)
		if err != nil {
			e.logger.Warn("resume failed", "workflow_id", wf.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if h != nil {
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}

// Get returns a snapshot of the workflow, from memory if it is active and
// from the store otherwise.
func (e *Engine) Get(ctx context.Context, workflowID string) (*types.Workflow, error) {
	e.runsMu.Lock()
	run, ok := e.runs[workflowID]
	e.runsMu.Unlock()
	if ok {
		return run.snapshot(), nil
	}

	wf, err := e.workflows.Get(ctx, workflowID)
	metrics.ObserveStore("workflow", "get", err)
	if errors.Is(err, workflowstore.ErrWorkflowNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return wf, err
}

// ActiveCount returns the number of workflows executing in this process.
func (e *Engine) ActiveCount() int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	return len(e.runs)
}

// Shutdown interrupts every active workflow without changing its persisted
// status, so it can be resumed later, and waits for them to stop.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runsMu.Lock()
	runs := make([]*workflowRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.runsMu.Unlock()

	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) start(ctx context.Context, wf *types.Workflow) (*Handle, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &workflowRun{
		id:      wf.ID,
		wf:      wf,
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: e.now(),
	}

	e.runsMu.Lock()
	if existing, ok := e.runs[wf.ID]; ok {
		e.runsMu.Unlock()
		cancel()
		return &Handle{run: existing}, fmt.Errorf("%w: %s", ErrWorkflowActive, wf.ID)
	}
	e.runs[wf.ID] = run
	e.runsMu.Unlock()

	metrics.WorkflowsActive.Inc()
	e.persist(run)
	e.emit(ctx, &types.Event{
		Type:       types.EventTypeStatus,
		WorkflowID: wf.ID,
		Status:     string(types.WorkflowStatusRunning),
	})

	go e.execute(run)
	return &Handle{run: run}, nil
}

// release removes a finished run and closes its handle.
func (e *Engine) release(run *workflowRun) {
	e.runsMu.Lock()
	if e.runs[run.id] == run {
		delete(e.runs, run.id)
	}
	e.runsMu.Unlock()

	metrics.WorkflowsActive.Dec()
	if status := run.status(); status.IsTerminal() {
		metrics.WorkflowsTotal.WithLabelValues(string(status)).Inc()
		metrics.WorkflowDuration.WithLabelValues(string(status)).Observe(e.now().Sub(run.started).Seconds())
	}

	run.cancel()
	close(run.done)
}

// persist saves the current document. Failures are logged and counted but
// never fail the workflow. Snapshots are taken under persistMu so a slow
// save never overwrites a newer one.
func (e *Engine) persist(run *workflowRun) {
	run.persistMu.Lock()
	defer run.persistMu.Unlock()

	snap := run.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
	defer cancel()

	err := e.workflows.Save(ctx, snap)
	metrics.ObserveStore("workflow", "save", err)
	if err != nil {
		e.logger.Warn("failed to persist workflow", "workflow_id", run.id, "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, evt *types.Event) {
	evt.ID = ulid.Make().String()
	evt.Timestamp = e.now()
	metrics.EventsTotal.WithLabelValues(string(evt.Type)).Inc()
	e.emitter.Emit(ctx, evt)
}

func checkWorkflow(wf *types.Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: nil workflow", ErrInvalidWorkflow)
	}
	if wf.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidWorkflow)
	}
	seen := make(map[string]struct{}, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidWorkflow, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// resetUnfinished moves interrupted steps back to pending.
func resetUnfinished(wf *types.Workflow) {
	for i := range wf.Steps {
		switch wf.Steps[i].Status {
		case "", types.StepStatusRunning, types.StepStatusPendingMainThread:
			wf.Steps[i].Status = types.StepStatusPending
		}
	}
}
