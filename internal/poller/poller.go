// Package poller waits for generation tasks to reach a terminal status by
// re-reading the task store on a fixed interval.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 10 * time.Minute

	// Outcome messages for waits that end without a terminal task.
	ErrMsgCancelled = "cancelled"
	ErrMsgTimeout   = "timeout"
)

// Options configures a wait.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration

	// OnProgress is called with every observed task, including the terminal one.
	OnProgress func(*types.Task)

	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Result is the outcome of a wait.
type Result struct {
	Success bool
	Task    *types.Task
	Error   string
}

// Cancelled reports whether the wait ended because its context was done.
func (r Result) Cancelled() bool {
	return !r.Success && r.Error == ErrMsgCancelled && r.Task == nil
}

// TimedOut reports whether the wait exceeded its timeout.
func (r Result) TimedOut() bool {
	return !r.Success && r.Error == ErrMsgTimeout && r.Task == nil
}

// WaitForTaskCompletion polls store until the task is terminal, the context
// is done or the timeout elapses. A missing task is treated as not yet
// visible; read errors are logged and retried. The first read happens one
// interval after the call.
func WaitForTaskCompletion(ctx context.Context, store taskstore.Store, taskID string, opts *Options) Result {
	o := opts.withDefaults()
	logger := o.Logger.With("task_id", taskID)

	deadline := time.Now().Add(o.Timeout)
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()

	invalidator, _ := store.(taskstore.Invalidator)

	for {
		select {
		case <-ctx.Done():
			metrics.TaskPollsTotal.WithLabelValues("cancelled").Inc()
			return Result{Error: ErrMsgCancelled}
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			metrics.TaskPollsTotal.WithLabelValues("timeout").Inc()
			return Result{Error: ErrMsgTimeout}
		}

		if invalidator != nil {
			invalidator.Invalidate(taskID)
		}
		task, err := store.Get(ctx, taskID)
		if err != nil {
			if !errors.Is(err, taskstore.ErrTaskNotFound) && ctx.Err() == nil {
				logger.Debug("task poll failed, retrying", "error", err)
			}
			continue
		}

		if o.OnProgress != nil {
			o.OnProgress(task)
		}

		switch task.Status {
		case types.TaskStatusCompleted:
			metrics.TaskPollsTotal.WithLabelValues("completed").Inc()
			return Result{Success: true, Task: task}
		case types.TaskStatusFailed, types.TaskStatusCancelled:
			metrics.TaskPollsTotal.WithLabelValues(string(task.Status)).Inc()
			msg := task.Error
			if msg == "" {
				msg = "task " + string(task.Status)
			}
			return Result{Task: task, Error: msg}
		}
	}
}

// WaitForTasksCompletion waits for every task concurrently and returns the
// results keyed by task ID.
func WaitForTasksCompletion(ctx context.Context, store taskstore.Store, taskIDs []string, opts *Options) map[string]Result {
	results := make(map[string]Result, len(taskIDs))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	for _, id := range taskIDs {
		g.Go(func() error {
			res := WaitForTaskCompletion(ctx, store, id, opts)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
