// Package mainthread parks UI-bound tool calls until a client posts their
// result over HTTP.
package mainthread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/internal/engine"
)

// ErrNoPendingCall is returned when a result arrives for a step that is not
// waiting.
var ErrNoPendingCall = errors.New("no pending main-thread call")

// PendingCall is a parked call as reported to clients.
type PendingCall struct {
	WorkflowID string         `json:"workflowId"`
	StepID     string         `json:"stepId"`
	ToolName   string         `json:"toolName"`
	Args       map[string]any `json:"args,omitempty"`
	Since      time.Time      `json:"since"`
}

type waiter struct {
	call  PendingCall
	reply chan *engine.MainThreadResult
}

// Bridge implements engine.MainThreadFunc over an in-process rendezvous.
type Bridge struct {
	mu      sync.Mutex
	waiting map[string]*waiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewBridge creates an empty bridge.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		waiting: make(map[string]*waiter),
		logger:  logger.With("component", "mainthread"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func key(workflowID, stepID string) string {
	return workflowID + "/" + stepID
}

// Execute blocks until Deliver is called for the step or ctx ends.
func (b *Bridge) Execute(ctx context.Context, call engine.MainThreadCall) (*engine.MainThreadResult, error) {
	w := &waiter{
		call: PendingCall{
			WorkflowID: call.WorkflowID,
			StepID:     call.StepID,
			ToolName:   call.ToolName,
			Args:       call.Args,
			Since:      b.now(),
		},
		reply: make(chan *engine.MainThreadResult, 1),
	}
	k := key(call.WorkflowID, call.StepID)

	b.mu.Lock()
	b.waiting[k] = w
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.waiting[k] == w {
			delete(b.waiting, k)
		}
		b.mu.Unlock()
	}()

	b.logger.Info("waiting for main-thread result",
		"workflow_id", call.WorkflowID, "step_id", call.StepID, "tool", call.ToolName)

	select {
	case res := <-w.reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Func returns Execute as an engine.MainThreadFunc.
func (b *Bridge) Func() engine.MainThreadFunc {
	return b.Execute
}

// Deliver hands a result to the waiting step.
func (b *Bridge) Deliver(workflowID, stepID string, res *engine.MainThreadResult) error {
	if res == nil {
		return fmt.Errorf("%w: empty result", ErrNoPendingCall)
	}
	k := key(workflowID, stepID)

	b.mu.Lock()
	w, ok := b.waiting[k]
	if ok {
		delete(b.waiting, k)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingCall, k)
	}
	w.reply <- res
	return nil
}

// Pending lists parked calls for workflowID, or all when empty, ordered by
// arrival.
func (b *Bridge) Pending(workflowID string) []PendingCall {
	b.mu.Lock()
	out := make([]PendingCall, 0, len(b.waiting))
	for _, w := range b.waiting {
		if workflowID == "" || w.call.WorkflowID == workflowID {
			out = append(out, w.call)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].StepID < out[j].StepID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
