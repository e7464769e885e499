package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// StepRequest is passed to a Handler for one step execution.
type StepRequest struct {
	WorkflowID string
	Step       types.WorkflowStep // Args already have templates resolved
	Context    map[string]any     // Read-only workflow context

	// SetStatus moves the step to an intermediate status (for example
	// pending_main_thread) while the handler waits.
	SetStatus func(types.StepStatus)
}

// StepOutcome is what a successful Handler returns.
type StepOutcome struct {
	Result   any
	AddSteps []types.WorkflowStep
}

// Handler executes steps for one tool name.
type Handler interface {
	Execute(ctx context.Context, req *StepRequest) (*StepOutcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *StepRequest) (*StepOutcome, error)

func (f HandlerFunc) Execute(ctx context.Context, req *StepRequest) (*StepOutcome, error) {
	return f(ctx, req)
}

// Registry maps tool names to handlers. The set of tools is closed: a step
// naming an unregistered tool fails with ErrUnknownTool.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Empty names, nil handlers and duplicates are
// rejected.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("%w: name=%q", ErrInvalidTool, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return h, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
