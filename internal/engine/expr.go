package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const maxExpressionLength = 4096

// templateResolver evaluates ${...} arg templates with expr. Programs are
// compiled once and cached.
type templateResolver struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

func newTemplateResolver() *templateResolver {
	return &templateResolver{compiled: make(map[string]*vm.Program)}
}

// templateEnv exposes completed step results and the workflow context:
//
//	steps.<id>.result, steps.<id>.status, context.<key>
func templateEnv(wf *types.Workflow) map[string]any {
	steps := make(map[string]any, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.Status != types.StepStatusCompleted {
			continue
		}
		steps[s.ID] = map[string]any{
			"status": string(s.Status),
			"result": s.Result,
		}
	}
	ctx := wf.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{"steps": steps, "context": ctx}
}

// Resolve returns a copy of args with every string of the exact form
// ${expr} replaced by its value. Nested maps and slices are walked.
func (r *templateResolver) Resolve(args map[string]any, env map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	out, err := r.resolveValue(args, env)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r *templateResolver) resolveValue(v any, env map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		expression, ok := templateExpression(val)
		if !ok {
			return val, nil
		}
		return r.evaluate(expression, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(item, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func templateExpression(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := strings.TrimSpace(s[2 : len(s)-1])
	return inner, inner != ""
}

func (r *templateResolver) evaluate(expression string, env map[string]any) (any, error) {
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("%w: expression exceeds %d characters", ErrTemplate, maxExpressionLength)
	}

	r.mu.RLock()
	prog, ok := r.compiled[expression]
	r.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression)
		if err != nil {
			return nil, fmt.Errorf("%w: compile %q: %v", ErrTemplate, expression, err)
		}
		r.mu.Lock()
		r.compiled[expression] = prog
		r.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate %q: %v", ErrTemplate, expression, err)
	}
	return result, nil
}
