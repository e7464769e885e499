// Package events fans engine events out to in-process subscribers, Redis
// pub/sub and WebSocket clients.
package events

import (
	"context"
	"log/slog"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// Emitter receives every event the engine produces. Emit must not block.
type Emitter interface {
	Emit(ctx context.Context, evt *types.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, evt *types.Event)

func (f EmitterFunc) Emit(ctx context.Context, evt *types.Event) { f(ctx, evt) }

// Multi forwards each event to all emitters in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, evt *types.Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, evt)
		}
	}
}

// Logging logs every event at debug level.
func Logging(logger *slog.Logger) Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return EmitterFunc(func(ctx context.Context, evt *types.Event) {
		logger.DebugContext(ctx, "workflow event",
			"type", evt.Type,
			"workflow_id", evt.WorkflowID,
			"step_id", evt.StepID,
			"status", evt.Status,
		)
	})
}
