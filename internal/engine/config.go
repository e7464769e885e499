package engine

import (
	"context"
	"time"
)

// MainThreadCall identifies a tool invocation that must run on the host's
// UI thread.
type MainThreadCall struct {
	WorkflowID string
	StepID     string
	ToolName   string
	Args       map[string]any
}

// MainThreadResult is the host's answer to a MainThreadCall.
type MainThreadResult struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MainThreadFunc executes a UI-thread-only tool on the host.
type MainThreadFunc func(ctx context.Context, call MainThreadCall) (*MainThreadResult, error)

// Config holds engine configuration.
type Config struct {
	// StepTimeout bounds how long a generation step waits for its task.
	StepTimeout time.Duration

	// PollInterval is the task store polling interval.
	PollInterval time.Duration

	// MaxParallelism limits concurrent steps within a wave (0 = unlimited).
	MaxParallelism int

	// ContinueOnError keeps scheduling independent steps after a failure.
	ContinueOnError bool

	// ExecuteMainThreadTool runs tools listed in MainThreadTools. Steps using
	// those tools fail with ErrNoMainThreadHandler when it is nil.
	ExecuteMainThreadTool MainThreadFunc

	// MainThreadTools are tool names routed to ExecuteMainThreadTool.
	MainThreadTools []string

	// PersistTimeout bounds each workflow store write.
	PersistTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StepTimeout:    10 * time.Minute,
		PollInterval:   time.Second,
		PersistTimeout: 5 * time.Second,
	}
}

func (c *Config) withDefaults() Config {
	out := *DefaultConfig()
	if c == nil {
		return out
	}
	defaults := out
	out = *c
	if out.StepTimeout <= 0 {
		out.StepTimeout = defaults.StepTimeout
	}
	if out.PollInterval <= 0 {
		out.PollInterval = defaults.PollInterval
	}
	if out.PersistTimeout <= 0 {
		out.PersistTimeout = defaults.PersistTimeout
	}
	return out
}
