package engine

import "errors"

var (
	// Caller errors returned synchronously.
	ErrInvalidWorkflow  = errors.New("invalid workflow")
	ErrWorkflowActive   = errors.New("workflow already active")
	ErrWorkflowNotFound = errors.New("workflow not found")

	// Step execution errors.
	ErrStepFailed  = errors.New("step failed")
	ErrStepTimeout = errors.New("step timed out")
	ErrCancelled   = errors.New("cancelled")

	// Configuration errors. Steps hitting these fail without running.
	ErrUnknownTool         = errors.New("unknown tool")
	ErrInvalidTool         = errors.New("invalid tool registration")
	ErrToolExists          = errors.New("tool already registered")
	ErrNoMainThreadHandler = errors.New("no main-thread tool handler configured")
	ErrExecutorUnavailable = errors.New("executor unavailable")
	ErrTemplate            = errors.New("arg template")

	// ErrEngine marks unexpected failures of the engine itself.
	ErrEngine = errors.New("engine error")
)

// IsConfigurationError reports whether err means the step could not run at
// all, as opposed to running and failing.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrNoMainThreadHandler) ||
		errors.Is(err, ErrExecutorUnavailable) ||
		errors.Is(err, ErrTemplate)
}
