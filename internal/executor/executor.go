// Package executor defines the capability interface the engine uses to run
// generation work. Backends write task progress and results to the task
// store; the engine only waits on the store.
package executor

import (
	"context"
	"errors"

	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// Tool names handled by an Executor.
const (
	ToolGenerateImage = "generate_image"
	ToolGenerateVideo = "generate_video"
	ToolAIAnalyze     = "ai_analyze"
)

// ErrUnavailable is returned when a backend cannot accept work.
var ErrUnavailable = errors.New("executor unavailable")

// Executor runs generation jobs. Cancellation is signalled through ctx.
type Executor interface {
	// IsAvailable reports whether the backend is configured and reachable.
	IsAvailable() bool

	// GenerateImage starts (or resumes) an image job for params.TaskID and
	// records its outcome in the task store. It may return before the job
	// finishes.
	GenerateImage(ctx context.Context, params ImageParams) error

	// GenerateVideo starts (or resumes) a video job for params.TaskID.
	GenerateVideo(ctx context.Context, params VideoParams) error

	// AIAnalyze runs a text analysis synchronously. The result may ask the
	// engine to append steps to the running workflow.
	AIAnalyze(ctx context.Context, params AnalyzeParams) (*AnalyzeResult, error)
}

// ImageParams describes an image generation request.
type ImageParams struct {
	TaskID          string
	Prompt          string
	Model           string
	Size            string
	ReferenceImages []string
	Count           int
}

// VideoParams describes a video generation request.
type VideoParams struct {
	TaskID          string
	Prompt          string
	Model           string
	Duration        int // seconds
	Size            string
	ReferenceImages []string
}

// Message is one chat message passed to AIAnalyze.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnalyzeParams describes a text analysis request.
type AnalyzeParams struct {
	TaskID   string
	Prompt   string
	Messages []Message
	Images   []string
	Model    string
}

// AnalyzeResult is the outcome of AIAnalyze.
type AnalyzeResult struct {
	Content  string               `json:"content"`
	AddSteps []types.WorkflowStep `json:"addSteps,omitempty"`
}
