package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ljquan/aitu/services/workflow-go/internal/dataflow"
	"github.com/ljquan/aitu/services/workflow-go/internal/executor"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

// ErrNoImages is recorded when an image reply carries no image.
var ErrNoImages = errors.New("response contained no images")

const analyzeSystemPrompt = `You plan creative workflows. Answer the user. If follow-up work is needed, ` +
	"append a fenced ```json block of the form " +
	`{"addSteps":[{"id":"...","toolName":"generate_image|generate_video|ai_analyze","args":{...},"dependsOn":["..."]}]}.`

// Executor runs generation jobs against an OpenAI-compatible API and
// records their progress in the task store. Image and video jobs run in
// the background; AIAnalyze is synchronous.
type Executor struct {
	cfg       Config
	api       *client
	tasks     taskstore.Store
	artifacts *dataflow.Service
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates an executor. artifacts may be nil, in which case inline
// images are kept as data URLs in task results.
func New(cfg *Config, tasks taskstore.Store, artifacts *dataflow.Service) *Executor {
	c := cfg.withDefaults()
	logger := c.Logger.With("component", "openai")
	c.Logger = logger
	return &Executor{
		cfg:       c,
		api:       newClient(c),
		tasks:     tasks,
		artifacts: artifacts,
		logger:    logger,
	}
}

// IsAvailable reports whether an API key is configured.
func (e *Executor) IsAvailable() bool {
	return e.cfg.APIKey != "" && e.tasks != nil
}

// Wait blocks until background jobs have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// GenerateImage marks the task processing and runs the job in the
// background.
func (e *Executor) GenerateImage(ctx context.Context, params executor.ImageParams) error {
	if !e.IsAvailable() {
		return executor.ErrUnavailable
	}
	if err := e.update(ctx, params.TaskID, &types.TaskUpdate{
		Status:   types.Ptr(types.TaskStatusProcessing),
		Progress: types.Ptr(10),
	}); err != nil {
		return err
	}

	e.background(ctx, params.TaskID, func(ctx context.Context) (any, error) {
		return e.runImage(ctx, params)
	})
	return nil
}

func (e *Executor) runImage(ctx context.Context, p executor.ImageParams) (any, error) {
	model := firstNonEmpty(p.Model, e.cfg.ImageModel)

	prompt := p.Prompt
	if p.Size != "" {
		prompt += "\n\nImage size: " + p.Size
	}
	if p.Count > 1 {
		prompt += fmt.Sprintf("\n\nGenerate %d images.", p.Count)
	}
	messages := []chatMessage{{Role: "user", Content: userContent(prompt, p.ReferenceImages)}}

	reply, err := withRetry(ctx, e.api, "generate_image", func(ctx context.Context) (*chatReply, error) {
		return e.api.chat(ctx, model, messages)
	})
	if err != nil {
		return nil, err
	}

	images := append(ExtractImages(reply.Content), reply.Images...)
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	urls, err := e.storeImages(ctx, p.TaskID, images)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(dataURLPattern.ReplaceAllString(reply.Content, ""))
	return map[string]any{"urls": urls, "url": urls[0], "content": content}, nil
}

// storeImages moves inline images into artifact storage. Links are kept.
func (e *Executor) storeImages(ctx context.Context, taskID string, images []string) ([]string, error) {
	urls := make([]string, 0, len(images))
	seen := make(map[string]struct{}, len(images))
	for _, img := range images {
		if _, dup := seen[img]; dup {
			continue
		}
		seen[img] = struct{}{}

		if e.artifacts == nil || !strings.HasPrefix(img, "data:") {
			urls = append(urls, img)
			continue
		}
		u, _, err := e.artifacts.StoreDataURL(ctx, taskID, img)
		if err != nil {
			return nil, fmt.Errorf("store image: %w", err)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

type videoJob struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	URL      string `json:"url"`
	VideoURL string `json:"video_url"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type videoRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	Seconds        string   `json:"seconds,omitempty"`
	Size           string   `json:"size,omitempty"`
	InputReference []string `json:"input_reference,omitempty"`
}

// GenerateVideo submits a video job, or resumes polling the job already
// recorded on the task, and tracks it in the background.
func (e *Executor) GenerateVideo(ctx context.Context, params executor.VideoParams) error {
	if !e.IsAvailable() {
		return executor.ErrUnavailable
	}

	task, err := e.tasks.Get(ctx, params.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	remoteID := task.RemoteID
	if remoteID == "" {
		req := videoRequest{
			Model:          firstNonEmpty(params.Model, e.cfg.VideoModel),
			Prompt:         params.Prompt,
			Size:           params.Size,
			InputReference: params.ReferenceImages,
		}
		if params.Duration > 0 {
			req.Seconds = fmt.Sprint(params.Duration)
		}
		job, err := withRetry(ctx, e.api, "generate_video", func(ctx context.Context) (*videoJob, error) {
			var job videoJob
			if err := e.api.doJSON(ctx, http.MethodPost, "/videos", req, &job); err != nil {
				return nil, err
			}
			return &job, nil
		})
		if err != nil {
			return err
		}
		if job.ID == "" {
			return errors.New("video job response has no id")
		}
		remoteID = job.ID
	} else {
		e.logger.Info("resuming video job", "task_id", params.TaskID, "remote_id", remoteID)
	}

	if err := e.update(ctx, params.TaskID, &types.TaskUpdate{
		Status:   types.Ptr(types.TaskStatusProcessing),
		RemoteID: types.Ptr(remoteID),
	}); err != nil {
		return err
	}

	e.background(ctx, params.TaskID, func(ctx context.Context) (any, error) {
		return e.pollVideo(ctx, params.TaskID, remoteID)
	})
	return nil
}

func (e *Executor) pollVideo(ctx context.Context, taskID, remoteID string) (any, error) {
	ticker := time.NewTicker(e.cfg.VideoPollInterval)
	defer ticker.Stop()

	lastProgress := -1
	for {
		job, err := withRetry(ctx, e.api, "poll_video", func(ctx context.Context) (*videoJob, error) {
			var job videoJob
			if err := e.api.doJSON(ctx, http.MethodGet, "/videos/"+remoteID, nil, &job); err != nil {
				return nil, err
			}
			return &job, nil
		})
		if err != nil {
			return nil, err
		}

		if job.Progress != lastProgress {
			lastProgress = job.Progress
			if err := e.update(ctx, taskID, &types.TaskUpdate{Progress: types.Ptr(job.Progress)}); err != nil {
				e.logger.Debug("progress update failed", "task_id", taskID, "error", err)
			}
		}

		switch job.Status {
		case "completed", "succeeded":
			u := firstNonEmpty(job.VideoURL, job.URL, e.cfg.BaseURL+"/videos/"+remoteID+"/content")
			return map[string]any{"url": u, "remoteId": remoteID}, nil
		case "failed", "cancelled", "error":
			msg := "video job " + job.Status
			if job.Error != nil && job.Error.Message != "" {
				msg = job.Error.Message
			}
			return nil, errors.New(msg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AIAnalyze runs a chat completion and parses follow-up steps from the
// reply.
func (e *Executor) AIAnalyze(ctx context.Context, params executor.AnalyzeParams) (*executor.AnalyzeResult, error) {
	if !e.IsAvailable() {
		return nil, executor.ErrUnavailable
	}

	messages := []chatMessage{{Role: "system", Content: analyzeSystemPrompt}}
	for _, m := range params.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if params.Prompt != "" || len(params.Images) > 0 {
		messages = append(messages, chatMessage{Role: "user", Content: userContent(params.Prompt, params.Images)})
	}

	model := firstNonEmpty(params.Model, e.cfg.ChatModel)
	reply, err := withRetry(ctx, e.api, "ai_analyze", func(ctx context.Context) (*chatReply, error) {
		return e.api.chat(ctx, model, messages)
	})
	if err != nil {
		return nil, err
	}

	return &executor.AnalyzeResult{
		Content:  reply.Content,
		AddSteps: ParseSteps(reply.Content),
	}, nil
}

// background runs job and records its outcome on the task. The job stops
// when ctx is cancelled; the task is then left for the caller to mark.
func (e *Executor) background(ctx context.Context, taskID string, job func(context.Context) (any, error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		result, err := job(ctx)
		if ctx.Err() != nil {
			return
		}
		// Outcome writes must land even if the step context ends now.
		writeCtx := context.WithoutCancel(ctx)

		if err != nil {
			e.logger.Warn("generation failed", "task_id", taskID, "error", err)
			if uerr := e.update(writeCtx, taskID, &types.TaskUpdate{
				Status: types.Ptr(types.TaskStatusFailed),
				Error:  types.Ptr(err.Error()),
			}); uerr != nil {
				e.logger.Error("failed to record task failure", "task_id", taskID, "error", uerr)
			}
			return
		}
		if uerr := e.update(writeCtx, taskID, &types.TaskUpdate{
			Status:   types.Ptr(types.TaskStatusCompleted),
			Progress: types.Ptr(100),
			Result:   result,
		}); uerr != nil {
			e.logger.Error("failed to record task result", "task_id", taskID, "error", uerr)
		}
	}()
}

func (e *Executor) update(ctx context.Context, taskID string, u *types.TaskUpdate) error {
	_, err := e.tasks.Update(ctx, taskID, u)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

// userContent builds a text-only message or a text plus image_url parts
// message when references are present.
func userContent(text string, images []string) any {
	if len(images) == 0 {
		return text
	}
	parts := []contentPart{{Type: "text", Text: text}}
	for _, img := range images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img}})
	}
	return parts
}

var _ executor.Executor = (*Executor)(nil)
