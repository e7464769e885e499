// Package openai implements executor.Executor against an OpenAI-compatible
// HTTP API (chat completions for images and analysis, /videos for video).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
)

// Config holds API client configuration.
type Config struct {
	BaseURL string
	APIKey  string

	ImageModel string
	VideoModel string
	ChatModel  string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the number of attempts for quota and timeout errors.
	MaxRetries int

	// RetryDelay is the initial backoff between attempts.
	RetryDelay time.Duration

	// RateLimit paces outbound requests (requests per second, 0 = unlimited).
	RateLimit float64
	Burst     int

	// VideoPollInterval is how often a video job is checked.
	VideoPollInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://api.openai.com/v1",
		ImageModel:        "gemini-2.5-flash-image",
		VideoModel:        "sora-2",
		ChatModel:         "gpt-4o-mini",
		Timeout:           120 * time.Second,
		MaxRetries:        10,
		RetryDelay:        500 * time.Millisecond,
		RateLimit:         5,
		Burst:             10,
		VideoPollInterval: 5 * time.Second,
	}
}

func (c *Config) withDefaults() Config {
	d := *DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = d.BaseURL
	}
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	if out.ImageModel == "" {
		out.ImageModel = d.ImageModel
	}
	if out.VideoModel == "" {
		out.VideoModel = d.VideoModel
	}
	if out.ChatModel == "" {
		out.ChatModel = d.ChatModel
	}
	if out.Timeout <= 0 {
		out.Timeout = d.Timeout
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = d.MaxRetries
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = d.RetryDelay
	}
	if out.Burst <= 0 {
		out.Burst = d.Burst
	}
	if out.VideoPollInterval <= 0 {
		out.VideoPollInterval = d.VideoPollInterval
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

var quotaPhrases = []string{
	"exceeded your current quota",
	"quota exceeded",
	"billing details",
	"plan and billing",
}

// IsQuotaError reports whether err looks like a quota or billing rejection.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range quotaPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsTimeoutError reports whether err is an attempt timeout.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out")
}

// client performs paced, retried HTTP calls.
type client struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newClient(cfg Config) *client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &client{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  cfg.Logger,
	}
}

// withRetry runs op until it succeeds, fails permanently or runs out of
// attempts. Only quota and timeout errors are retried.
func withRetry[T any](ctx context.Context, c *client, operation string, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryDelay
	b.MaxInterval = 30 * time.Second

	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		var zero T
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		res, err := op(attemptCtx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !(IsQuotaError(err) || IsTimeoutError(err)) {
			return zero, backoff.Permanent(err)
		}
		metrics.ExecutorRequests.WithLabelValues(operation, "retry").Inc()
		c.logger.Warn("api call failed, retrying", "operation", operation, "attempt", attempt, "error", err)
		return zero, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
	)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ExecutorRequests.WithLabelValues(operation, outcome).Inc()
	return result, err
}

func (c *client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

// doJSON sends a request and decodes a JSON response into out.
func (c *client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error.Message != "" {
		msg = payload.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// chatMessage is a request message; Content is a string or []contentPart.
type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatReply is the assistant message: its text plus any images the server
// returned outside the text.
type chatReply struct {
	Content string
	Images  []string
}

// chat calls /chat/completions with streaming enabled and falls back to a
// plain JSON body when the server does not stream.
func (c *client) chat(ctx context.Context, model string, messages []chatMessage) (*chatReply, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readStream(resp.Body)
	}
	return readCompletion(resp.Body)
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string          `json:"content"`
			Images  json.RawMessage `json:"images"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func readStream(r io.Reader) (*chatReply, error) {
	scanner := bufio.NewScanner(r)
	// Inline base64 images make single lines very long.
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<20)

	var (
		content strings.Builder
		images  []string
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return nil, errors.New(chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		content.WriteString(delta.Content)
		images = append(images, imagesFromField(delta.Images)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return &chatReply{Content: content.String(), Images: images}, nil
}

func readCompletion(r io.Reader) (*chatReply, error) {
	var body struct {
		Choices []struct {
			Message map[string]json.RawMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if len(body.Choices) == 0 {
		return nil, errors.New("completion has no choices")
	}

	msg := body.Choices[0].Message
	reply := &chatReply{}
	if raw, ok := msg["content"]; ok {
		_ = json.Unmarshal(raw, &reply.Content)
	}
	for _, field := range imageFields {
		reply.Images = append(reply.Images, imagesFromField(msg[field])...)
	}
	return reply, nil
}
