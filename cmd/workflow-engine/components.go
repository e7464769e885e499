package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ljquan/aitu/services/workflow-go/internal/config"
	"github.com/ljquan/aitu/services/workflow-go/internal/dataflow"
	"github.com/ljquan/aitu/services/workflow-go/internal/engine"
	"github.com/ljquan/aitu/services/workflow-go/internal/events"
	"github.com/ljquan/aitu/services/workflow-go/internal/executor/openai"
	"github.com/ljquan/aitu/services/workflow-go/internal/mainthread"
	"github.com/ljquan/aitu/services/workflow-go/internal/storage/sqlite"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/internal/workflowstore"
)

// components holds everything wired from configuration. close releases it
// in reverse order of acquisition.
type components struct {
	redis     *redis.Client
	db        *sqlx.DB
	workflows workflowstore.Store
	tasks     taskstore.Store
	artifacts *dataflow.Service
	executor  *openai.Executor
	bridge    *mainthread.Bridge
	engine    *engine.Engine

	closers []func() error
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			_ = c.close()
		}
	}()

	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		if cfg.RedisDB != 0 {
			opts.DB = cfg.RedisDB
		}
		c.redis = redis.NewClient(opts)
		c.closers = append(c.closers, c.redis.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.redis.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to redis", "url", cfg.RedisURL)
	}

	if cfg.UsesSQLite() {
		c.db, err = sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.db.Close)
		logger.Info("opened sqlite database", "path", cfg.SQLitePath)
	}

	switch cfg.WorkflowStoreType {
	case "memory", "":
		c.workflows = workflowstore.NewMemoryStore()
	case "redis":
		c.workflows = workflowstore.NewRedisStoreWithClient(c.redis, cfg.StoreTTL)
	case "sqlite":
		c.workflows = workflowstore.NewSQLiteStore(c.db)
	default:
		return nil, fmt.Errorf("unknown workflow store type: %s", cfg.WorkflowStoreType)
	}
	c.closers = append(c.closers, c.workflows.Close)

	var tasks taskstore.Store
	switch cfg.TaskStoreType {
	case "memory", "":
		tasks = taskstore.NewMemoryStore()
	case "redis":
		tasks = taskstore.NewRedisStoreWithClient(c.redis, &taskstore.Config{TTL: cfg.StoreTTL})
	case "sqlite":
		tasks = taskstore.NewSQLiteStore(c.db)
	default:
		return nil, fmt.Errorf("unknown task store type: %s", cfg.TaskStoreType)
	}
	if cfg.TaskStoreType != "memory" && cfg.TaskStoreType != "" {
		tasks = taskstore.NewCachedStore(tasks, cfg.TaskCacheTTL)
	}
	c.tasks = tasks
	c.closers = append(c.closers, c.tasks.Close)
	logger.Info("stores ready", "workflow_store", cfg.WorkflowStoreType, "task_store", cfg.TaskStoreType)

	c.artifacts, err = dataflow.New(&dataflow.Config{
		Type:            cfg.ArtifactStoreType,
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UseSSL:          cfg.S3UseSSL,
		PathPrefix:      cfg.S3PathPrefix,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Transport: http.DefaultTransport}
	if cfg.OTelEnabled {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	c.executor = openai.New(&openai.Config{
		BaseURL:    cfg.AIBaseURL,
		APIKey:     cfg.AIAPIKey,
		ImageModel: cfg.AIImageModel,
		VideoModel: cfg.AIVideoModel,
		ChatModel:  cfg.AITextModel,
		Timeout:    cfg.AITimeout,
		MaxRetries: cfg.AIMaxRetries,
		RateLimit:  cfg.AIRateLimitRPS,
		Burst:      cfg.AIRateLimitBurst,
		HTTPClient: httpClient,
		Logger:     logger,
	}, c.tasks, c.artifacts)
	if !c.executor.IsAvailable() {
		logger.Warn("AI_API_KEY not set, generation tools will fail")
	}

	emitter := events.Multi{events.Logging(logger)}
	if cfg.EventsRedis {
		emitter = append(emitter, events.NewRedisPublisher(c.redis, cfg.EventsChannel, logger))
	}

	c.bridge = mainthread.NewBridge(logger)
	c.engine, err = engine.New(&engine.Config{
		StepTimeout:           cfg.StepTimeout,
		PollInterval:          cfg.PollInterval,
		ContinueOnError:       cfg.ContinueOnError,
		MaxParallelism:        cfg.MaxParallelism,
		MainThreadTools:       cfg.MainThreadTools,
		ExecuteMainThreadTool: c.bridge.Func(),
	}, engine.Deps{
		Workflows: c.workflows,
		Tasks:     c.tasks,
		Executor:  c.executor,
		Emitter:   emitter,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return c, nil
}

// shutdown stops the engine, lets background generation writes land and
// closes stores and connections.
func (c *components) shutdown(ctx context.Context) error {
	var result *multierror.Error
	if c.engine != nil {
		if err := c.engine.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("engine shutdown: %w", err))
		}
	}
	if c.executor != nil {
		done := make(chan struct{})
		go func() {
			c.executor.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("generation jobs still running: %w", ctx.Err()))
		}
	}
	if err := c.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *components) close() error {
	var result *multierror.Error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.closers = nil
	return result.ErrorOrNil()
}
