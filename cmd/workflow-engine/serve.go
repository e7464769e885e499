package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/spf13/cobra"

	"github.com/ljquan/aitu/services/workflow-go/internal/api"
	"github.com/ljquan/aitu/services/workflow-go/internal/config"
	"github.com/ljquan/aitu/services/workflow-go/internal/retention"
	"github.com/ljquan/aitu/services/workflow-go/internal/tracing"
	"github.com/ljquan/aitu/services/workflow-go/internal/validator"
)

func newServeCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and resume unfinished workflows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if port != "" {
				cfg.Port = port
			}
			return serve(cmd.Context(), cfg, newLogger(cfg))
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting workflow engine",
		slog.String("version", version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "workflow-engine",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Enabled:        cfg.OTelEnabled,
		SampleRate:     cfg.OTelSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}

	v, err := validator.New()
	if err != nil {
		_ = c.close()
		return fmt.Errorf("create validator: %w", err)
	}

	janitor, err := retention.New(retention.Config{
		Schedule:          cfg.RetentionSchedule,
		TaskRetention:     cfg.TaskRetention,
		WorkflowRetention: cfg.WorkflowRetention,
		DeleteArtifacts:   cfg.RetentionDeleteArtifacts,
	}, c.tasks, c.workflows, c.artifacts, logger)
	if err != nil {
		_ = c.close()
		return err
	}

	server := api.NewServer(api.NewHandlers(api.Deps{
		Engine:    c.engine,
		Workflows: c.workflows,
		Tasks:     c.tasks,
		Validator: v,
		Bridge:    c.bridge,
		Config:    cfg,
		Logger:    logger,
	}))
	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	if cfg.ResumeOnStart {
		n, err := c.engine.ResumeAll(ctx)
		if err != nil {
			logger.Warn("some workflows could not be resumed", "error", err)
		}
		logger.Info("resumed workflows", "count", n)
	}

	var g run.Group

	// HTTP API.
	{
		g.Add(
			func() error {
				logger.Info("http server listening", "addr", httpServer.Addr)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Warn("http shutdown", "error", err)
				}
				server.Close()
			},
		)
	}

	// Retention.
	{
		stop := make(chan struct{})
		g.Add(
			func() error {
				janitor.Start()
				<-stop
				return nil
			},
			func(error) {
				close(stop)
			},
		)
	}

	// Signals.
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	runErr := g.Run()
	var sigErr run.SignalError
	if errors.As(runErr, &sigErr) {
		logger.Info("shutdown requested", "signal", sigErr.Signal.String())
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := janitor.Stop(shutdownCtx); err != nil {
		logger.Warn("retention stop", "error", err)
	}
	if err := c.shutdown(shutdownCtx); err != nil {
		logger.Warn("component shutdown", "error", err)
	}

	logger.Info("workflow engine stopped", "grace", cfg.ShutdownGrace.String(), "at", time.Now().UTC())
	return runErr
}
