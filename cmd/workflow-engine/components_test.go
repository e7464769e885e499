package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ljquan/aitu/services/workflow-go/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildComponentsErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"unknown workflow store", func(c *config.Config) { c.WorkflowStoreType = "bogus" }, "unknown workflow store type"},
		{"unknown task store", func(c *config.Config) { c.TaskStoreType = "bogus" }, "unknown task store type"},
		{"unknown task store after sqlite opened", func(c *config.Config) {
			c.WorkflowStoreType = "sqlite"
			c.TaskStoreType = "bogus"
		}, "unknown task store type"},
		{"unreachable redis", func(c *config.Config) {
			c.WorkflowStoreType = "redis"
			c.RedisURL = "redis://127.0.0.1:1"
		}, "connect to redis"},
		{"bad redis url", func(c *config.Config) {
			c.TaskStoreType = "redis"
			c.RedisURL = "://nope"
		}, "parse redis url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Load()
			cfg.WorkflowStoreType = "memory"
			cfg.TaskStoreType = "memory"
			cfg.EventsRedis = false
			cfg.SQLitePath = filepath.Join(t.TempDir(), "wf.db")
			tt.mutate(cfg)

			c, err := buildComponents(context.Background(), cfg, quietLogger())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("buildComponents() error = %v, want containing %q", err, tt.wantErr)
			}
			if c != nil {
				t.Errorf("expected no components on error, got %+v", c)
			}
		})
	}
}

func TestBuildComponentsMemory(t *testing.T) {
	cfg := config.Load()
	cfg.WorkflowStoreType = "memory"
	cfg.TaskStoreType = "memory"
	cfg.EventsRedis = false

	c, err := buildComponents(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildComponents() error = %v", err)
	}
	if c.engine == nil || c.bridge == nil || c.workflows == nil || c.tasks == nil {
		t.Fatalf("incomplete components: %+v", c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.shutdown(ctx); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestServeStopsTracingOnStartupError(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	cfg := config.Load()
	cfg.WorkflowStoreType = "bogus"
	cfg.OTelEnabled = true
	cfg.OTelEndpoint = "127.0.0.1:1"
	cfg.OTelSampleRate = 1
	cfg.ShutdownGrace = 2 * time.Second

	err := serve(context.Background(), cfg, quietLogger())
	if err == nil || !strings.Contains(err.Error(), "unknown workflow store type") {
		t.Fatalf("serve() error = %v", err)
	}

	_, span := otel.Tracer("startup").Start(context.Background(), "after-exit")
	defer span.End()
	if span.IsRecording() {
		t.Error("tracer provider still recording after serve returned")
	}
}
