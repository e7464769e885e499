package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ljquan/aitu/services/workflow-go/internal/config"
	"github.com/ljquan/aitu/services/workflow-go/internal/validator"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "Execute one workflow document and print the final state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runFile(ctx, cfg, args[0])
		},
	}
}

func runFile(ctx context.Context, cfg *config.Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	v, err := validator.New()
	if err != nil {
		return err
	}
	if res := v.ValidateWorkflowJSON(data); !res.Valid {
		return fmt.Errorf("invalid workflow: %s", res.Error())
	}

	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	for i := range wf.Steps {
		if wf.Steps[i].ID == "" {
			wf.Steps[i].ID = "step_" + uuid.NewString()
		}
	}
	if res := v.ValidateGraph(&wf); !res.Valid {
		return fmt.Errorf("invalid workflow: %s", res.Error())
	}

	logger := newLogger(cfg)
	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := c.shutdown(shutdownCtx); err != nil {
			logger.Warn("component shutdown", "error", err)
		}
	}()

	h, err := c.engine.Submit(ctx, &wf)
	if err != nil {
		return err
	}
	final, err := h.Wait(ctx)
	if err != nil {
		return fmt.Errorf("workflow %s interrupted: %w", wf.ID, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return err
	}
	if final.Status != types.WorkflowStatusCompleted {
		return fmt.Errorf("workflow %s %s: %s", final.ID, final.Status, final.Error)
	}
	return nil
}
