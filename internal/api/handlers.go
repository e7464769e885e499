// Package api provides HTTP handlers and routing for the workflow service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ljquan/aitu/services/workflow-go/internal/config"
	"github.com/ljquan/aitu/services/workflow-go/internal/engine"
	"github.com/ljquan/aitu/services/workflow-go/internal/events"
	"github.com/ljquan/aitu/services/workflow-go/internal/mainthread"
	"github.com/ljquan/aitu/services/workflow-go/internal/taskstore"
	"github.com/ljquan/aitu/services/workflow-go/internal/validator"
	"github.com/ljquan/aitu/services/workflow-go/internal/workflowstore"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const maxBodyBytes = 10 << 20

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	engine    *engine.Engine
	workflows workflowstore.Store
	tasks     taskstore.Store
	validator *validator.Validator
	bridge    *mainthread.Bridge
	hub       *events.Hub
	config    *config.Config
	logger    *slog.Logger
}

// Deps groups the collaborators of Handlers. Bridge may be nil when no
// main-thread tools are configured.
type Deps struct {
	Engine    *engine.Engine
	Workflows workflowstore.Store
	Tasks     taskstore.Store
	Validator *validator.Validator
	Bridge    *mainthread.Bridge
	Config    *config.Config
	Logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps) *Handlers {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Load()
	}
	return &Handlers{
		engine:    deps.Engine,
		workflows: deps.Workflows,
		tasks:     deps.Tasks,
		validator: deps.Validator,
		bridge:    deps.Bridge,
		hub: events.NewHub(events.HubConfig{
			Source:         deps.Engine.Events(),
			Logger:         logger,
			AllowedOrigins: cfg.CORSOrigins,
		}),
		config: cfg,
		logger: logger,
	}
}

// --- Health Endpoints ---

// Health handles /health and /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles /ready by probing both stores.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, err := h.workflows.List(ctx, &workflowstore.ListOptions{Limit: 1}); err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "workflow store unhealthy", err)
		return
	}
	if _, err := h.tasks.List(ctx, &taskstore.ListOptions{Limit: 1}); err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "task store unhealthy", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"activeWorkflows": h.engine.ActiveCount(),
		"workflowStore":   h.config.WorkflowStoreType,
		"taskStore":       h.config.TaskStoreType,
		"wsClients":       h.hub.ClientCount(),
	})
}

// --- Workflow Management ---

// SubmitWorkflowResponse is returned after a workflow is accepted.
type SubmitWorkflowResponse struct {
	WorkflowID string               `json:"workflowId"`
	Status     types.WorkflowStatus `json:"status"`
	SSEURL     string               `json:"sseUrl"`
	WSURL      string               `json:"wsUrl"`
}

// SubmitWorkflow handles POST /api/v1/workflows.
func (h *Handlers) SubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	if res := h.validator.ValidateWorkflowJSON(body); !res.Valid {
		h.respondValidation(w, r, res)
		return
	}

	var wf types.Workflow
	if err := json.Unmarshal(body, &wf); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	for i := range wf.Steps {
		if wf.Steps[i].ID == "" {
			wf.Steps[i].ID = "step_" + uuid.NewString()
		}
	}

	if res := h.validator.ValidateGraph(&wf); !res.Valid {
		h.respondValidation(w, r, res)
		return
	}

	handle, err := h.engine.Submit(r.Context(), &wf)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrWorkflowActive):
			h.respondError(w, r, http.StatusConflict, "workflow is already running", err)
		case errors.Is(err, engine.ErrInvalidWorkflow):
			h.respondError(w, r, http.StatusBadRequest, "invalid workflow", err)
		default:
			h.respondError(w, r, http.StatusInternalServerError, "failed to submit workflow", err)
		}
		return
	}

	h.respondJSON(w, http.StatusAccepted, SubmitWorkflowResponse{
		WorkflowID: handle.ID(),
		Status:     types.WorkflowStatusRunning,
		SSEURL:     "/api/v1/workflows/" + handle.ID() + "/events",
		WSURL:      "/api/v1/workflows/" + handle.ID() + "/ws",
	})
}

// ListWorkflows handles GET /api/v1/workflows.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &workflowstore.ListOptions{
		Status: types.WorkflowStatus(q.Get("status")),
		Limit:  queryInt(q.Get("limit"), 100),
		Offset: queryInt(q.Get("offset"), 0),
	}

	wfs, err := h.workflows.List(r.Context(), opts)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to list workflows", err)
		return
	}

	metas := make([]*types.WorkflowMeta, 0, len(wfs))
	for _, wf := range wfs {
		metas = append(metas, wf.Meta())
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"workflows": metas})
}

// GetWorkflow handles GET /api/v1/workflows/{id}.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondEngineError(w, r, "failed to get workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, wf)
}

// CancelWorkflow handles POST /api/v1/workflows/{id}/cancel.
func (h *Handlers) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		h.respondEngineError(w, r, "failed to cancel workflow", err)
		return
	}

	wf, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, r, "failed to get workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"workflowId": id,
		"status":     wf.Status,
	})
}

// ResumeWorkflow handles POST /api/v1/workflows/{id}/resume.
func (h *Handlers) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	handle, err := h.engine.Resume(r.Context(), id)
	if err != nil {
		h.respondEngineError(w, r, "failed to resume workflow", err)
		return
	}

	if handle == nil {
		wf, err := h.engine.Get(r.Context(), id)
		if err != nil {
			h.respondEngineError(w, r, "failed to get workflow", err)
			return
		}
		h.respondJSON(w, http.StatusOK, map[string]any{
			"workflowId": id,
			"status":     wf.Status,
			"resumed":    false,
		})
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"workflowId": id,
		"status":     types.WorkflowStatusRunning,
		"resumed":    true,
		"sseUrl":     "/api/v1/workflows/" + id + "/events",
	})
}

// StreamWebSocket handles GET /api/v1/workflows/{id}/ws.
func (h *Handlers) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.engine.Get(r.Context(), id); err != nil {
		h.respondEngineError(w, r, "failed to get workflow", err)
		return
	}
	lastEventID := r.URL.Query().Get("lastEventId")
	if lastEventID == "" {
		lastEventID = r.Header.Get("Last-Event-ID")
	}
	h.hub.ServeWs(w, r, id, lastEventID)
}

// --- Main-thread tools ---

// ListPendingCalls handles GET /api/v1/workflows/{id}/main-thread.
func (h *Handlers) ListPendingCalls(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{"calls": []mainthread.PendingCall{}})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"calls": h.bridge.Pending(mux.Vars(r)["id"])})
}

// SubmitStepResult handles POST /api/v1/workflows/{id}/steps/{stepId}/result.
func (h *Handlers) SubmitStepResult(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "main-thread tools are not enabled", errors.New("no bridge configured"))
		return
	}
	vars := mux.Vars(r)

	var res engine.MainThreadResult
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&res); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := h.bridge.Deliver(vars["id"], vars["stepId"], &res); err != nil {
		if errors.Is(err, mainthread.ErrNoPendingCall) {
			h.respondError(w, r, http.StatusNotFound, "step is not waiting for a main-thread result", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to deliver result", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"delivered": true})
}

// --- Tasks and tools ---

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			h.respondError(w, r, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get task", err)
		return
	}
	h.respondJSON(w, http.StatusOK, task)
}

// ListTools handles GET /api/v1/tools.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"tools": h.engine.Registry().Names()})
}

// --- Helper Methods ---

func queryInt(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return def
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	attrs := []any{"status", status, "request_id", GetRequestID(r.Context(), r)}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, attrs...)
	} else {
		h.logger.Debug(message, attrs...)
	}

	var details map[string]any
	if err != nil {
		details = map[string]any{"cause": err.Error()}
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

func (h *Handlers) respondValidation(w http.ResponseWriter, r *http.Request, res *validator.ValidationResult) {
	writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidation, "workflow validation failed",
		map[string]any{"errors": res.Errors})
}

func (h *Handlers) respondEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if errors.Is(err, engine.ErrWorkflowNotFound) {
		h.respondError(w, r, http.StatusNotFound, "workflow not found", err)
		return
	}
	h.respondError(w, r, http.StatusInternalServerError, message, err)
}
