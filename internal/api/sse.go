package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ljquan/aitu/services/workflow-go/internal/metrics"
	"github.com/ljquan/aitu/services/workflow-go/pkg/types"
)

const sseHeartbeat = 15 * time.Second

// StreamEvents handles GET /api/v1/workflows/{id}/events as Server-Sent
// Events. Recorded events after Last-Event-ID are replayed before live ones,
// and the stream ends after the workflow's terminal event.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)
	startTime := time.Now()

	wf, err := h.engine.Get(ctx, workflowID)
	if err != nil {
		h.respondEngineError(w, r, "failed to get workflow", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	live, cleanup := h.engine.Subscribe(workflowID)
	defer cleanup()

	metrics.StreamConnections.WithLabelValues("sse").Inc()
	defer metrics.StreamConnections.WithLabelValues("sse").Dec()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.logger.With(
		slog.String("workflow_id", workflowID),
		slog.String("request_id", requestID),
	)
	logger.Info("SSE connection opened", slog.String("remote_addr", r.RemoteAddr))
	closed := func(reason string) {
		logger.Info("SSE connection closed",
			slog.Duration("duration", time.Since(startTime)),
			slog.String("reason", reason),
		)
	}

	h.writeSSE(w, flusher, &types.Event{
		ID:         "0",
		Type:       "hello",
		WorkflowID: workflowID,
		Status:     string(wf.Status),
		Timestamp:  time.Now().UTC(),
	})

	seen := make(map[string]struct{})
	for _, evt := range h.engine.Events().Since(workflowID, r.Header.Get("Last-Event-ID")) {
		seen[evt.ID] = struct{}{}
		h.writeSSE(w, flusher, evt)
		if evt.IsTerminal() {
			closed("workflow_finished")
			return
		}
	}

	// Finished before this process recorded any history, e.g. after a restart.
	if wf.Status.IsTerminal() {
		h.writeSSE(w, flusher, finalEvent(wf))
		closed("workflow_finished")
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-live:
			if !ok {
				closed("unsubscribed")
				return
			}
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			h.writeSSE(w, flusher, evt)
			if evt.IsTerminal() {
				closed("workflow_finished")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// finalEvent synthesizes the terminal event for a stored workflow.
func finalEvent(wf *types.Workflow) *types.Event {
	evt := &types.Event{
		ID:         "final",
		WorkflowID: wf.ID,
		Status:     string(wf.Status),
		Timestamp:  time.Now().UTC(),
	}
	switch wf.Status {
	case types.WorkflowStatusCompleted:
		evt.Type = types.EventTypeCompleted
		evt.Workflow = wf
	case types.WorkflowStatusFailed:
		evt.Type = types.EventTypeFailed
		evt.Error = wf.Error
	default:
		evt.Type = types.EventTypeStatus
	}
	return evt
}

func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Debug("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}
