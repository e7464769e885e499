package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeStatus     EventType = "status"
	EventTypeStep       EventType = "step"
	EventTypeCompleted  EventType = "completed"
	EventTypeFailed     EventType = "failed"
	EventTypeStepsAdded EventType = "steps_added"
)

// Event is a single notification emitted by the engine about a workflow.
// Only the fields relevant to Type are populated.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflowId"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     string         `json:"status,omitempty"`
	StepID     string         `json:"stepId,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   int64          `json:"duration,omitempty"`
	Workflow   *Workflow      `json:"workflow,omitempty"`
	Steps      []WorkflowStep `json:"steps,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// IsTerminal reports whether the event ends the workflow's stream.
func (e *Event) IsTerminal() bool {
	switch e.Type {
	case EventTypeCompleted, EventTypeFailed:
		return true
	case EventTypeStatus:
		return e.Status == string(WorkflowStatusCancelled)
	}
	return false
}
