package types

import "time"

// TaskStatus represents the state of a generation task in the task store.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the task has finished, successfully or not.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskType identifies the kind of generation a task performs.
type TaskType string

const (
	TaskTypeImage TaskType = "image"
	TaskTypeVideo TaskType = "video"
	TaskTypeChat  TaskType = "chat"
)

// Task is the durable record of one asynchronous generation job.
// Its ID equals the ID of the workflow step that created it.
type Task struct {
	ID          string         `json:"id"`
	Type        TaskType       `json:"type"`
	Status      TaskStatus     `json:"status"`
	Params      map[string]any `json:"params,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Progress    int            `json:"progress,omitempty"`
	RemoteID    string         `json:"remoteId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// TaskUpdate is a partial update applied to a task. Nil fields are left as-is.
type TaskUpdate struct {
	Status   *TaskStatus `json:"status,omitempty"`
	Progress *int        `json:"progress,omitempty"`
	Result   any         `json:"result,omitempty"`
	Error    *string     `json:"error,omitempty"`
	RemoteID *string     `json:"remoteId,omitempty"`
}

// Apply merges the update into t and stamps UpdatedAt. Reaching a terminal
// status also stamps CompletedAt.
func (u *TaskUpdate) Apply(t *Task, now time.Time) {
	if u.Status != nil {
		t.Status = *u.Status
		if t.Status.IsTerminal() && t.CompletedAt == nil {
			ts := now
			t.CompletedAt = &ts
		}
	}
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.Result != nil {
		t.Result = u.Result
	}
	if u.Error != nil {
		t.Error = *u.Error
	}
	if u.RemoteID != nil {
		t.RemoteID = *u.RemoteID
	}
	t.UpdatedAt = now
}

// Ptr returns a pointer to v. Handy for building TaskUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
