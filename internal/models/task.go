// -----------------------------------------------------------------------
// Task Record - Locally tracked unit of user-visible background work
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a tracked task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// TaskKind classifies the category of work a task represents.
// Classification only - routing happens at the caller, not in the core.
type TaskKind string

const (
	TaskKindReportGeneration TaskKind = "report_generation"
	TaskKindQueryExecution   TaskKind = "query_execution"
	TaskKindDataProcessing   TaskKind = "data_processing"
	TaskKindFileUpload       TaskKind = "file_upload"
)

// IsValidTaskKind reports whether the kind is one of the known work categories
func IsValidTaskKind(kind TaskKind) bool {
	switch kind {
	case TaskKindReportGeneration, TaskKindQueryExecution, TaskKindDataProcessing, TaskKindFileUpload:
		return true
	default:
		return false
	}
}

// Task represents a locally tracked unit of user-visible background work.
//
// Task State Lifecycle:
//  1. Created via registry AddTask (status=pending, progress=0)
//  2. Executor transitions pending -> running (StartedAt set)
//  3. Remote job polling drives Progress updates while running
//  4. Terminal transition to completed/failed/cancelled (CompletedAt set)
//
// A task may or may not have an associated remote job; RemoteJobID links it
// to the monitor when it does.
type Task struct {
	ID          string     `json:"id"`
	Kind        TaskKind   `json:"kind"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"` // 0-100, monotonic by convention (not enforced)

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error  string      `json:"error,omitempty"`  // Set only on transition to failed
	Result interface{} `json:"result,omitempty"` // Set only on transition to completed

	// RemoteJobID is the remote system's identifier for the job backing this
	// task, when one exists. Distinct from ID.
	RemoteJobID string `json:"remote_job_id,omitempty"`

	// Metadata is an opaque caller-supplied bag, never interpreted by the core
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TaskDraft carries the caller-supplied fields for a new task
type TaskDraft struct {
	Kind        TaskKind               `json:"kind"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Validate validates the draft before registration
func (d *TaskDraft) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if !IsValidTaskKind(d.Kind) {
		return fmt.Errorf("invalid task kind: %s", d.Kind)
	}
	return nil
}

// MarkStarted marks the task as started
func (t *Task) MarkStarted() {
	t.Status = TaskStatusRunning
	now := time.Now()
	t.StartedAt = &now
}

// MarkCompleted marks the task as completed with an optional result payload
func (t *Task) MarkCompleted(result interface{}) {
	t.Status = TaskStatusCompleted
	t.Progress = 100
	t.Result = result
	now := time.Now()
	t.CompletedAt = &now
}

// MarkFailed marks the task as failed with an error message
func (t *Task) MarkFailed(errorMsg string) {
	t.Status = TaskStatusFailed
	t.Error = errorMsg
	now := time.Now()
	t.CompletedAt = &now
}

// MarkCancelled marks the task as cancelled
func (t *Task) MarkCancelled() {
	t.Status = TaskStatusCancelled
	now := time.Now()
	t.CompletedAt = &now
}

// IsTerminal returns true if the task is in a terminal state
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusCancelled
}

// IsActive returns true if the task is pending or running
func (t *Task) IsActive() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusRunning
}

// Clone creates a copy of the task safe to hand to readers.
// Metadata is shallow-copied; callers treat it as opaque and read-only.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Metadata != nil {
		metadataCopy := make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			metadataCopy[k] = v
		}
		clone.Metadata = metadataCopy
	}
	return &clone
}

// GetMetadataString retrieves a string value from metadata
func (t *Task) GetMetadataString(key string) (string, bool) {
	val, ok := t.Metadata[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// TaskCounts summarizes bucket sizes for the dashboard snapshot API
type TaskCounts struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// TaskUpdate carries a partial update merged into a task by the registry.
// Nil fields are left untouched.
type TaskUpdate struct {
	Status      *TaskStatus
	Progress    *int
	Error       *string
	Result      interface{}
	RemoteJobID *string
	Metadata    map[string]interface{}
}
