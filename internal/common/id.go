package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique task ID with the "task_" prefix
// Format: task_<uuid>
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewFileID generates a unique local file upload record ID with the "file_" prefix
// Format: file_<uuid>
func NewFileID() string {
	return "file_" + uuid.New().String()
}
