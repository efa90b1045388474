package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/specto/internal/models"
)

// TaskRegistry is the in-memory collection of tracked tasks with derived
// status buckets. All operations are synchronous; bucket views and counts
// always reflect the latest write.
type TaskRegistry interface {
	// AddTask registers a draft and returns the assigned task ID
	AddTask(draft *models.TaskDraft) (string, error)

	// UpdateTask merges a partial update and recomputes bucket membership
	UpdateTask(id string, update models.TaskUpdate) error

	// RemoveTask removes a task from the collection and all buckets; no-op if absent
	RemoveTask(id string)

	// ClearCompleted removes every task in a terminal state and returns the
	// number removed
	ClearCompleted() int

	// ClearAll removes every task
	ClearAll()

	GetTask(id string) (*models.Task, bool)
	GetTasksByKind(kind models.TaskKind) []*models.Task
	ActiveTasks() []*models.Task
	CompletedTasks() []*models.Task
	FailedTasks() []*models.Task
	Counts() models.TaskCounts
}

// TaskArchive persists terminal task records so history pages survive restart
type TaskArchive interface {
	SaveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, opts *TaskListOptions) ([]*models.Task, error)
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error)
	Close() error
}

// BundleArchive persists settled bundle manifests for the history pages
type BundleArchive interface {
	SaveManifest(ctx context.Context, manifest *models.BundleManifest) error
	GetManifest(ctx context.Context, bundleID string) (*models.BundleManifest, error)
	ListManifests(ctx context.Context, limit, offset int) ([]*models.BundleManifest, error)
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error)
}

// TaskListOptions filter archived task queries
type TaskListOptions struct {
	Kind   models.TaskKind
	Status models.TaskStatus
	Limit  int
	Offset int
}
