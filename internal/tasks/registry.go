// -----------------------------------------------------------------------
// Task Registry - In-memory task collection with derived status buckets
// -----------------------------------------------------------------------

package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

// bucket identifies one of the three derived task views
type bucket int

const (
	bucketActive bucket = iota
	bucketCompleted
	bucketFailed
)

// bucketFor maps a task status to its derived bucket.
// Cancelled tasks land in the completed bucket: cancellation is a terminal
// outcome, not an error surfaced on the failed view.
func bucketFor(status models.TaskStatus) bucket {
	switch status {
	case models.TaskStatusFailed:
		return bucketFailed
	case models.TaskStatusCompleted, models.TaskStatusCancelled:
		return bucketCompleted
	default:
		return bucketActive
	}
}

// Registry implements TaskRegistry. The authoritative map and the bucket
// sets are mutated inside the same critical section, so a task is never
// missing from or duplicated across buckets between operations.
type Registry struct {
	tasks   map[string]*models.Task
	buckets map[bucket]map[string]struct{}

	eventService interfaces.EventService
	logger       arbor.ILogger
	mu           sync.RWMutex
}

// NewRegistry creates a new task registry
func NewRegistry(eventService interfaces.EventService, logger arbor.ILogger) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Registry{
		tasks: make(map[string]*models.Task),
		buckets: map[bucket]map[string]struct{}{
			bucketActive:    make(map[string]struct{}),
			bucketCompleted: make(map[string]struct{}),
			bucketFailed:    make(map[string]struct{}),
		},
		eventService: eventService,
		logger:       logger,
	}

	logger.Debug().Msg("Task registry initialized")

	return r, nil
}

// AddTask registers a draft and returns the assigned task ID.
// The new task starts in the active bucket with status pending and progress 0.
func (r *Registry) AddTask(draft *models.TaskDraft) (string, error) {
	if draft == nil {
		return "", fmt.Errorf("task draft cannot be nil")
	}
	if err := draft.Validate(); err != nil {
		return "", fmt.Errorf("invalid task draft: %w", err)
	}

	task := &models.Task{
		ID:          common.NewTaskID(),
		Kind:        draft.Kind,
		Title:       draft.Title,
		Description: draft.Description,
		Status:      models.TaskStatusPending,
		Progress:    0,
		CreatedAt:   time.Now(),
		Metadata:    draft.Metadata,
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.buckets[bucketActive][task.ID] = struct{}{}
	snapshot := task.Clone()
	r.mu.Unlock()

	r.logger.Debug().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("title", task.Title).
		Msg("Task registered")

	r.publishStatusChange(snapshot)

	return task.ID, nil
}

// UpdateTask merges a partial update into the task and recomputes bucket
// membership in the same operation. Timestamps are set exactly once at the
// corresponding transition.
func (r *Registry) UpdateTask(id string, update models.TaskUpdate) error {
	r.mu.Lock()

	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("task not found: %s", id)
	}

	prevStatus := task.Status
	prevProgress := task.Progress

	if update.Status != nil && *update.Status != task.Status {
		if task.IsTerminal() {
			r.mu.Unlock()
			return fmt.Errorf("task %s is already terminal (%s)", id, task.Status)
		}
		task.Status = *update.Status
		switch task.Status {
		case models.TaskStatusRunning:
			if task.StartedAt == nil {
				now := time.Now()
				task.StartedAt = &now
			}
		case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled:
			if task.CompletedAt == nil {
				now := time.Now()
				task.CompletedAt = &now
			}
		}
	}

	if update.Progress != nil {
		// Clamped, not forced monotonic: callers may set progress directly
		p := *update.Progress
		if p < 0 {
			p = 0
		} else if p > 100 {
			p = 100
		}
		task.Progress = p
	}
	if update.Error != nil {
		task.Error = *update.Error
	}
	if update.Result != nil {
		task.Result = update.Result
	}
	if update.RemoteJobID != nil {
		task.RemoteJobID = *update.RemoteJobID
	}
	if update.Metadata != nil {
		if task.Metadata == nil {
			task.Metadata = make(map[string]interface{}, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			task.Metadata[k] = v
		}
	}

	// Re-bucket while still holding the lock so views never disagree with
	// the authoritative map
	if prev, next := bucketFor(prevStatus), bucketFor(task.Status); prev != next {
		delete(r.buckets[prev], id)
		r.buckets[next][id] = struct{}{}
	}

	statusChanged := task.Status != prevStatus
	progressChanged := task.Progress != prevProgress
	snapshot := task.Clone()
	r.mu.Unlock()

	if statusChanged {
		r.logger.Debug().
			Str("task_id", id).
			Str("from", string(prevStatus)).
			Str("to", string(snapshot.Status)).
			Msg("Task status changed")
		r.publishStatusChange(snapshot)
	} else if progressChanged {
		r.publishProgress(snapshot)
	}

	return nil
}

// RemoveTask removes a task from the collection and all buckets; no-op if absent
func (r *Registry) RemoveTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return
	}
	delete(r.tasks, id)
	for _, b := range r.buckets {
		delete(b, id)
	}
}

// ClearCompleted removes every task in a terminal state and returns the
// number removed
func (r *Registry) ClearCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := len(r.buckets[bucketCompleted]) + len(r.buckets[bucketFailed])
	for id := range r.buckets[bucketCompleted] {
		delete(r.tasks, id)
	}
	for id := range r.buckets[bucketFailed] {
		delete(r.tasks, id)
	}
	r.buckets[bucketCompleted] = make(map[string]struct{})
	r.buckets[bucketFailed] = make(map[string]struct{})
	return removed
}

// ClearAll removes every task
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = make(map[string]*models.Task)
	for b := range r.buckets {
		r.buckets[b] = make(map[string]struct{})
	}
}

// GetTask returns a copy of the task by id
func (r *Registry) GetTask(id string) (*models.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// GetTasksByKind returns copies of all tasks of the given kind, newest first
func (r *Registry) GetTasksByKind(kind models.TaskKind) []*models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.Task
	for _, task := range r.tasks {
		if task.Kind == kind {
			result = append(result, task.Clone())
		}
	}
	sortByCreated(result)
	return result
}

// ActiveTasks returns copies of all pending and running tasks, newest first
func (r *Registry) ActiveTasks() []*models.Task {
	return r.bucketTasks(bucketActive)
}

// CompletedTasks returns copies of all completed and cancelled tasks, newest first
func (r *Registry) CompletedTasks() []*models.Task {
	return r.bucketTasks(bucketCompleted)
}

// FailedTasks returns copies of all failed tasks, newest first
func (r *Registry) FailedTasks() []*models.Task {
	return r.bucketTasks(bucketFailed)
}

// Counts returns the bucket sizes
func (r *Registry) Counts() models.TaskCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return models.TaskCounts{
		Total:     len(r.tasks),
		Active:    len(r.buckets[bucketActive]),
		Completed: len(r.buckets[bucketCompleted]),
		Failed:    len(r.buckets[bucketFailed]),
	}
}

func (r *Registry) bucketTasks(b bucket) []*models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Task, 0, len(r.buckets[b]))
	for id := range r.buckets[b] {
		if task, ok := r.tasks[id]; ok {
			result = append(result, task.Clone())
		}
	}
	sortByCreated(result)
	return result
}

func sortByCreated(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

// publishStatusChange broadcasts a status transition. Callers pass a snapshot
// clone so the publish goroutine never reads live registry state.
func (r *Registry) publishStatusChange(snapshot *models.Task) {
	if r.eventService == nil {
		return
	}

	event := interfaces.Event{
		Type: interfaces.EventTaskStatusChange,
		Payload: map[string]interface{}{
			"task_id":   snapshot.ID,
			"kind":      string(snapshot.Kind),
			"status":    string(snapshot.Status),
			"progress":  snapshot.Progress,
			"error":     snapshot.Error,
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	common.SafeGo(r.logger, "publishTaskStatusChange", func() {
		if err := r.eventService.Publish(context.Background(), event); err != nil {
			r.logger.Warn().Err(err).Str("task_id", snapshot.ID).Msg("Failed to publish task status change event")
		}
	})
}

func (r *Registry) publishProgress(snapshot *models.Task) {
	if r.eventService == nil {
		return
	}

	event := interfaces.Event{
		Type: interfaces.EventTaskProgress,
		Payload: map[string]interface{}{
			"task_id":   snapshot.ID,
			"progress":  snapshot.Progress,
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}

	common.SafeGo(r.logger, "publishTaskProgress", func() {
		if err := r.eventService.Publish(context.Background(), event); err != nil {
			r.logger.Warn().Err(err).Str("task_id", snapshot.ID).Msg("Failed to publish task progress event")
		}
	})
}
