// -----------------------------------------------------------------------
// Task Service - Creates tasks and drives them through their lifecycle
// -----------------------------------------------------------------------

package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

// ErrTaskCancelled marks a work unit outcome that resolves its task as
// cancelled rather than failed (e.g. a query superseded by a newer one).
var ErrTaskCancelled = errors.New("task cancelled")

// WorkUnit is the caller-supplied asynchronous unit of work backing a task.
// It may perform request/response calls and register a remote job poller for
// intermediate progress. The returned value becomes the task result.
type WorkUnit func(ctx context.Context) (interface{}, error)

// Service is the entry point UI-triggering code uses to run background work.
// It creates task records in the registry and keeps each record's terminal
// state consistent with the outcome of its work unit.
type Service struct {
	registry interfaces.TaskRegistry
	archive  interfaces.TaskArchive // optional; terminal records are archived when set
	logger   arbor.ILogger
}

// NewService creates a new task service
func NewService(registry interfaces.TaskRegistry, archive interfaces.TaskArchive, logger arbor.ILogger) (*Service, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Service{
		registry: registry,
		archive:  archive,
		logger:   logger,
	}, nil
}

// Registry exposes the backing task registry for callers that need direct
// record access (handlers updating remote job ids, tests).
func (s *Service) Registry() interfaces.TaskRegistry {
	return s.registry
}

// CreateTask registers a new pending task and returns its ID
func (s *Service) CreateTask(kind models.TaskKind, title, description string, metadata map[string]interface{}) (string, error) {
	id, err := s.registry.AddTask(&models.TaskDraft{
		Kind:        kind,
		Title:       title,
		Description: description,
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	return id, nil
}

// ExecuteTask runs the work unit and transitions the task through its
// lifecycle based on the outcome. The unit's error is returned to the caller
// untouched in meaning: the task's terminal state and the returned error are
// always consistent with each other, and no exception is swallowed.
func (s *Service) ExecuteTask(ctx context.Context, taskID string, unit WorkUnit) (interface{}, error) {
	if unit == nil {
		return nil, fmt.Errorf("work unit cannot be nil")
	}
	task, ok := s.registry.GetTask(taskID)
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}

	taskLogger := s.logger.WithCorrelationId(taskID)

	running := models.TaskStatusRunning
	if err := s.registry.UpdateTask(taskID, models.TaskUpdate{Status: &running}); err != nil {
		return nil, fmt.Errorf("failed to start task %s: %w", taskID, err)
	}

	taskLogger.Debug().
		Str("task_id", taskID).
		Str("kind", string(task.Kind)).
		Str("title", task.Title).
		Msg("Task execution started")

	startTime := time.Now()
	result, err := s.runUnit(ctx, taskID, unit)

	if err != nil {
		if errors.Is(err, ErrTaskCancelled) {
			cancelled := models.TaskStatusCancelled
			if updateErr := s.registry.UpdateTask(taskID, models.TaskUpdate{Status: &cancelled}); updateErr != nil {
				taskLogger.Warn().Err(updateErr).Str("task_id", taskID).Msg("Failed to record task cancellation")
			}
			s.archiveTask(taskID)

			taskLogger.Debug().
				Str("task_id", taskID).
				Dur("duration", time.Since(startTime)).
				Msg("Task cancelled during execution")

			return nil, err
		}

		failed := models.TaskStatusFailed
		errMsg := err.Error()
		if updateErr := s.registry.UpdateTask(taskID, models.TaskUpdate{Status: &failed, Error: &errMsg}); updateErr != nil {
			taskLogger.Warn().Err(updateErr).Str("task_id", taskID).Msg("Failed to record task failure")
		}
		s.archiveTask(taskID)

		taskLogger.Warn().
			Err(err).
			Str("task_id", taskID).
			Dur("duration", time.Since(startTime)).
			Msg("Task execution failed")

		return nil, err
	}

	completed := models.TaskStatusCompleted
	if updateErr := s.registry.UpdateTask(taskID, models.TaskUpdate{Status: &completed, Result: result}); updateErr != nil {
		taskLogger.Warn().Err(updateErr).Str("task_id", taskID).Msg("Failed to record task completion")
	}
	s.archiveTask(taskID)

	taskLogger.Debug().
		Str("task_id", taskID).
		Dur("duration", time.Since(startTime)).
		Msg("Task execution completed")

	return result, nil
}

// Complete resolves a task successfully from an asynchronous flow (e.g. a
// poller callback) where no work unit wraps the lifecycle.
func (s *Service) Complete(taskID string, result interface{}) error {
	completed := models.TaskStatusCompleted
	if err := s.registry.UpdateTask(taskID, models.TaskUpdate{Status: &completed, Result: result}); err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	s.archiveTask(taskID)
	return nil
}

// Fail resolves a task as failed from an asynchronous flow
func (s *Service) Fail(taskID string, errMsg string) error {
	failed := models.TaskStatusFailed
	if err := s.registry.UpdateTask(taskID, models.TaskUpdate{Status: &failed, Error: &errMsg}); err != nil {
		return fmt.Errorf("failed to fail task %s: %w", taskID, err)
	}
	s.archiveTask(taskID)
	return nil
}

// Cancel marks an active task cancelled. Terminal tasks are left untouched.
func (s *Service) Cancel(taskID string) error {
	task, ok := s.registry.GetTask(taskID)
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if task.IsTerminal() {
		return fmt.Errorf("task %s is already terminal (%s)", taskID, task.Status)
	}

	cancelled := models.TaskStatusCancelled
	if err := s.registry.UpdateTask(taskID, models.TaskUpdate{Status: &cancelled}); err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}
	s.archiveTask(taskID)

	s.logger.Debug().Str("task_id", taskID).Msg("Task cancelled")

	return nil
}

// SetProgress updates a task's progress percentage
func (s *Service) SetProgress(taskID string, progress int) error {
	return s.registry.UpdateTask(taskID, models.TaskUpdate{Progress: &progress})
}

// runUnit invokes the work unit with panic containment so a panicking unit
// still resolves the task to failed instead of tearing down the process.
func (s *Service) runUnit(ctx context.Context, taskID string, unit WorkUnit) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work unit panicked: %v", r)
			s.logger.Error().
				Str("task_id", taskID).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Recovered from panic in work unit")
		}
	}()

	return unit(ctx)
}

// archiveTask persists the terminal record asynchronously when an archive is configured
func (s *Service) archiveTask(taskID string) {
	if s.archive == nil {
		return
	}
	task, ok := s.registry.GetTask(taskID)
	if !ok || !task.IsTerminal() {
		return
	}

	common.SafeGo(s.logger, "archiveTask", func() {
		if err := s.archive.SaveTask(context.Background(), task); err != nil {
			s.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to archive terminal task")
		}
	})
}
