package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage implements the TaskArchive interface for Badger. Only terminal
// task records are archived; live orchestration state stays in memory.
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskArchive {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStorage) SaveTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if !task.IsTerminal() {
		return fmt.Errorf("only terminal tasks are archived: %s is %s", task.ID, task.Status)
	}

	if err := s.db.Store().Upsert(task.ID, task); err != nil {
		return fmt.Errorf("failed to archive task: %w", err)
	}
	return nil
}

func (s *TaskStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(id, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("task not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get archived task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) ListTasks(ctx context.Context, opts *interfaces.TaskListOptions) ([]*models.Task, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Kind != "" {
			query = query.And("Kind").Eq(opts.Kind)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list archived tasks: %w", err)
	}

	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

// PurgeOlderThan deletes archived tasks created before the retention window
// and returns the number removed
func (s *TaskStorage) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	var stale []models.Task
	if err := s.db.Store().Find(&stale, badgerhold.Where("CreatedAt").Lt(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to find stale archived tasks: %w", err)
	}

	purged := 0
	for i := range stale {
		if err := s.db.Store().Delete(stale[i].ID, &models.Task{}); err != nil {
			s.logger.Warn().Err(err).Str("task_id", stale[i].ID).Msg("Failed to purge archived task")
			continue
		}
		purged++
	}

	if purged > 0 {
		s.logger.Debug().
			Int("count", purged).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Purged archived tasks past retention")
	}

	return purged, nil
}

func (s *TaskStorage) Close() error {
	return s.db.Close()
}
