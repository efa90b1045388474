package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(nil, arbor.NewLogger())
	require.NoError(t, err)
	return registry
}

func statusPtr(s models.TaskStatus) *models.TaskStatus { return &s }
func intPtr(n int) *int                                { return &n }
func strPtr(s string) *string                          { return &s }

func TestAddTask_StartsPendingInActiveBucket(t *testing.T) {
	registry := newTestRegistry(t)

	id, err := registry.AddTask(&models.TaskDraft{
		Kind:  models.TaskKindQueryExecution,
		Title: "Execute query",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, ok := registry.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.Progress)
	assert.False(t, task.CreatedAt.IsZero())

	counts := registry.Counts()
	assert.Equal(t, 1, counts.Total)
	assert.Equal(t, 1, counts.Active)
	assert.Equal(t, 0, counts.Completed)
	assert.Equal(t, 0, counts.Failed)
}

func TestAddTask_RejectsInvalidDraft(t *testing.T) {
	registry := newTestRegistry(t)

	tests := []struct {
		name  string
		draft *models.TaskDraft
	}{
		{"nil draft", nil},
		{"missing title", &models.TaskDraft{Kind: models.TaskKindFileUpload}},
		{"unknown kind", &models.TaskDraft{Kind: "mystery", Title: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.AddTask(tt.draft)
			assert.Error(t, err)
		})
	}
}

func TestUpdateTask_BucketMembershipFollowsStatus(t *testing.T) {
	registry := newTestRegistry(t)

	id, err := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindReportGeneration, Title: "Report"})
	require.NoError(t, err)

	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Status: statusPtr(models.TaskStatusRunning)}))
	assert.Len(t, registry.ActiveTasks(), 1)

	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Status: statusPtr(models.TaskStatusCompleted)}))

	assert.Empty(t, registry.ActiveTasks())
	assert.Len(t, registry.CompletedTasks(), 1)
	assert.Empty(t, registry.FailedTasks())

	counts := registry.Counts()
	assert.Equal(t, 1, counts.Total)
	assert.Equal(t, 1, counts.Completed)
}

func TestUpdateTask_FailedTaskLandsInFailedBucket(t *testing.T) {
	registry := newTestRegistry(t)

	id, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindFileUpload, Title: "Upload"})
	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{
		Status: statusPtr(models.TaskStatusFailed),
		Error:  strPtr("remote job failed"),
	}))

	failed := registry.FailedTasks()
	require.Len(t, failed, 1)
	assert.Equal(t, "remote job failed", failed[0].Error)
	assert.Empty(t, registry.CompletedTasks())
}

func TestUpdateTask_CancelledCountsAsCompleted(t *testing.T) {
	registry := newTestRegistry(t)

	id, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Query"})
	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Status: statusPtr(models.TaskStatusCancelled)}))

	assert.Len(t, registry.CompletedTasks(), 1)
	assert.Empty(t, registry.FailedTasks())
}

func TestUpdateTask_TerminalStateIsImmutable(t *testing.T) {
	registry := newTestRegistry(t)

	id, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Query"})
	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Status: statusPtr(models.TaskStatusCompleted)}))

	err := registry.UpdateTask(id, models.TaskUpdate{Status: statusPtr(models.TaskStatusRunning)})
	assert.Error(t, err)

	task, _ := registry.GetTask(id)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestUpdateTask_TimestampsSetOncePerTransition(t *testing.T) {
	registry := newTestRegistry(t)

	id, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindReportGeneration, Title: "Report"})

	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Status: statusPtr(models.TaskStatusRunning)}))
	task, _ := registry.GetTask(id)
	require.NotNil(t, task.StartedAt)
	started := *task.StartedAt

	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Progress: intPtr(50)}))
	task, _ = registry.GetTask(id)
	assert.Equal(t, started, *task.StartedAt)

	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Status: statusPtr(models.TaskStatusCompleted)}))
	task, _ = registry.GetTask(id)
	assert.NotNil(t, task.CompletedAt)
}

func TestUpdateTask_ProgressClamped(t *testing.T) {
	registry := newTestRegistry(t)

	id, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindDataProcessing, Title: "Process"})

	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Progress: intPtr(150)}))
	task, _ := registry.GetTask(id)
	assert.Equal(t, 100, task.Progress)

	require.NoError(t, registry.UpdateTask(id, models.TaskUpdate{Progress: intPtr(-5)}))
	task, _ = registry.GetTask(id)
	assert.Equal(t, 0, task.Progress)
}

func TestUpdateTask_UnknownTask(t *testing.T) {
	registry := newTestRegistry(t)
	err := registry.UpdateTask("task_missing", models.TaskUpdate{Progress: intPtr(10)})
	assert.Error(t, err)
}

func TestClearCompleted_RemovesOnlyTerminalTasks(t *testing.T) {
	registry := newTestRegistry(t)

	activeID, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Active"})
	doneID, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Done"})
	failedID, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Failed"})

	require.NoError(t, registry.UpdateTask(doneID, models.TaskUpdate{Status: statusPtr(models.TaskStatusCompleted)}))
	require.NoError(t, registry.UpdateTask(failedID, models.TaskUpdate{Status: statusPtr(models.TaskStatusFailed)}))

	removed := registry.ClearCompleted()
	assert.Equal(t, 2, removed)

	_, ok := registry.GetTask(activeID)
	assert.True(t, ok)
	_, ok = registry.GetTask(doneID)
	assert.False(t, ok)
	_, ok = registry.GetTask(failedID)
	assert.False(t, ok)

	counts := registry.Counts()
	assert.Equal(t, 1, counts.Total)
	assert.Equal(t, 1, counts.Active)
}

func TestGetTask_ReturnsCopy(t *testing.T) {
	registry := newTestRegistry(t)

	id, _ := registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Query"})

	task, _ := registry.GetTask(id)
	task.Title = "mutated"

	fresh, _ := registry.GetTask(id)
	assert.Equal(t, "Query", fresh.Title)
}

func TestGetTasksByKind_FiltersAndSorts(t *testing.T) {
	registry := newTestRegistry(t)

	registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Q1"})
	registry.AddTask(&models.TaskDraft{Kind: models.TaskKindFileUpload, Title: "U1"})
	registry.AddTask(&models.TaskDraft{Kind: models.TaskKindQueryExecution, Title: "Q2"})

	queries := registry.GetTasksByKind(models.TaskKindQueryExecution)
	require.Len(t, queries, 2)
	for _, task := range queries {
		assert.Equal(t, models.TaskKindQueryExecution, task.Kind)
	}
}
