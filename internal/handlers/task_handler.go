// -----------------------------------------------------------------------
// Task Handler - Dashboard task snapshot, cancellation, and history
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/tasks"
)

// TaskHandler serves the task panel API: bucketed snapshots for rendering,
// cancellation, clearing, and archived history queries.
type TaskHandler struct {
	registry     interfaces.TaskRegistry
	taskService  *tasks.Service
	archive      interfaces.TaskArchive
	supervisor   interfaces.MonitorService
	logger       arbor.ILogger
	panelVisible bool
	panelMu      sync.Mutex
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(registry interfaces.TaskRegistry, taskService *tasks.Service, archive interfaces.TaskArchive, supervisor interfaces.MonitorService, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		registry:     registry,
		taskService:  taskService,
		archive:      archive,
		supervisor:   supervisor,
		logger:       logger,
		panelVisible: true,
	}
}

// TaskSnapshot is the dashboard's rendering model: all three buckets plus
// aggregate counts, captured atomically enough for a consistent paint.
type TaskSnapshot struct {
	Active       []*models.Task    `json:"active"`
	Completed    []*models.Task    `json:"completed"`
	Failed       []*models.Task    `json:"failed"`
	Counts       models.TaskCounts `json:"counts"`
	PanelVisible bool              `json:"panel_visible"`
}

// GetTasksHandler returns the current task snapshot for the panel.
// GET /api/tasks
func (h *TaskHandler) GetTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	h.panelMu.Lock()
	visible := h.panelVisible
	h.panelMu.Unlock()

	snapshot := TaskSnapshot{
		Active:       h.registry.ActiveTasks(),
		Completed:    h.registry.CompletedTasks(),
		Failed:       h.registry.FailedTasks(),
		Counts:       h.registry.Counts(),
		PanelVisible: visible,
	}

	WriteJSON(w, http.StatusOK, snapshot)
}

// GetTaskHandler returns a single task by ID.
// GET /api/tasks/{id}
func (h *TaskHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	task, ok := h.registry.GetTask(taskID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Task not found: "+taskID)
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// CancelTaskHandler cancels an active task and stops its remote poller when
// one is registered.
// POST /api/tasks/{id}/cancel
func (h *TaskHandler) CancelTaskHandler(w http.ResponseWriter, r *http.Request, taskID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	task, ok := h.registry.GetTask(taskID)
	if !ok {
		WriteError(w, http.StatusNotFound, "Task not found: "+taskID)
		return
	}

	if task.RemoteJobID != "" && h.supervisor != nil {
		h.supervisor.StopMonitoring(task.RemoteJobID)
	}

	if err := h.taskService.Cancel(taskID); err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	h.logger.Info().Str("task_id", taskID).Msg("Task cancelled via API")
	WriteSuccess(w, "Task cancelled")
}

// ClearCompletedHandler removes all completed tasks from the panel.
// DELETE /api/tasks/completed
func (h *TaskHandler) ClearCompletedHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	removed := h.registry.ClearCompleted()
	h.logger.Debug().Int("count", removed).Msg("Cleared completed tasks")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"removed": removed,
	})
}

// TogglePanelHandler flips the task panel visibility flag. Presentation-only
// state; the orchestration core never reads it.
// POST /api/tasks/panel/toggle
func (h *TaskHandler) TogglePanelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	h.panelMu.Lock()
	h.panelVisible = !h.panelVisible
	visible := h.panelVisible
	h.panelMu.Unlock()

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "success",
		"panel_visible": visible,
	})
}

// GetHistoryHandler lists archived terminal tasks, newest first.
// GET /api/history?kind=&status=&limit=&offset=
func (h *TaskHandler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if h.archive == nil {
		WriteError(w, http.StatusServiceUnavailable, "Task history is not enabled")
		return
	}

	limit, offset := GetLimitOffset(r)
	opts := &interfaces.TaskListOptions{
		Kind:   models.TaskKind(strings.TrimSpace(r.URL.Query().Get("kind"))),
		Status: models.TaskStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:  limit,
		Offset: offset,
	}

	archived, err := h.archive.ListTasks(r.Context(), opts)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to list archived tasks")
		WriteError(w, http.StatusInternalServerError, "Failed to list task history")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": archived,
		"count": len(archived),
	})
}

// DiagnosticsHandler reports runtime health counters for the dashboard
// footer: active pollers, goroutines, and uptime.
// GET /api/diagnostics
func (h *TaskHandler) DiagnosticsHandler(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !RequireMethod(w, r, http.MethodGet) {
			return
		}

		activePollers := 0
		if h.supervisor != nil {
			activePollers = h.supervisor.ActiveCount()
		}

		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"version":            common.GetVersion(),
			"active_pollers":     activePollers,
			"goroutines":         runtime.NumGoroutine(),
			"tracked_goroutines": common.GetGoroutineCount(),
			"task_counts":        h.registry.Counts(),
			"uptime":             time.Since(startedAt).Round(time.Second).String(),
		})
	}
}
