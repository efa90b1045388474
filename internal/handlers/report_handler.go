// -----------------------------------------------------------------------
// Report Handler - Server-side report generation driven by the job poller
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/tasks"
)

// ReportSubmitter is the remote boundary for report generation
type ReportSubmitter interface {
	SubmitReport(ctx context.Context, reportType string, params map[string]interface{}) (string, error)
	FetchJobStatus(ctx context.Context, jobID string) (*models.JobStatusPayload, error)
}

// GenerateReportRequest is the POST /api/reports body
type GenerateReportRequest struct {
	ReportType string                 `json:"report_type" validate:"required"`
	Params     map[string]interface{} `json:"params"`
}

// ReportHandler submits report generation jobs and tracks them through the
// monitor supervisor: one poller per remote job, progress mirrored onto the
// task record, terminal status resolving the task exactly once.
type ReportHandler struct {
	taskService *tasks.Service
	supervisor  interfaces.MonitorService
	remote      ReportSubmitter
	validate    *validator.Validate
	logger      arbor.ILogger
}

// NewReportHandler creates a new report handler
func NewReportHandler(taskService *tasks.Service, supervisor interfaces.MonitorService, remote ReportSubmitter, logger arbor.ILogger) *ReportHandler {
	return &ReportHandler{
		taskService: taskService,
		supervisor:  supervisor,
		remote:      remote,
		validate:    validator.New(),
		logger:      logger,
	}
}

// GenerateReportHandler submits a report job and starts polling its status.
// Responds as started; the task record carries the job to its terminal state.
// POST /api/reports
func (h *ReportHandler) GenerateReportHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req GenerateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid report request: "+err.Error())
		return
	}

	taskID, err := h.taskService.CreateTask(models.TaskKindReportGeneration,
		"Generate "+req.ReportType+" report", "", map[string]interface{}{
			"report_type": req.ReportType,
		})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to create report task")
		return
	}

	jobID, err := h.remote.SubmitReport(context.Background(), req.ReportType, req.Params)
	if err != nil {
		h.taskService.Fail(taskID, err.Error())
		WriteError(w, http.StatusBadGateway, "Report submission failed: "+err.Error())
		return
	}

	running := models.TaskStatusRunning
	h.taskService.Registry().UpdateTask(taskID, models.TaskUpdate{
		Status:      &running,
		RemoteJobID: &jobID,
	})

	opts := interfaces.MonitorOptions{
		Callbacks: interfaces.MonitorCallbacks{
			OnProgress: func(payload *models.JobStatusPayload) {
				h.taskService.SetProgress(taskID, payload.Progress)
			},
			OnComplete: func(payload *models.JobStatusPayload) {
				if err := h.taskService.Complete(taskID, payload.Result); err != nil {
					h.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to resolve report task")
				}
			},
			OnError: func(pollErr error) {
				if err := h.taskService.Fail(taskID, pollErr.Error()); err != nil {
					h.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to resolve report task")
				}
			},
		},
	}

	if err := h.supervisor.StartMonitoring(context.Background(), jobID, h.remote.FetchJobStatus, opts); err != nil {
		h.taskService.Fail(taskID, err.Error())
		WriteError(w, http.StatusInternalServerError, "Failed to start report monitoring: "+err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "started",
		"task_id": taskID,
		"job_id":  jobID,
	})
}
