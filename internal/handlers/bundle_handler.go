// -----------------------------------------------------------------------
// Bundle Handler - Multi-file ingestion submission and status view
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/bundles"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/tasks"
)

// BundleSubmitter is the remote boundary the bundle handler needs: bundle
// origination plus the shared status fetch used by the poller.
type BundleSubmitter interface {
	SubmitBundle(ctx context.Context, files []*models.FileUploadRecord) (string, error)
	FetchJobStatus(ctx context.Context, jobID string) (*models.JobStatusPayload, error)
}

// SubmitBundleRequest is the POST /api/bundles body
type SubmitBundleRequest struct {
	Files []SubmitBundleFile `json:"files" validate:"required,min=1,dive"`
}

// SubmitBundleFile describes one file in a bundle submission
type SubmitBundleFile struct {
	Filename string `json:"filename" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
}

// bundleState tracks an accepted bundle for the status view: the records the
// reconciler mutates and the task record representing the bundle in the panel.
type bundleState struct {
	taskID  string
	records []*models.FileUploadRecord
}

// BundleHandler accepts multi-file ingestion bundles and exposes their
// per-file reconciliation state. Settled bundles are archived as manifests;
// the in-memory state table holds in-flight bundles only. A bundle can
// settle on its first poll, before the submit path has registered its state,
// so settlement carries everything it needs and the settled set catches the
// late registration instead of leaking it.
type BundleHandler struct {
	bundleService *bundles.Service
	taskService   *tasks.Service
	remote        BundleSubmitter
	archive       interfaces.BundleArchive
	validate      *validator.Validate
	logger        arbor.ILogger

	states  map[string]*bundleState
	settled map[string]struct{} // bundles that settled before registration
	mu      sync.Mutex
}

// NewBundleHandler creates a new bundle handler and subscribes it to bundle
// progress events so the owning task's progress tracks reconciliation.
func NewBundleHandler(bundleService *bundles.Service, taskService *tasks.Service, remote BundleSubmitter, archive interfaces.BundleArchive, eventService interfaces.EventService, logger arbor.ILogger) *BundleHandler {
	h := &BundleHandler{
		bundleService: bundleService,
		taskService:   taskService,
		remote:        remote,
		archive:       archive,
		validate:      validator.New(),
		logger:        logger,
		states:        make(map[string]*bundleState),
		settled:       make(map[string]struct{}),
	}

	if eventService != nil {
		eventService.Subscribe(interfaces.EventBundleProgress, h.onBundleProgress)
	}

	return h
}

// SubmitBundleHandler originates a bundle and starts polling its status.
// POST /api/bundles
func (h *BundleHandler) SubmitBundleHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req SubmitBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid bundle request: "+err.Error())
		return
	}

	filenames := make([]string, len(req.Files))
	sizes := make([]int64, len(req.Files))
	for i, f := range req.Files {
		filenames[i] = f.Filename
		sizes[i] = f.Size
	}
	records := bundles.NewFileRecords(filenames, sizes)

	taskID, err := h.taskService.CreateTask(models.TaskKindFileUpload,
		fmt.Sprintf("Upload %d file(s)", len(records)),
		"Multi-file ingestion bundle", nil)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to create upload task")
		return
	}

	bundleID, err := h.bundleService.Submit(context.Background(), records,
		h.remote.SubmitBundle, h.remote.FetchJobStatus,
		func(result bundles.Result) { h.resolveBundle(taskID, records, result) })
	if err != nil {
		h.taskService.Fail(taskID, err.Error())
		WriteError(w, http.StatusBadGateway, "Bundle submission failed: "+err.Error())
		return
	}

	h.registerBundle(bundleID, taskID, records)

	running := models.TaskStatusRunning
	h.taskService.Registry().UpdateTask(taskID, models.TaskUpdate{
		Status:      &running,
		RemoteJobID: &bundleID,
	})

	fileIDs := make([]string, len(records))
	for i, record := range records {
		fileIDs[i] = record.ID
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "started",
		"bundle_id": bundleID,
		"task_id":   taskID,
		"file_ids":  fileIDs,
	})
}

// registerBundle installs the state entry for an accepted bundle. When the
// bundle already settled (the poller beat the submit path to it), the
// registration is dropped so the state table never holds a finished bundle.
func (h *BundleHandler) registerBundle(bundleID, taskID string, records []*models.FileUploadRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, done := h.settled[bundleID]; done {
		delete(h.settled, bundleID)
		return
	}
	h.states[bundleID] = &bundleState{taskID: taskID, records: records}
}

// GetBundleHandler returns the per-file reconciliation state of a bundle.
// GET /api/bundles/{id}
func (h *BundleHandler) GetBundleHandler(w http.ResponseWriter, r *http.Request, bundleID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	h.mu.Lock()
	state, ok := h.states[bundleID]
	h.mu.Unlock()
	if !ok {
		h.serveArchivedBundle(w, r, bundleID)
		return
	}

	// While the bundle is in flight the reconciler is still mutating the
	// records; read through its snapshot. Once retired the records are stable.
	var records []models.FileUploadRecord
	if reconciler, live := h.bundleService.Reconciler(bundleID); live {
		records = reconciler.Snapshot()
	} else {
		records = make([]models.FileUploadRecord, 0, len(state.records))
		for _, record := range state.records {
			records = append(records, *record)
		}
	}

	files := make([]map[string]interface{}, 0, len(records))
	completed := 0
	failed := 0
	for _, record := range records {
		files = append(files, map[string]interface{}{
			"file_id":  record.ID,
			"filename": record.Filename,
			"status":   record.Status,
			"error":    record.Error,
		})
		switch record.Status {
		case models.UploadStatusCompleted:
			completed++
		case models.UploadStatusFailed:
			failed++
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"bundle_id":       bundleID,
		"task_id":         state.taskID,
		"total_files":     len(records),
		"completed_files": completed,
		"failed_files":    failed,
		"files":           files,
	})
}

// GetBundleHistoryHandler lists archived bundle manifests, newest first.
// GET /api/history/bundles?limit=&offset=
func (h *BundleHandler) GetBundleHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if h.archive == nil {
		WriteError(w, http.StatusServiceUnavailable, "Bundle history is not enabled")
		return
	}

	limit, offset := GetLimitOffset(r)
	manifests, err := h.archive.ListManifests(r.Context(), limit, offset)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to list bundle manifests")
		WriteError(w, http.StatusInternalServerError, "Failed to list bundle history")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"bundles": manifests,
		"count":   len(manifests),
	})
}

// serveArchivedBundle renders a settled bundle from its archived manifest
func (h *BundleHandler) serveArchivedBundle(w http.ResponseWriter, r *http.Request, bundleID string) {
	if h.archive == nil {
		WriteError(w, http.StatusNotFound, "Bundle not found: "+bundleID)
		return
	}

	manifest, err := h.archive.GetManifest(r.Context(), bundleID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Bundle not found: "+bundleID)
		return
	}

	files := make([]map[string]interface{}, 0, len(manifest.Files))
	for _, record := range manifest.Files {
		files = append(files, map[string]interface{}{
			"file_id":  record.ID,
			"filename": record.Filename,
			"status":   record.Status,
			"error":    record.Error,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"bundle_id":       manifest.BundleID,
		"task_id":         manifest.TaskID,
		"total_files":     manifest.TotalFiles,
		"completed_files": manifest.CompletedFiles,
		"failed_files":    manifest.FailedFiles,
		"files":           files,
		"settled_at":      manifest.SettledAt,
	})
}

// resolveBundle turns the one-shot bundle result into the owning task's
// terminal state, then archives the manifest and retires the in-memory
// state. A bundle with failures still resolves the task: partial failure is
// reported through the result summary, a poll failure through Err.
func (h *BundleHandler) resolveBundle(taskID string, records []*models.FileUploadRecord, result bundles.Result) {
	summary := map[string]interface{}{
		"bundle_id":          result.BundleID,
		"completed_files":    result.Completed,
		"failed_files":       result.Failed,
		"completed_file_ids": result.CompletedFileIDs,
	}

	if result.Err != nil {
		if err := h.taskService.Fail(taskID, result.Err.Error()); err != nil {
			h.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to resolve bundle task")
		}
	} else if err := h.taskService.Complete(taskID, summary); err != nil {
		h.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to resolve bundle task")
	}

	h.archiveBundle(taskID, records, result)
}

// archiveBundle writes the settled bundle's manifest and drops its in-memory
// state so the table holds in-flight bundles only. The records come from the
// submit path directly: archival cannot depend on the state entry, which may
// not exist yet when the bundle settles on its first poll.
func (h *BundleHandler) archiveBundle(taskID string, records []*models.FileUploadRecord, result bundles.Result) {
	h.mu.Lock()
	if _, ok := h.states[result.BundleID]; ok {
		delete(h.states, result.BundleID)
	} else {
		h.settled[result.BundleID] = struct{}{}
	}
	h.mu.Unlock()
	if h.archive == nil {
		return
	}

	manifest := &models.BundleManifest{
		BundleID:       result.BundleID,
		TaskID:         taskID,
		Status:         result.Status,
		TotalFiles:     len(records),
		CompletedFiles: result.Completed,
		FailedFiles:    result.Failed,
		SettledAt:      time.Now(),
	}
	if result.Err != nil {
		manifest.Error = result.Err.Error()
	}
	for _, record := range records {
		manifest.Files = append(manifest.Files, *record)
		if manifest.CreatedAt.IsZero() || record.CreatedAt.Before(manifest.CreatedAt) {
			manifest.CreatedAt = record.CreatedAt
		}
	}

	if err := h.archive.SaveManifest(context.Background(), manifest); err != nil {
		h.logger.Warn().Err(err).Str("bundle_id", result.BundleID).Msg("Failed to archive bundle manifest")
	}
}

// onBundleProgress mirrors reconciliation progress onto the owning task
func (h *BundleHandler) onBundleProgress(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	bundleID, _ := payload["bundle_id"].(string)
	if bundleID == "" {
		return nil
	}

	h.mu.Lock()
	state, ok := h.states[bundleID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	if pct, ok := payload["percentage"].(float64); ok {
		h.taskService.SetProgress(state.taskID, int(pct))
	}
	return nil
}
