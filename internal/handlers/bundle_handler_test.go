package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/bundles"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/models"
	"github.com/ternarybob/specto/internal/monitor"
	"github.com/ternarybob/specto/internal/tasks"
)

// fakeBundleRemote settles every bundle on its very first status poll
type fakeBundleRemote struct {
	bundleID string
	status   models.RemoteStatus
}

func (f *fakeBundleRemote) SubmitBundle(ctx context.Context, files []*models.FileUploadRecord) (string, error) {
	return f.bundleID, nil
}

func (f *fakeBundleRemote) FetchJobStatus(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
	entries := make([]models.BundleFileEntry, 0)
	entries = append(entries, models.BundleFileEntry{Filename: "a.csv", Status: string(models.RemoteStatusCompleted)})
	return &models.JobStatusPayload{
		JobID:  jobID,
		Status: f.status,
		Bundle: &models.BundleStatus{
			BundleID:   jobID,
			Status:     string(f.status),
			TotalFiles: 1,
			Files:      entries,
		},
	}, nil
}

// fakeManifestStore records saved manifests in memory
type fakeManifestStore struct {
	mu        sync.Mutex
	manifests map[string]*models.BundleManifest
}

func newFakeManifestStore() *fakeManifestStore {
	return &fakeManifestStore{manifests: make(map[string]*models.BundleManifest)}
}

func (f *fakeManifestStore) SaveManifest(ctx context.Context, manifest *models.BundleManifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[manifest.BundleID] = manifest
	return nil
}

func (f *fakeManifestStore) GetManifest(ctx context.Context, bundleID string) (*models.BundleManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	manifest, ok := f.manifests[bundleID]
	if !ok {
		return nil, fmt.Errorf("bundle manifest not found: %s", bundleID)
	}
	return manifest, nil
}

func (f *fakeManifestStore) ListManifests(ctx context.Context, limit, offset int) ([]*models.BundleManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.BundleManifest, 0, len(f.manifests))
	for _, manifest := range f.manifests {
		out = append(out, manifest)
	}
	return out, nil
}

func (f *fakeManifestStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeManifestStore) has(bundleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.manifests[bundleID]
	return ok
}

func newBundleHarness(t *testing.T, remote *fakeBundleRemote) (*BundleHandler, *tasks.Service, *fakeManifestStore) {
	t.Helper()
	logger := arbor.NewLogger()

	registry, err := tasks.NewRegistry(nil, logger)
	require.NoError(t, err)
	taskService, err := tasks.NewService(registry, nil, logger)
	require.NoError(t, err)

	cfg := &common.MonitorConfig{PollInterval: "5ms", StallTimeout: "5m"}
	supervisor, err := monitor.NewSupervisor(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(supervisor.StopAll)

	bundleService, err := bundles.NewService(supervisor, nil, cfg, logger)
	require.NoError(t, err)

	archive := newFakeManifestStore()
	return NewBundleHandler(bundleService, taskService, remote, archive, nil, logger), taskService, archive
}

func submitBundle(t *testing.T, h *BundleHandler, filenames ...string) map[string]interface{} {
	t.Helper()
	files := make([]SubmitBundleFile, 0, len(filenames))
	for _, name := range filenames {
		files = append(files, SubmitBundleFile{Filename: name, Size: 10})
	}
	body, err := json.Marshal(SubmitBundleRequest{Files: files})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.SubmitBundleHandler(rec, httptest.NewRequest(http.MethodPost, "/api/bundles", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmitBundleHandler_FirstPollSettlementStillArchives(t *testing.T) {
	remote := &fakeBundleRemote{bundleID: "bundle-fast", status: models.RemoteStatusCompleted}
	h, taskService, archive := newBundleHarness(t, remote)

	resp := submitBundle(t, h, "a.csv")
	taskID := resp["task_id"].(string)
	assert.Equal(t, "bundle-fast", resp["bundle_id"])

	// The bundle can settle before the submit path finishes registering it;
	// the manifest must be archived and the task resolved either way.
	require.Eventually(t, func() bool {
		return archive.has("bundle-fast")
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		task, ok := taskService.Registry().GetTask(taskID)
		return ok && task.Status == models.TaskStatusCompleted
	}, time.Second, 5*time.Millisecond)

	// Nothing is left behind in the in-flight tables
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.states) == 0 && len(h.settled) == 0
	}, time.Second, 5*time.Millisecond)

	manifest, err := archive.GetManifest(context.Background(), "bundle-fast")
	require.NoError(t, err)
	assert.Equal(t, taskID, manifest.TaskID)
	assert.Equal(t, 1, manifest.TotalFiles)
	require.Len(t, manifest.Files, 1)
	assert.Equal(t, models.UploadStatusCompleted, manifest.Files[0].Status)
}

func TestResolveBeforeRegistrationDropsLateState(t *testing.T) {
	remote := &fakeBundleRemote{bundleID: "bundle-1", status: models.RemoteStatusCompleted}
	h, taskService, archive := newBundleHarness(t, remote)

	taskID, err := taskService.CreateTask(models.TaskKindFileUpload, "Upload 1 file(s)", "", nil)
	require.NoError(t, err)

	records := bundles.NewFileRecords([]string{"a.csv"}, nil)
	records[0].BundleID = "bundle-1"
	records[0].Status = models.UploadStatusCompleted

	// Settlement lands before the submit path has installed the state entry
	h.resolveBundle(taskID, records, bundles.Result{
		BundleID:         "bundle-1",
		Status:           models.RemoteStatusCompleted,
		CompletedFileIDs: []string{records[0].ID},
		Completed:        1,
	})

	assert.True(t, archive.has("bundle-1"))
	task, ok := taskService.Registry().GetTask(taskID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)

	// The late registration is dropped instead of leaking a finished bundle
	h.registerBundle("bundle-1", taskID, records)

	h.mu.Lock()
	_, tracked := h.states["bundle-1"]
	pending := len(h.settled)
	h.mu.Unlock()
	assert.False(t, tracked)
	assert.Zero(t, pending)
}

func TestGetBundleHandler_InFlightReadsThroughReconciler(t *testing.T) {
	remote := &fakeBundleRemote{bundleID: "bundle-live", status: models.RemoteStatusProcessing}
	h, _, _ := newBundleHarness(t, remote)

	resp := submitBundle(t, h, "a.csv", "b.csv")
	require.Equal(t, "bundle-live", resp["bundle_id"])

	// Poll status while reconciliation passes are still running
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.GetBundleHandler(rec, httptest.NewRequest(http.MethodGet, "/api/bundles/bundle-live", nil), "bundle-live")
		if rec.Code != http.StatusOK {
			return false
		}
		var status map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		return status["completed_files"].(float64) == 1 && status["total_files"].(float64) == 2
	}, time.Second, 5*time.Millisecond)
}
