package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

func newTestBundleArchive(t *testing.T) interfaces.BundleArchive {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "bundles"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewBundleStorage(db, logger)
}

func testManifest(bundleID string, settledAt time.Time) *models.BundleManifest {
	return &models.BundleManifest{
		BundleID:       bundleID,
		TaskID:         "task_1",
		Status:         models.RemoteStatusCompleted,
		TotalFiles:     2,
		CompletedFiles: 1,
		FailedFiles:    1,
		Files: []models.FileUploadRecord{
			{ID: "file_a", Filename: "a.csv", Status: models.UploadStatusCompleted},
			{ID: "file_b", Filename: "b.csv", Status: models.UploadStatusFailed, Error: "corrupt file"},
		},
		CreatedAt: settledAt.Add(-time.Minute),
		SettledAt: settledAt,
	}
}

func TestSaveManifest_RoundTrip(t *testing.T) {
	archive := newTestBundleArchive(t)
	ctx := context.Background()

	require.NoError(t, archive.SaveManifest(ctx, testManifest("bundle-1", time.Now())))

	got, err := archive.GetManifest(ctx, "bundle-1")
	require.NoError(t, err)
	assert.Equal(t, "bundle-1", got.BundleID)
	assert.Equal(t, "task_1", got.TaskID)
	assert.Equal(t, models.RemoteStatusCompleted, got.Status)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "corrupt file", got.Files[1].Error)
}

func TestSaveManifest_Validation(t *testing.T) {
	archive := newTestBundleArchive(t)
	ctx := context.Background()

	assert.Error(t, archive.SaveManifest(ctx, nil))
	assert.Error(t, archive.SaveManifest(ctx, &models.BundleManifest{}))
}

func TestGetManifest_NotFound(t *testing.T) {
	archive := newTestBundleArchive(t)

	_, err := archive.GetManifest(context.Background(), "bundle-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListManifests_NewestFirstWithPaging(t *testing.T) {
	archive := newTestBundleArchive(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		manifest := testManifest(fmt.Sprintf("bundle-%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, archive.SaveManifest(ctx, manifest))
	}

	all, err := archive.ListManifests(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bundle-2", all[0].BundleID)
	assert.Equal(t, "bundle-0", all[2].BundleID)

	page, err := archive.ListManifests(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "bundle-1", page[0].BundleID)
}

func TestPurgeOlderThan_Manifests(t *testing.T) {
	archive := newTestBundleArchive(t)
	ctx := context.Background()

	require.NoError(t, archive.SaveManifest(ctx, testManifest("bundle-old", time.Now().Add(-48*time.Hour))))
	require.NoError(t, archive.SaveManifest(ctx, testManifest("bundle-new", time.Now())))

	purged, err := archive.PurgeOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = archive.GetManifest(ctx, "bundle-old")
	assert.Error(t, err)
	_, err = archive.GetManifest(ctx, "bundle-new")
	assert.NoError(t, err)
}
