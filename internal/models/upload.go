// -----------------------------------------------------------------------
// File Upload Record + Bundle Status - Multi-file ingestion tracking
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// UploadStatus represents the lifecycle state of a single uploaded file
type UploadStatus string

const (
	UploadStatusPending    UploadStatus = "pending"
	UploadStatusUploading  UploadStatus = "uploading"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

// FileUploadRecord tracks one file enqueued in an ingestion bundle.
// The local ID is independent of any server-assigned identifier; until
// BundleID is set the record cannot be polled.
type FileUploadRecord struct {
	ID        string       `json:"id"`
	BundleID  string       `json:"bundle_id,omitempty"`
	Filename  string       `json:"filename"`
	Size      int64        `json:"size,omitempty"`
	Status    UploadStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// IsTerminal returns true if the record reached a final state
func (r *FileUploadRecord) IsTerminal() bool {
	return r.Status == UploadStatusCompleted || r.Status == UploadStatusFailed
}

// BundleFileEntry is one per-file sub-task entry in a polled bundle payload.
// The server reports files by (possibly normalized) filename, not by the
// local record ID, so correlation happens by filename matching.
type BundleFileEntry struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// BundleStatus is the aggregate status payload returned by a bundle status
// fetch. Not owned by this service; shape constraints only.
type BundleStatus struct {
	BundleID       string            `json:"bundle_id"`
	Status         string            `json:"status"` // RemoteStatus vocabulary
	TotalFiles     int               `json:"total_files"`
	CompletedFiles int               `json:"completed_files"`
	FailedFiles    int               `json:"failed_files"`
	RemainingFiles int               `json:"remaining_files"`
	Percentage     float64           `json:"percentage"`
	Files          []BundleFileEntry `json:"files"`
}

// Validate checks the payload holds the minimum shape the reconciler needs
func (b *BundleStatus) Validate() error {
	if b.BundleID == "" {
		return fmt.Errorf("bundle ID is required")
	}
	if b.Status == "" {
		return fmt.Errorf("bundle status is required")
	}
	if b.TotalFiles < 0 {
		return fmt.Errorf("total file count cannot be negative")
	}
	return nil
}

// BundleManifest is the archived record of a settled bundle: the final state
// of every file plus the aggregate outcome. Written once at settlement so the
// history pages survive restart.
type BundleManifest struct {
	BundleID       string             `json:"bundle_id"`
	TaskID         string             `json:"task_id"`
	Status         RemoteStatus       `json:"status"`
	TotalFiles     int                `json:"total_files"`
	CompletedFiles int                `json:"completed_files"`
	FailedFiles    int                `json:"failed_files"`
	Error          string             `json:"error,omitempty"`
	Files          []FileUploadRecord `json:"files"`
	CreatedAt      time.Time          `json:"created_at"`
	SettledAt      time.Time          `json:"settled_at"`
}

// ProgressText renders the aggregate counts for logs and progress events
func (b *BundleStatus) ProgressText() string {
	return fmt.Sprintf("%d of %d files processed (completed: %d, failed: %d, remaining: %d)",
		b.CompletedFiles+b.FailedFiles,
		b.TotalFiles,
		b.CompletedFiles,
		b.FailedFiles,
		b.RemainingFiles)
}
