// -----------------------------------------------------------------------
// Bundle Reconciler - Maps polled bundle status onto local file records
// -----------------------------------------------------------------------

package bundles

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

// unmatchedError marks a file record the server never reported a sub-task
// for. Distinct wording keeps it recognizable next to real ingest errors.
const unmatchedError = "no matching ingest result for file"

// Outcome summarizes one reconciliation pass
type Outcome struct {
	Terminal         bool
	Completed        int
	Failed           int
	CompletedFileIDs []string // ids of records that completed, for downstream use
}

// Reconciler correlates exactly one bundle id to the set of local file
// upload records submitted together. All record mutation goes through the
// reconciler's mutex: Apply runs on the poll goroutine, SweepStalled on the
// housekeeping scheduler, and Snapshot serves status readers.
type Reconciler struct {
	bundleID string
	records  []*models.FileUploadRecord
	match    Matcher

	stallTimeout time.Duration
	startedAt    time.Time
	warned       map[string]bool // record ids already surfaced as unmatched

	eventService interfaces.EventService
	logger       arbor.ILogger
	mu           sync.Mutex
}

// NewReconciler creates a reconciler for one bundle and its file records
func NewReconciler(bundleID string, records []*models.FileUploadRecord, match Matcher, stallTimeout time.Duration, eventService interfaces.EventService, logger arbor.ILogger) (*Reconciler, error) {
	if bundleID == "" {
		return nil, fmt.Errorf("bundle ID cannot be empty")
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("bundle %s has no file records to reconcile", bundleID)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if match == nil {
		match = DefaultMatcher
	}

	return &Reconciler{
		bundleID:     bundleID,
		records:      records,
		match:        match,
		stallTimeout: stallTimeout,
		startedAt:    time.Now(),
		warned:       make(map[string]bool),
		eventService: eventService,
		logger:       logger,
	}, nil
}

// Apply maps a polled bundle payload onto the tracked file records and
// returns the pass outcome. On a terminal aggregate status every record is
// resolved: matched records take their sub-task's outcome and unmatched
// records are failed rather than left processing forever.
func (r *Reconciler) Apply(status *models.BundleStatus) (*Outcome, error) {
	if status == nil {
		return nil, fmt.Errorf("bundle status cannot be nil")
	}
	if err := status.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bundle status: %w", err)
	}
	if status.BundleID != r.bundleID {
		return nil, fmt.Errorf("bundle status for %s applied to reconciler for %s", status.BundleID, r.bundleID)
	}

	terminal := models.RemoteStatus(status.Status).IsTerminal()
	outcome := &Outcome{Terminal: terminal}

	r.mu.Lock()
	for _, record := range r.records {
		entry, matched := r.match(record.Filename, status.Files)

		if !matched {
			if terminal {
				r.setRecordStatus(record, models.UploadStatusFailed, unmatchedError)
			} else {
				r.warnUnmatched(record)
			}
			continue
		}

		switch models.RemoteStatus(entry.Status) {
		case models.RemoteStatusCompleted:
			r.setRecordStatus(record, models.UploadStatusCompleted, "")
		case models.RemoteStatusFailed:
			errMsg := entry.Error
			if errMsg == "" {
				errMsg = "file ingestion failed"
			}
			r.setRecordStatus(record, models.UploadStatusFailed, errMsg)
		default:
			// Anything non-terminal from the server keeps the file processing
			if !record.IsTerminal() {
				r.setRecordStatus(record, models.UploadStatusProcessing, "")
			}
		}
	}

	for _, record := range r.records {
		switch record.Status {
		case models.UploadStatusCompleted:
			outcome.Completed++
			outcome.CompletedFileIDs = append(outcome.CompletedFileIDs, record.ID)
		case models.UploadStatusFailed:
			outcome.Failed++
		}
	}
	r.mu.Unlock()

	r.publishProgress(status, outcome)

	if terminal {
		r.logger.Debug().
			Str("bundle_id", r.bundleID).
			Int("completed", outcome.Completed).
			Int("failed", outcome.Failed).
			Msg("Bundle reconciliation finished")
	}

	return outcome, nil
}

// SweepStalled fails records still without a terminal result once the stall
// timeout has elapsed. Called by housekeeping so a bundle whose server-side
// report permanently omits a file cannot leave its record processing forever.
func (r *Reconciler) SweepStalled(now time.Time) int {
	if r.stallTimeout <= 0 || now.Sub(r.startedAt) < r.stallTimeout {
		return 0
	}

	swept := 0
	r.mu.Lock()
	for _, record := range r.records {
		if record.IsTerminal() {
			continue
		}
		r.setRecordStatus(record, models.UploadStatusFailed,
			fmt.Sprintf("no terminal ingest result within %s", r.stallTimeout))
		swept++
	}
	r.mu.Unlock()

	if swept > 0 {
		r.logger.Warn().
			Str("bundle_id", r.bundleID).
			Int("count", swept).
			Dur("stall_timeout", r.stallTimeout).
			Msg("Failed stalled file records")
	}

	return swept
}

// Snapshot returns value copies of the tracked records, safe to read while
// reconciliation passes are still mutating them
func (r *Reconciler) Snapshot() []models.FileUploadRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.FileUploadRecord, len(r.records))
	for i, record := range r.records {
		out[i] = *record
	}
	return out
}

// FailUnresolved fails every record without a terminal result and returns
// the final tallies. Used when polling gives up on the bundle entirely.
func (r *Reconciler) FailUnresolved(pollErr error) (completedIDs []string, completed, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, record := range r.records {
		if record.Status == models.UploadStatusCompleted {
			completed++
			completedIDs = append(completedIDs, record.ID)
			continue
		}
		if record.Status != models.UploadStatusFailed {
			r.setRecordStatus(record, models.UploadStatusFailed, pollErr.Error())
		}
		failed++
	}
	return completedIDs, completed, failed
}

// BundleID returns the bundle this reconciler tracks
func (r *Reconciler) BundleID() string {
	return r.bundleID
}

func (r *Reconciler) setRecordStatus(record *models.FileUploadRecord, status models.UploadStatus, errMsg string) {
	if record.Status == status && record.Error == errMsg {
		return
	}
	record.Status = status
	record.Error = errMsg
	record.UpdatedAt = time.Now()
}

// warnUnmatched surfaces an unmatched record once as a warning-level
// condition; it is not an error while the bundle is still in flight
func (r *Reconciler) warnUnmatched(record *models.FileUploadRecord) {
	if r.warned[record.ID] {
		return
	}
	r.warned[record.ID] = true

	r.logger.Warn().
		Str("bundle_id", r.bundleID).
		Str("file_id", record.ID).
		Str("filename", record.Filename).
		Msg("File record has no matching sub-task entry in bundle status")

	if r.eventService == nil {
		return
	}
	event := interfaces.Event{
		Type: interfaces.EventBundleWarning,
		Payload: map[string]interface{}{
			"bundle_id": r.bundleID,
			"file_id":   record.ID,
			"filename":  record.Filename,
			"warning":   "no matching sub-task entry",
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	common.SafeGo(r.logger, "publishBundleWarning", func() {
		if err := r.eventService.Publish(context.Background(), event); err != nil {
			r.logger.Warn().Err(err).Str("bundle_id", r.bundleID).Msg("Failed to publish bundle warning event")
		}
	})
}

func (r *Reconciler) publishProgress(status *models.BundleStatus, outcome *Outcome) {
	if r.eventService == nil {
		return
	}

	eventType := interfaces.EventBundleProgress
	if outcome.Terminal {
		eventType = interfaces.EventBundleComplete
	}

	event := interfaces.Event{
		Type: eventType,
		Payload: map[string]interface{}{
			"bundle_id":       r.bundleID,
			"status":          status.Status,
			"total_files":     status.TotalFiles,
			"completed_files": outcome.Completed,
			"failed_files":    outcome.Failed,
			"remaining_files": status.RemainingFiles,
			"percentage":      status.Percentage,
			"progress_text":   status.ProgressText(),
			"timestamp":       time.Now().Format(time.RFC3339),
		},
	}

	common.SafeGo(r.logger, "publishBundleProgress", func() {
		if err := r.eventService.Publish(context.Background(), event); err != nil {
			r.logger.Warn().Err(err).Str("bundle_id", r.bundleID).Msg("Failed to publish bundle progress event")
		}
	})
}
