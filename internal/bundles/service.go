// -----------------------------------------------------------------------
// Bundle Service - Submits multi-file ingestion bundles and drives their
// reconciliation from polled status
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

// SubmitFunc originates a remote ingestion bundle and returns its bundle id.
// An empty id is rejected before any polling begins.
type SubmitFunc func(ctx context.Context, files []*models.FileUploadRecord) (string, error)

// Result is delivered once per bundle when its aggregate status turns terminal
type Result struct {
	BundleID         string
	Status           models.RemoteStatus
	CompletedFileIDs []string
	Completed        int
	Failed           int
	Err              error // set on poll timeout or remote bundle failure
}

// Service coordinates bundle submission, polling and reconciliation. One
// reconciler instance exists per in-flight bundle; terminal bundles are
// removed from the table when their result is delivered.
type Service struct {
	supervisor   interfaces.MonitorService
	eventService interfaces.EventService
	logger       arbor.ILogger

	pollInterval time.Duration
	maxAttempts  int
	stallTimeout time.Duration

	reconcilers map[string]*Reconciler
	mu          sync.Mutex
}

// NewService creates a new bundle service
func NewService(supervisor interfaces.MonitorService, eventService interfaces.EventService, cfg *common.MonitorConfig, logger arbor.ILogger) (*Service, error) {
	if supervisor == nil {
		return nil, fmt.Errorf("monitor supervisor cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("monitor config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Service{
		supervisor:   supervisor,
		eventService: eventService,
		logger:       logger,
		pollInterval: cfg.PollIntervalDuration(),
		maxAttempts:  cfg.MaxAttempts,
		stallTimeout: cfg.StallTimeoutDuration(),
		reconcilers:  make(map[string]*Reconciler),
	}, nil
}

// NewFileRecords builds pending upload records for a set of filenames
func NewFileRecords(filenames []string, sizes []int64) []*models.FileUploadRecord {
	records := make([]*models.FileUploadRecord, 0, len(filenames))
	now := time.Now()
	for i, name := range filenames {
		record := &models.FileUploadRecord{
			ID:        common.NewFileID(),
			Filename:  name,
			Status:    models.UploadStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if sizes != nil && i < len(sizes) {
			record.Size = sizes[i]
		}
		records = append(records, record)
	}
	return records
}

// Submit uploads a bundle of files and starts polling its status. The
// onResult callback fires exactly once, when the bundle reaches a terminal
// state or polling gives up.
func (s *Service) Submit(ctx context.Context, records []*models.FileUploadRecord, submit SubmitFunc, fetch interfaces.StatusFetcher, onResult func(Result)) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("bundle must contain at least one file")
	}
	if submit == nil {
		return "", fmt.Errorf("submit function cannot be nil")
	}
	if fetch == nil {
		return "", fmt.Errorf("status fetcher cannot be nil")
	}

	for _, record := range records {
		record.Status = models.UploadStatusUploading
		record.UpdatedAt = time.Now()
	}

	bundleID, err := submit(ctx, records)
	if err != nil {
		for _, record := range records {
			record.Status = models.UploadStatusFailed
			record.Error = err.Error()
			record.UpdatedAt = time.Now()
		}
		return "", fmt.Errorf("bundle submission failed: %w", err)
	}
	if bundleID == "" {
		for _, record := range records {
			record.Status = models.UploadStatusFailed
			record.Error = "server returned empty bundle id"
			record.UpdatedAt = time.Now()
		}
		return "", fmt.Errorf("server returned empty bundle id")
	}

	now := time.Now()
	for _, record := range records {
		record.BundleID = bundleID
		record.Status = models.UploadStatusProcessing
		record.UpdatedAt = now
	}

	reconciler, err := NewReconciler(bundleID, records, nil, s.stallTimeout, s.eventService, s.logger)
	if err != nil {
		return "", fmt.Errorf("failed to create reconciler for bundle %s: %w", bundleID, err)
	}

	s.mu.Lock()
	s.reconcilers[bundleID] = reconciler
	s.mu.Unlock()

	s.logger.Debug().
		Str("bundle_id", bundleID).
		Int("file_count", len(records)).
		Msg("Bundle submitted, polling status")

	opts := interfaces.MonitorOptions{
		PollInterval: s.pollInterval,
		MaxAttempts:  s.maxAttempts,
		Callbacks: interfaces.MonitorCallbacks{
			OnProgress: func(payload *models.JobStatusPayload) {
				s.applyPayload(bundleID, payload, onResult)
			},
			OnComplete: func(payload *models.JobStatusPayload) {
				s.applyPayload(bundleID, payload, onResult)
			},
			OnError: func(err error) {
				s.failBundle(bundleID, err, onResult)
			},
		},
	}

	if err := s.supervisor.StartMonitoring(ctx, bundleID, fetch, opts); err != nil {
		s.mu.Lock()
		delete(s.reconcilers, bundleID)
		s.mu.Unlock()
		return "", fmt.Errorf("failed to start monitoring bundle %s: %w", bundleID, err)
	}

	return bundleID, nil
}

// Reconciler returns the reconciler for an in-flight bundle
func (s *Service) Reconciler(bundleID string) (*Reconciler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reconcilers[bundleID]
	return r, ok
}

// SweepStalled applies the stall policy to every in-flight bundle
func (s *Service) SweepStalled(now time.Time) int {
	s.mu.Lock()
	reconcilers := make([]*Reconciler, 0, len(s.reconcilers))
	for _, r := range s.reconcilers {
		reconcilers = append(reconcilers, r)
	}
	s.mu.Unlock()

	total := 0
	for _, r := range reconcilers {
		total += r.SweepStalled(now)
	}
	return total
}

// applyPayload runs one reconciliation pass. When the pass is terminal the
// bundle's poller is stopped, the reconciler is retired, and the result is
// delivered with the completed-file id list for downstream use.
func (s *Service) applyPayload(bundleID string, payload *models.JobStatusPayload, onResult func(Result)) {
	reconciler, ok := s.Reconciler(bundleID)
	if !ok {
		return
	}
	if payload == nil || payload.Bundle == nil {
		s.logger.Warn().Str("bundle_id", bundleID).Msg("Bundle status payload missing aggregate data")
		return
	}

	outcome, err := reconciler.Apply(payload.Bundle)
	if err != nil {
		s.logger.Warn().Err(err).Str("bundle_id", bundleID).Msg("Bundle reconciliation pass failed")
		return
	}

	if !outcome.Terminal {
		return
	}

	s.retire(bundleID)
	s.supervisor.StopMonitoring(bundleID)

	if onResult != nil {
		onResult(Result{
			BundleID:         bundleID,
			Status:           models.RemoteStatus(payload.Bundle.Status),
			CompletedFileIDs: outcome.CompletedFileIDs,
			Completed:        outcome.Completed,
			Failed:           outcome.Failed,
		})
	}
}

// failBundle resolves a bundle whose polling failed terminally (timeout or
// remote-reported failure). Every unresolved record is failed so nothing is
// left processing forever.
func (s *Service) failBundle(bundleID string, pollErr error, onResult func(Result)) {
	reconciler, ok := s.Reconciler(bundleID)
	if !ok {
		return
	}

	s.logger.Warn().Err(pollErr).Str("bundle_id", bundleID).Msg("Bundle polling failed")

	completedIDs, completed, failed := reconciler.FailUnresolved(pollErr)

	s.retire(bundleID)
	s.supervisor.StopMonitoring(bundleID)

	if onResult != nil {
		onResult(Result{
			BundleID:         bundleID,
			Status:           models.RemoteStatusFailed,
			CompletedFileIDs: completedIDs,
			Completed:        completed,
			Failed:           failed,
			Err:              pollErr,
		})
	}
}

func (s *Service) retire(bundleID string) {
	s.mu.Lock()
	delete(s.reconcilers, bundleID)
	s.mu.Unlock()
}
