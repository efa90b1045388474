// -----------------------------------------------------------------------
// Housekeeping - Scheduled retention purge and bundle stall sweeps
// -----------------------------------------------------------------------

package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/bundles"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
)

// StoreMaintainer is the storage-side maintenance hook (value log GC)
type StoreMaintainer interface {
	RunValueLogGC() error
}

// Service runs scheduled maintenance: purging archived tasks past the
// retention window, failing file records stalled past the stall timeout,
// and reclaiming archive storage space.
type Service struct {
	archive       interfaces.TaskArchive
	bundleArchive interfaces.BundleArchive
	bundleService *bundles.Service
	store         StoreMaintainer
	cron          *cron.Cron
	retention     time.Duration
	schedule      string
	logger        arbor.ILogger
	entryID       cron.EntryID
	running       bool
}

// NewService creates a new housekeeping service
func NewService(cfg *common.HousekeepingConfig, archive interfaces.TaskArchive, bundleArchive interfaces.BundleArchive, bundleService *bundles.Service, store StoreMaintainer, logger arbor.ILogger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("housekeeping config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &Service{
		archive:       archive,
		bundleArchive: bundleArchive,
		bundleService: bundleService,
		store:         store,
		cron:          cron.New(cron.WithSeconds()),
		retention:     cfg.RetentionDuration(),
		schedule:      cfg.Schedule,
		logger:        logger,
	}, nil
}

// Start registers the maintenance schedule and starts the cron runner
func (s *Service) Start() error {
	if s.running {
		return nil
	}

	entryID, err := s.cron.AddFunc(s.schedule, s.runOnce)
	if err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", s.schedule, err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.running = true

	s.logger.Debug().
		Str("schedule", s.schedule).
		Dur("retention", s.retention).
		Msg("Housekeeping scheduled")

	return nil
}

// Stop halts the cron runner and waits for a running sweep to finish
func (s *Service) Stop() {
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	s.logger.Debug().Msg("Housekeeping stopped")
}

// runOnce performs one maintenance pass
func (s *Service) runOnce() {
	start := time.Now()

	if s.bundleService != nil {
		if swept := s.bundleService.SweepStalled(time.Now()); swept > 0 {
			s.logger.Warn().Int("count", swept).Msg("Swept stalled bundle file records")
		}
	}

	if s.archive != nil {
		purged, err := s.archive.PurgeOlderThan(context.Background(), s.retention)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Archived task purge failed")
		} else if purged > 0 {
			s.logger.Debug().Int("count", purged).Msg("Purged archived tasks")
		}
	}

	if s.bundleArchive != nil {
		purged, err := s.bundleArchive.PurgeOlderThan(context.Background(), s.retention)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Bundle manifest purge failed")
		} else if purged > 0 {
			s.logger.Debug().Int("count", purged).Msg("Purged bundle manifests")
		}
	}

	if s.store != nil {
		if err := s.store.RunValueLogGC(); err != nil {
			s.logger.Warn().Err(err).Msg("Archive storage maintenance failed")
		}
	}

	s.logger.Trace().Dur("duration", time.Since(start)).Msg("Housekeeping pass completed")
}
