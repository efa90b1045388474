package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BundleStorage implements the BundleArchive interface for Badger
type BundleStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBundleStorage creates a new BundleStorage instance
func NewBundleStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BundleArchive {
	return &BundleStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BundleStorage) SaveManifest(ctx context.Context, manifest *models.BundleManifest) error {
	if manifest == nil {
		return fmt.Errorf("manifest cannot be nil")
	}
	if manifest.BundleID == "" {
		return fmt.Errorf("bundle ID is required")
	}

	if err := s.db.Store().Upsert(manifest.BundleID, manifest); err != nil {
		return fmt.Errorf("failed to archive bundle manifest: %w", err)
	}
	return nil
}

func (s *BundleStorage) GetManifest(ctx context.Context, bundleID string) (*models.BundleManifest, error) {
	var manifest models.BundleManifest
	if err := s.db.Store().Get(bundleID, &manifest); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("bundle manifest not found: %s", bundleID)
		}
		return nil, fmt.Errorf("failed to get bundle manifest: %w", err)
	}
	return &manifest, nil
}

func (s *BundleStorage) ListManifests(ctx context.Context, limit, offset int) ([]*models.BundleManifest, error) {
	query := badgerhold.Where("BundleID").Ne("")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Skip(offset)
	}
	query = query.SortBy("SettledAt").Reverse()

	var manifests []models.BundleManifest
	if err := s.db.Store().Find(&manifests, query); err != nil {
		return nil, fmt.Errorf("failed to list bundle manifests: %w", err)
	}

	result := make([]*models.BundleManifest, len(manifests))
	for i := range manifests {
		result[i] = &manifests[i]
	}
	return result, nil
}

// PurgeOlderThan deletes manifests settled before the retention window and
// returns the number removed
func (s *BundleStorage) PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)

	var stale []models.BundleManifest
	if err := s.db.Store().Find(&stale, badgerhold.Where("SettledAt").Lt(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to find stale bundle manifests: %w", err)
	}

	purged := 0
	for i := range stale {
		if err := s.db.Store().Delete(stale[i].BundleID, &models.BundleManifest{}); err != nil {
			s.logger.Warn().Err(err).Str("bundle_id", stale[i].BundleID).Msg("Failed to purge bundle manifest")
			continue
		}
		purged++
	}

	if purged > 0 {
		s.logger.Debug().
			Int("count", purged).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Purged bundle manifests past retention")
	}

	return purged, nil
}
