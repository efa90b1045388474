package bundles

import (
	"strings"

	"github.com/ternarybob/specto/internal/models"
)

// Matcher correlates a local file record to one of the per-file sub-task
// entries in a polled bundle payload. Filename matching is a correlation
// workaround for a server that does not return stable per-file identifiers;
// it is isolated here so the reconciliation state machine never depends on
// how the match is made.
type Matcher func(recordFilename string, entries []models.BundleFileEntry) (models.BundleFileEntry, bool)

// DefaultMatcher matches case-insensitively in three tiers, first match wins:
//  1. exact equality
//  2. sub-task filename contains the record filename
//  3. record filename contains the sub-task filename
//
// The containment tiers tolerate server-side filename normalization such as
// sanitization, suffixing ("Report (1).pdf") or extension changes.
func DefaultMatcher(recordFilename string, entries []models.BundleFileEntry) (models.BundleFileEntry, bool) {
	record := strings.ToLower(strings.TrimSpace(recordFilename))
	if record == "" {
		return models.BundleFileEntry{}, false
	}

	for _, entry := range entries {
		if strings.ToLower(entry.Filename) == record {
			return entry, true
		}
	}
	for _, entry := range entries {
		if strings.Contains(strings.ToLower(entry.Filename), record) {
			return entry, true
		}
	}
	for _, entry := range entries {
		candidate := strings.ToLower(entry.Filename)
		if candidate != "" && strings.Contains(record, candidate) {
			return entry, true
		}
	}

	return models.BundleFileEntry{}, false
}
