package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/specto/internal/models"
)

// StatusFetcher fetches the current status of a remote job. Implementations
// must be idempotent and safe to call repeatedly; a non-nil error is treated
// as a transient poll failure unless a bounded-attempt budget is exhausted.
type StatusFetcher func(ctx context.Context, jobID string) (*models.JobStatusPayload, error)

// MonitorCallbacks receive the ordered poll outcomes for one remote job.
// For a given job id, no callback overlaps another: poll N's callback returns
// before poll N+1's fetch is issued.
type MonitorCallbacks struct {
	// OnProgress is invoked after each successful fetch of a non-terminal status
	OnProgress func(status *models.JobStatusPayload)
	// OnComplete is invoked once when the remote reports terminal success
	OnComplete func(status *models.JobStatusPayload)
	// OnError is invoked once on terminal failure, callback panic, or attempt exhaustion
	OnError func(err error)
}

// MonitorService supervises remote job pollers, one per job id.
type MonitorService interface {
	// StartMonitoring begins polling jobID via fetch. A second call for an
	// already-monitored job id is a no-op.
	StartMonitoring(ctx context.Context, jobID string, fetch StatusFetcher, opts MonitorOptions) error

	// StopMonitoring stops and removes the poller for jobID; idempotent.
	StopMonitoring(jobID string)

	// StopAll stops every active poller. Used at process teardown.
	StopAll()

	// ActiveCount returns the number of currently active pollers.
	ActiveCount() int
}

// MonitorOptions configure one poller instance
type MonitorOptions struct {
	// PollInterval is the fixed poll cadence; the service default applies when zero
	PollInterval time.Duration
	// MaxAttempts bounds total poll attempts; 0 means unbounded
	MaxAttempts int
	Callbacks   MonitorCallbacks
}
