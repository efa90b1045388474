package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s, err := NewSupervisor(&common.MonitorConfig{PollInterval: "5ms"}, arbor.NewLogger())
	require.NoError(t, err)
	return s
}

func processingPayload(jobID string, progress int) *models.JobStatusPayload {
	return &models.JobStatusPayload{JobID: jobID, Status: models.RemoteStatusProcessing, Progress: progress}
}

func completedPayload(jobID string) *models.JobStatusPayload {
	return &models.JobStatusPayload{JobID: jobID, Status: models.RemoteStatusCompleted}
}

func TestStartMonitoring_AtMostOnePollerPerJob(t *testing.T) {
	s := newTestSupervisor(t)
	defer s.StopAll()

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return processingPayload(jobID, 10), nil
	}

	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, interfaces.MonitorOptions{}))
	// Duplicate start is a logged no-op, not an error
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, interfaces.MonitorOptions{}))

	assert.Equal(t, 1, s.ActiveCount())

	require.NoError(t, s.StartMonitoring(context.Background(), "job-2", fetch, interfaces.MonitorOptions{}))
	assert.Equal(t, 2, s.ActiveCount())
}

func TestStartMonitoring_ValidatesInput(t *testing.T) {
	s := newTestSupervisor(t)

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return processingPayload(jobID, 0), nil
	}

	assert.Error(t, s.StartMonitoring(context.Background(), "", fetch, interfaces.MonitorOptions{}))
	assert.Error(t, s.StartMonitoring(context.Background(), "job-1", nil, interfaces.MonitorOptions{}))
}

func TestPoller_StopsOnTerminalStatus(t *testing.T) {
	s := newTestSupervisor(t)

	var fetches atomic.Int32
	var completions atomic.Int32

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		n := fetches.Add(1)
		if n >= 3 {
			return completedPayload(jobID), nil
		}
		return processingPayload(jobID, int(n)*30), nil
	}

	opts := interfaces.MonitorOptions{
		Callbacks: interfaces.MonitorCallbacks{
			OnComplete: func(payload *models.JobStatusPayload) {
				completions.Add(1)
			},
		},
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, opts))

	require.Eventually(t, func() bool {
		return s.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), completions.Load())

	// No further fetches after the terminal status
	settled := fetches.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, fetches.Load())
}

func TestPoller_ProgressCallbacksInOrder(t *testing.T) {
	s := newTestSupervisor(t)

	var fetches atomic.Int32
	var mu sync.Mutex
	var progress []int

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		n := fetches.Add(1)
		if n > 3 {
			return completedPayload(jobID), nil
		}
		return processingPayload(jobID, int(n)*25), nil
	}

	done := make(chan struct{})
	opts := interfaces.MonitorOptions{
		Callbacks: interfaces.MonitorCallbacks{
			OnProgress: func(payload *models.JobStatusPayload) {
				mu.Lock()
				progress = append(progress, payload.Progress)
				mu.Unlock()
			},
			OnComplete: func(payload *models.JobStatusPayload) {
				close(done)
			},
		},
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, opts))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not reach terminal status")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{25, 50, 75}, progress)
}

func TestPoller_ToleratesTransientFetchFailures(t *testing.T) {
	s := newTestSupervisor(t)

	var fetches atomic.Int32
	done := make(chan struct{})

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		n := fetches.Add(1)
		if n%2 == 1 && n < 4 {
			return nil, fmt.Errorf("connection refused")
		}
		if n >= 4 {
			return completedPayload(jobID), nil
		}
		return processingPayload(jobID, 50), nil
	}

	var pollErr atomic.Value
	opts := interfaces.MonitorOptions{
		Callbacks: interfaces.MonitorCallbacks{
			OnComplete: func(payload *models.JobStatusPayload) { close(done) },
			OnError: func(err error) {
				pollErr.Store(err)
				close(done)
			},
		},
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, opts))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not settle")
	}

	assert.Nil(t, pollErr.Load(), "transient failures must not fail the poll")
}

func TestPoller_BoundedAttemptsExhaustWithPollTimeout(t *testing.T) {
	s := newTestSupervisor(t)

	var errOnce sync.Once
	errCh := make(chan error, 1)

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return processingPayload(jobID, 10), nil // never terminal
	}

	opts := interfaces.MonitorOptions{
		PollInterval: 5 * time.Millisecond,
		MaxAttempts:  3,
		Callbacks: interfaces.MonitorCallbacks{
			OnError: func(err error) {
				errOnce.Do(func() { errCh <- err })
			},
		},
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, opts))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrPollTimeout))
	case <-time.After(time.Second):
		t.Fatal("attempt budget never exhausted")
	}

	require.Eventually(t, func() bool {
		return s.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_RemoteFailureClassified(t *testing.T) {
	s := newTestSupervisor(t)

	errCh := make(chan error, 1)
	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return &models.JobStatusPayload{
			JobID:  jobID,
			Status: models.RemoteStatusFailed,
			Error:  "out of disk",
		}, nil
	}

	opts := interfaces.MonitorOptions{
		Callbacks: interfaces.MonitorCallbacks{
			OnError: func(err error) { errCh <- err },
		},
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, opts))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrRemoteFailure))
		assert.Contains(t, err.Error(), "out of disk")
	case <-time.After(time.Second):
		t.Fatal("remote failure never surfaced")
	}
}

func TestPoller_CallbackPanicSurfacesThroughOnError(t *testing.T) {
	s := newTestSupervisor(t)

	errCh := make(chan error, 1)
	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return completedPayload(jobID), nil
	}

	opts := interfaces.MonitorOptions{
		Callbacks: interfaces.MonitorCallbacks{
			OnComplete: func(payload *models.JobStatusPayload) { panic("handler bug") },
			OnError:    func(err error) { errCh <- err },
		},
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, opts))

	select {
	case err := <-errCh:
		assert.Contains(t, err.Error(), "panicked")
	case <-time.After(time.Second):
		t.Fatal("panic never surfaced")
	}

	require.Eventually(t, func() bool {
		return s.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopMonitoring_Idempotent(t *testing.T) {
	s := newTestSupervisor(t)

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return processingPayload(jobID, 10), nil
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, interfaces.MonitorOptions{}))

	s.StopMonitoring("job-1")
	s.StopMonitoring("job-1") // second stop is a no-op
	s.StopMonitoring("job-never-existed")

	require.Eventually(t, func() bool {
		return s.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStopMonitoring_AllowsRestartForSameJob(t *testing.T) {
	s := newTestSupervisor(t)
	defer s.StopAll()

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return processingPayload(jobID, 10), nil
	}
	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, interfaces.MonitorOptions{}))
	s.StopMonitoring("job-1")

	require.Eventually(t, func() bool {
		return s.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, interfaces.MonitorOptions{}))
	assert.Equal(t, 1, s.ActiveCount())
}

func TestStopAll(t *testing.T) {
	s := newTestSupervisor(t)

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		return processingPayload(jobID, 10), nil
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, s.StartMonitoring(context.Background(), fmt.Sprintf("job-%d", i), fetch, interfaces.MonitorOptions{}))
	}
	assert.Equal(t, 5, s.ActiveCount())

	s.StopAll()
	assert.Equal(t, 0, s.ActiveCount())
}

func TestStopAll_WaitsForPollGoroutinesToExit(t *testing.T) {
	s := newTestSupervisor(t)

	var exited atomic.Int32
	started := make(chan struct{}, 2)

	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		// Block until teardown cancels the poll context
		<-ctx.Done()
		exited.Add(1)
		return nil, ctx.Err()
	}

	require.NoError(t, s.StartMonitoring(context.Background(), "job-1", fetch, interfaces.MonitorOptions{}))
	require.NoError(t, s.StartMonitoring(context.Background(), "job-2", fetch, interfaces.MonitorOptions{}))

	// Both pollers are mid-fetch when teardown starts
	<-started
	<-started

	s.StopAll()

	// StopAll returned, so no fetch can still be in flight
	assert.Equal(t, int32(2), exited.Load())
	assert.Equal(t, 0, s.ActiveCount())
}

func TestPoller_ContextCancellationStopsPolling(t *testing.T) {
	s := newTestSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	var fetches atomic.Int32
	fetch := func(ctx context.Context, jobID string) (*models.JobStatusPayload, error) {
		fetches.Add(1)
		return processingPayload(jobID, 10), nil
	}
	require.NoError(t, s.StartMonitoring(ctx, "job-1", fetch, interfaces.MonitorOptions{}))

	cancel()

	require.Eventually(t, func() bool {
		return s.ActiveCount() == 0
	}, time.Second, 5*time.Millisecond)

	settled := fetches.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, fetches.Load())
}
