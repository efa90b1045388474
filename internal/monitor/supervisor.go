// -----------------------------------------------------------------------
// Monitor Supervisor - One fixed-interval status poller per remote job
// -----------------------------------------------------------------------

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/interfaces"
	"github.com/ternarybob/specto/internal/models"
	"golang.org/x/time/rate"
)

var (
	// ErrPollTimeout classifies bounded-attempt exhaustion, distinct from a
	// failure reported by the remote job itself
	ErrPollTimeout = errors.New("polling timed out")

	// ErrRemoteFailure classifies a terminal failure reported by the polled status
	ErrRemoteFailure = errors.New("remote job failed")
)

// poller owns exactly one active timer for one remote job id. A poller is
// never resumed, only replaced after it has stopped and been removed. done
// closes when the poll goroutine has fully exited; StopAll waits on it.
type poller struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor implements MonitorService: a process-wide table of active
// pollers keyed by remote job id. At most one poller exists per job id; the
// check and the insert happen under one lock so concurrent starts cannot
// race a duplicate in.
type Supervisor struct {
	pollers         map[string]*poller
	defaultInterval time.Duration
	limiter         *rate.Limiter // shared across pollers so N jobs cannot stampede the status endpoint
	logger          arbor.ILogger
	mu              sync.Mutex
}

// NewSupervisor creates a new monitor supervisor
func NewSupervisor(cfg *common.MonitorConfig, logger arbor.ILogger) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("monitor config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	var limiter *rate.Limiter
	if cfg.FetchRate > 0 {
		burst := cfg.FetchBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.FetchRate), burst)
	}

	return &Supervisor{
		pollers:         make(map[string]*poller),
		defaultInterval: cfg.PollIntervalDuration(),
		limiter:         limiter,
		logger:          logger,
	}, nil
}

// StartMonitoring begins polling jobID at a fixed interval. If a poller
// already exists for the job id the call is a no-op: at most one active
// poller per job id at any time.
func (s *Supervisor) StartMonitoring(ctx context.Context, jobID string, fetch interfaces.StatusFetcher, opts interfaces.MonitorOptions) error {
	if jobID == "" {
		return fmt.Errorf("job ID cannot be empty")
	}
	if fetch == nil {
		return fmt.Errorf("status fetcher cannot be nil")
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = s.defaultInterval
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p := &poller{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.pollers[jobID]; exists {
		s.mu.Unlock()
		cancel()
		s.logger.Warn().
			Str("job_id", jobID).
			Msg("Poller already active for job - duplicate start ignored")
		return nil
	}
	s.pollers[jobID] = p
	s.mu.Unlock()

	s.logger.Debug().
		Str("job_id", jobID).
		Dur("poll_interval", interval).
		Int("max_attempts", opts.MaxAttempts).
		Msg("Started monitoring remote job")

	common.SafeGo(s.logger, "poll-"+jobID, func() {
		defer close(p.done)
		defer s.remove(p)
		s.pollLoop(pollCtx, p, fetch, interval, opts)
	})

	return nil
}

// pollLoop issues one status fetch per interval until a terminal status,
// explicit stop, context cancellation, or attempt exhaustion. The next tick
// is scheduled only after the current poll's handling completes, so fetches
// for one job never overlap and callbacks are strictly ordered.
func (s *Supervisor) pollLoop(ctx context.Context, p *poller, fetch interfaces.StatusFetcher, interval time.Duration, opts interfaces.MonitorOptions) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	attempts := 0

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Str("job_id", p.jobID).Msg("Poller stopped")
			return
		case <-timer.C:
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		attempts++
		payload, err := fetch(ctx, p.jobID)

		if err != nil || payload == nil {
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = fmt.Errorf("status fetch returned no payload")
			}
			// Transient failure: tolerated and retried on the next tick
			s.logger.Warn().
				Err(err).
				Str("job_id", p.jobID).
				Int("attempt", attempts).
				Msg("Status fetch failed, will retry")

			if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts {
				s.invokeError(p.jobID, opts.Callbacks,
					fmt.Errorf("job %s: %w after %d attempts: %v", p.jobID, ErrPollTimeout, attempts, err))
				return
			}
			timer.Reset(interval)
			continue
		}

		if payload.Status.IsTerminal() {
			s.handleTerminal(p.jobID, payload, opts.Callbacks)
			return
		}

		s.invokeProgress(p.jobID, payload, opts.Callbacks)

		if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts {
			s.invokeError(p.jobID, opts.Callbacks,
				fmt.Errorf("job %s: %w after %d attempts without terminal status", p.jobID, ErrPollTimeout, attempts))
			return
		}

		timer.Reset(interval)
	}
}

// handleTerminal routes a terminal payload to the completion or error
// callback. A panicking callback is surfaced through OnError and the poller
// still stops: the terminal status has been reached either way.
func (s *Supervisor) handleTerminal(jobID string, payload *models.JobStatusPayload, cb interfaces.MonitorCallbacks) {
	s.logger.Debug().
		Str("job_id", jobID).
		Str("status", string(payload.Status)).
		Msg("Remote job reached terminal status")

	if payload.Status.IsSuccess() {
		if cb.OnComplete == nil {
			return
		}
		if err := s.guard(jobID, "OnComplete", func() { cb.OnComplete(payload) }); err != nil {
			s.invokeError(jobID, cb, err)
		}
		return
	}

	msg := payload.Error
	if msg == "" {
		msg = payload.Message
	}
	if msg == "" {
		msg = string(payload.Status)
	}
	s.invokeError(jobID, cb, fmt.Errorf("job %s: %w: %s", jobID, ErrRemoteFailure, msg))
}

func (s *Supervisor) invokeProgress(jobID string, payload *models.JobStatusPayload, cb interfaces.MonitorCallbacks) {
	if cb.OnProgress == nil {
		return
	}
	if err := s.guard(jobID, "OnProgress", func() { cb.OnProgress(payload) }); err != nil {
		s.invokeError(jobID, cb, err)
	}
}

func (s *Supervisor) invokeError(jobID string, cb interfaces.MonitorCallbacks, err error) {
	if cb.OnError == nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("No error callback registered for failed job")
		return
	}
	// Guard the error callback too; a second panic is only logged
	if guardErr := s.guard(jobID, "OnError", func() { cb.OnError(err) }); guardErr != nil {
		s.logger.Error().Err(guardErr).Str("job_id", jobID).Msg("Error callback panicked")
	}
}

// guard runs a callback and converts a panic into an error so the poll loop
// never crashes on caller code
func (s *Supervisor) guard(jobID, name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s: %s callback panicked: %v", jobID, name, r)
		}
	}()
	fn()
	return nil
}

// StopMonitoring clears the timer and removes the poller for jobID;
// idempotent. It does not wait for the poll goroutine to exit, so it is safe
// to call from inside a poll callback.
func (s *Supervisor) StopMonitoring(jobID string) {
	s.mu.Lock()
	p, ok := s.pollers[jobID]
	if ok {
		delete(s.pollers, jobID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	p.cancel()
	s.logger.Debug().Str("job_id", jobID).Msg("Stopped monitoring remote job")
}

// StopAll stops every currently active poller and waits for each poll
// goroutine to exit; used at process teardown so no fetch or callback is
// still running against torn-down dependencies.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	stopped := make([]*poller, 0, len(s.pollers))
	for _, p := range s.pollers {
		stopped = append(stopped, p)
	}
	s.pollers = make(map[string]*poller)
	s.mu.Unlock()

	for _, p := range stopped {
		p.cancel()
	}
	for _, p := range stopped {
		<-p.done
	}

	if len(stopped) > 0 {
		s.logger.Debug().Int("count", len(stopped)).Msg("Stopped all remote job pollers")
	}
}

// ActiveCount returns the number of currently active pollers
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// remove deletes the poller from the table if it is still the registered
// instance for its job id. Self-removal on terminal status and explicit
// StopMonitoring may both run; deletion happens once either way.
func (s *Supervisor) remove(p *poller) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.pollers[p.jobID]; ok && current == p {
		delete(s.pollers, p.jobID)
	}
	p.cancel()
}
