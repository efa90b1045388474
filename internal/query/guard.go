// -----------------------------------------------------------------------
// Supersession Guard - A new query invalidates the in-flight one
// -----------------------------------------------------------------------

package query

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
)

// ErrSuperseded classifies a request cancelled because a newer one was issued
// from the same origin. It is not an error to surface to the user: callers
// discard superseded settlements instead of routing them to the notification
// sink.
var ErrSuperseded = errors.New("request superseded by a newer one")

// RequestFunc is the underlying transport call. Implementations must honor
// context cancellation for supersession to take effect promptly.
type RequestFunc func(ctx context.Context) (interface{}, error)

// Guard serializes single-shot query execution for one logical origin: at
// most one request is considered current, and issuing a new one cancels any
// still-pending predecessor. The handle is kept by the caller across
// invocations.
type Guard struct {
	cancel context.CancelCauseFunc // pending request's cancel, nil when none pending
	seq    uint64                  // issue counter; identifies the latest request
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewGuard creates a new supersession guard
func NewGuard(logger arbor.ILogger) *Guard {
	return &Guard{logger: logger}
}

// Do issues a request, cancelling any still-pending previous request first.
// A superseded request settles with an ErrSuperseded-classified error and its
// result - even a late-arriving successful one - is discarded, so it can
// never mutate state bound to the newer request. On natural settlement of
// the latest request the handle clears itself.
func (g *Guard) Do(ctx context.Context, fn RequestFunc) (interface{}, error) {
	if fn == nil {
		return nil, fmt.Errorf("request function cannot be nil")
	}

	g.mu.Lock()
	if g.cancel != nil {
		// Previous request still pending: cancel it with the supersession cause
		g.cancel(ErrSuperseded)
		if g.logger != nil {
			g.logger.Debug().Msg("Cancelled pending request superseded by a newer one")
		}
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	g.cancel = cancel
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	result, err := fn(reqCtx)

	g.mu.Lock()
	latest := g.seq == seq
	if latest {
		// Natural settlement of the current request: clear the handle so a
		// future call does not cancel an already-finished operation
		g.cancel = nil
	}
	g.mu.Unlock()

	// Release the context's resources; a no-op cause once already cancelled
	cancel(context.Canceled)

	if cause := context.Cause(reqCtx); errors.Is(cause, ErrSuperseded) {
		return nil, fmt.Errorf("request discarded: %w", ErrSuperseded)
	}

	return result, err
}

// Pending reports whether a request is currently in flight
func (g *Guard) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

// CancelPending cancels any in-flight request without issuing a new one
func (g *Guard) CancelPending() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel(ErrSuperseded)
		g.cancel = nil
	}
}

// IsSuperseded reports whether an error is a supersession settlement
func IsSuperseded(err error) bool {
	return errors.Is(err, ErrSuperseded)
}
