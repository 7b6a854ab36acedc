package runtime

import (
	"context"

	"github.com/aretw0/canopy/pkg/domain"
)

// Run is the handle returned by Start and Resume. The run advances on its
// own goroutine; the handle lets the caller wait for the next stopping point
// (completion, interrupt or fatal failure).
type Run struct {
	sessionID string
	done      chan struct{}
	final     *domain.Checkpoint
	err       error
}

func newRun(sessionID string) *Run {
	return &Run{sessionID: sessionID, done: make(chan struct{})}
}

// SessionID returns the session this run drives.
func (r *Run) SessionID() string { return r.sessionID }

// Done is closed when the run stops advancing.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run stops advancing and returns its last checkpoint.
// A non-nil error means the engine itself failed (e.g. the store rejected a
// write), not that the run ended in StatusFailed.
func (r *Run) Wait(ctx context.Context) (*domain.Checkpoint, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return r.final, r.err
	}
}

func (r *Run) finish(final *domain.Checkpoint, err error) {
	r.final = final
	r.err = err
	close(r.done)
}
