package domain

import (
	"errors"
	"fmt"
)

// Caller usage errors. These are reported synchronously by the engine API
// and never mutate persisted state.
var (
	// ErrUnknownSession is returned when no checkpoint exists for a session ID.
	ErrUnknownSession = errors.New("unknown session")

	// ErrDuplicateSession is returned by Start when the session already has a
	// checkpoint chain, terminal or not. Fresh work needs a fresh session ID.
	ErrDuplicateSession = errors.New("session already active")

	// ErrNoPendingInterrupt is returned by Resume when the session is not
	// suspended waiting for external input.
	ErrNoPendingInterrupt = errors.New("session has no pending interrupt")

	// ErrRunAlreadyActive is returned when a second caller tries to drive a
	// session that is already being executed. Sessions are single-writer.
	ErrRunAlreadyActive = errors.New("run already active for session")

	// ErrNothingToRecover is returned by Recover when the session's latest
	// checkpoint is not mid-run. Terminal sessions are done; suspended ones
	// continue through Resume.
	ErrNothingToRecover = errors.New("session has no in-flight checkpoint to recover")
)

// Graph configuration errors. These are fatal to a run and should be caught
// at build time wherever possible.
var (
	// ErrUnknownNode is returned when a node ID cannot be resolved.
	ErrUnknownNode = errors.New("unknown node")

	// ErrRoutingContract is returned when a router produces a decision outside
	// its declared codomain.
	ErrRoutingContract = errors.New("routing contract violation")
)

// ErrStaleCheckpoint is returned by checkpoint stores when a write would not
// advance the session's step sequence. Steps strictly increase per session.
var ErrStaleCheckpoint = errors.New("stale checkpoint: step does not advance session")

// fatalError marks a node failure that must terminate the whole run instead
// of being recovered into a state-visible error marker.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so that the orchestrator terminates the run instead of
// recording a recoverable error marker.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Fatalf is Fatal with formatting.
func Fatalf(format string, args ...any) error {
	return &fatalError{err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
