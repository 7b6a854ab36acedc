// Package runtime drives Canopy graph runs: it pulls the next node set from
// the router, invokes node executables via the registry, merges deltas into
// the state container, persists a checkpoint per step and detects terminal,
// interrupt and fatal conditions.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/canopy/internal/logging"
	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/graph"
	"github.com/aretw0/canopy/pkg/schema"
	"github.com/aretw0/canopy/pkg/session"
)

// Orchestrator executes runs of one compiled graph. It is safe for
// concurrent use: independent sessions advance fully concurrently, sharing
// only the read-only graph and the session-keyed checkpoint store.
type Orchestrator struct {
	graph    *graph.Graph
	sessions *session.Manager
	hooks    domain.LifecycleHooks
	logger   *slog.Logger

	defaultTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // in-flight runs, keyed by session
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithHooks installs lifecycle hooks for observability.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(o *Orchestrator) { o.hooks = hooks }
}

// WithDefaultNodeTimeout bounds node invocations that declare no timeout of
// their own. Zero means unbounded.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.defaultTimeout = d }
}

// New creates an orchestrator for a compiled graph.
func New(g *graph.Graph, sessions *session.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		graph:    g,
		sessions: sessions,
		logger:   logging.NewNop(),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins a fresh run. The session must have no existing checkpoint
// chain: reusing an ID would break the audit trail, so any existing chain,
// including one still being written by an in-flight run, is rejected with
// domain.ErrDuplicateSession.
func (o *Orchestrator) Start(ctx context.Context, sessionID string, initial map[string]any) (*Run, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		// An in-flight run means the session's reservation checkpoint
		// already exists: for Start that is a duplicate, not a distinct
		// concurrency error.
		if errors.Is(err, domain.ErrRunAlreadyActive) {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateSession, sessionID)
		}
		return nil, err
	}

	if _, err := o.sessions.Latest(ctx, sessionID); err == nil {
		release()
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateSession, sessionID)
	} else if !errors.Is(err, domain.ErrUnknownSession) {
		release()
		return nil, err
	}

	state, err := schema.NewState(o.graph.Schema(), initial)
	if err != nil {
		release()
		return nil, fmt.Errorf("initial input: %w", err)
	}

	// Step 0 reserves the session and records the initial cursor.
	ckpt := &domain.Checkpoint{
		SessionID: sessionID,
		GraphID:   o.graph.ID(),
		Step:      0,
		State:     state.Snapshot(),
		Status:    domain.StatusRunning,
		NextNodes: []string{o.graph.Entry()},
		History:   []domain.HistoryEntry{},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.sessions.Store().Save(ctx, ckpt); err != nil {
		release()
		return nil, fmt.Errorf("failed to reserve session: %w", err)
	}

	o.logger.Info("run started", "session_id", sessionID, "graph", o.graph.ID())
	return o.spawn(sessionID, ckpt, release), nil
}

// Resume continues an interrupted run, merging externally supplied input
// into state before the pending node executes. Sessions that are not
// suspended are rejected without any state mutation.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, input map[string]any) (*Run, error) {
	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	latest, err := o.sessions.Latest(ctx, sessionID)
	if err != nil {
		release()
		return nil, err
	}
	if latest.Status != domain.StatusInterrupted {
		release()
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNoPendingInterrupt, sessionID, latest.Status)
	}

	state := schema.FromSnapshot(latest.State)
	if len(input) > 0 {
		state, err = schema.Merge(o.graph.Schema(), state, input, nil)
		if err != nil {
			release()
			return nil, fmt.Errorf("resume input: %w", err)
		}
	}

	// The in-memory cursor moves to the pending node; the next persisted
	// checkpoint is the one written after it executes.
	ckpt := latest.Clone()
	ckpt.Status = domain.StatusRunning
	ckpt.NextNodes = []string{latest.PendingNode}
	ckpt.PendingNode = ""
	ckpt.State = state.Snapshot()

	o.logger.Info("run resumed", "session_id", sessionID, "pending_node", latest.PendingNode)
	return o.spawn(sessionID, ckpt, release), nil
}

// Recover re-enters the step loop of a session whose driving process died
// mid-run. The latest persisted checkpoint carries the cursor, so replaying
// from it retraces exactly the steps an uninterrupted run would have taken.
// Sessions that are not mid-run (terminal or suspended) are rejected with
// domain.ErrNothingToRecover.
func (o *Orchestrator) Recover(ctx context.Context, sessionID string) (*Run, error) {
	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	latest, err := o.sessions.Latest(ctx, sessionID)
	if err != nil {
		release()
		return nil, err
	}
	if latest.Status != domain.StatusRunning {
		release()
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNothingToRecover, sessionID, latest.Status)
	}

	o.logger.Info("run recovered", "session_id", sessionID, "step", latest.Step)
	return o.spawn(sessionID, latest.Clone(), release), nil
}

// Status reports the session's current state from its latest checkpoint.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (domain.Status, error) {
	latest, err := o.sessions.Latest(ctx, sessionID)
	if err != nil {
		return domain.Status{}, err
	}
	return domain.StatusOf(latest), nil
}

// Cancel stops a run. An in-flight run observes the cancellation at its next
// step boundary; a suspended (interrupted) session is finalized immediately.
// Cancelling an already-terminal session is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	cancel, inFlight := o.cancels[sessionID]
	o.mu.Unlock()
	if inFlight {
		cancel()
		return nil
	}

	latest, err := o.sessions.Latest(ctx, sessionID)
	if err != nil {
		return err
	}
	if latest.Terminal() {
		return nil
	}

	release, err := o.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	final, err := o.finalize(ctx, latest, schema.FromSnapshot(latest.State), domain.ReasonCancelled)
	if err != nil {
		return err
	}
	o.emitRunEnd(ctx, final)
	return nil
}

// Sessions lists all sessions known to the store.
func (o *Orchestrator) Sessions(ctx context.Context) ([]string, error) {
	return o.sessions.Store().Sessions(ctx)
}

// spawn launches the step loop on its own goroutine. The run's lifetime is
// detached from the caller's context; cancellation goes through Cancel.
func (o *Orchestrator) spawn(sessionID string, ckpt *domain.Checkpoint, release func()) *Run {
	run := newRun(sessionID)
	runCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.cancels[sessionID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.cancels, sessionID)
			o.mu.Unlock()
			cancel()
			release()
		}()

		final, err := o.loop(runCtx, ckpt)
		if err != nil {
			o.logger.Error("run aborted", "session_id", sessionID, "err", err)
		} else {
			o.emitRunEnd(runCtx, final)
			o.logger.Info("run stopped",
				"session_id", sessionID,
				"status", final.Status,
				"step", final.Step,
			)
		}
		run.finish(final, err)
	}()

	return run
}

func (o *Orchestrator) emitRunEnd(ctx context.Context, final *domain.Checkpoint) {
	if o.hooks.OnRunEnd == nil || final.Status == domain.StatusRunning {
		return
	}
	o.hooks.OnRunEnd(ctx, &domain.RunEvent{
		SessionID: final.SessionID,
		GraphID:   final.GraphID,
		Status:    final.Status,
		Reason:    final.Reason,
		Steps:     final.Step,
	})
}
