package canopy

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/canopy/internal/logging"
	"github.com/aretw0/canopy/internal/runtime"
	"github.com/aretw0/canopy/pkg/adapters/memory"
	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/graph"
	"github.com/aretw0/canopy/pkg/ports"
	"github.com/aretw0/canopy/pkg/session"
)

// RunHandle tracks a run advancing on its own goroutine.
type RunHandle = runtime.Run

// Engine executes runs of one compiled graph. Independent sessions run
// fully concurrently; a single session is single-writer.
type Engine struct {
	graph *graph.Graph
	orch  *runtime.Orchestrator
}

type config struct {
	store       ports.CheckpointStore
	locker      ports.DistributedLocker
	logger      *slog.Logger
	hooks       domain.LifecycleHooks
	nodeTimeout time.Duration
}

// Option configures the Engine.
type Option func(*config)

// WithStore selects the checkpoint store. Defaults to in-process memory.
func WithStore(store ports.CheckpointStore) Option {
	return func(c *config) { c.store = store }
}

// WithLocker extends session exclusivity across replicas.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(c *config) { c.locker = locker }
}

// WithLogger sets the engine logger. Defaults to no-op.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithHooks installs lifecycle hooks for observability.
func WithHooks(hooks domain.LifecycleHooks) Option {
	return func(c *config) { c.hooks = hooks }
}

// WithDefaultNodeTimeout bounds node invocations that declare no timeout of
// their own. Zero means unbounded.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(c *config) { c.nodeTimeout = d }
}

// New creates an engine for a compiled graph.
func New(g *graph.Graph, opts ...Option) *Engine {
	cfg := config{
		store:  memory.NewStore(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sessionOpts := []session.Option{session.WithLogger(cfg.logger)}
	if cfg.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(cfg.locker))
	}
	sessions := session.NewManager(cfg.store, sessionOpts...)

	orch := runtime.New(g, sessions,
		runtime.WithLogger(cfg.logger),
		runtime.WithHooks(cfg.hooks),
		runtime.WithDefaultNodeTimeout(cfg.nodeTimeout),
	)
	return &Engine{graph: g, orch: orch}
}

// Start begins a fresh run for sessionID with the given initial input.
// It fails with domain.ErrDuplicateSession when a checkpoint chain already
// exists for the session.
func (e *Engine) Start(ctx context.Context, sessionID string, initial map[string]any) (*RunHandle, error) {
	return e.orch.Start(ctx, sessionID, initial)
}

// Resume continues an interrupted run, merging external input into state
// before the pending node executes. It fails with domain.ErrUnknownSession
// when no checkpoint exists and domain.ErrNoPendingInterrupt when the
// session is not suspended.
func (e *Engine) Resume(ctx context.Context, sessionID string, input map[string]any) (*RunHandle, error) {
	return e.orch.Resume(ctx, sessionID, input)
}

// Recover re-enters a run whose previous driver stopped mid-flight, for
// example after a process crash, continuing from the latest persisted
// checkpoint. It fails with domain.ErrNothingToRecover when the session is
// not mid-run.
func (e *Engine) Recover(ctx context.Context, sessionID string) (*RunHandle, error) {
	return e.orch.Recover(ctx, sessionID)
}

// Status reports the session state from its latest checkpoint.
func (e *Engine) Status(ctx context.Context, sessionID string) (domain.Status, error) {
	return e.orch.Status(ctx, sessionID)
}

// Cancel stops a run at its next step boundary, or finalizes a suspended
// session immediately.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	return e.orch.Cancel(ctx, sessionID)
}

// Sessions lists all sessions known to the checkpoint store.
func (e *Engine) Sessions(ctx context.Context) ([]string, error) {
	return e.orch.Sessions(ctx)
}

// Graph returns the compiled graph this engine executes.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}
