package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/canopy/internal/logging"
	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/ports"
)

// Manager guards session exclusivity and fronts the checkpoint store.
type Manager struct {
	store ports.CheckpointStore

	mu     sync.Mutex
	active map[string]struct{} // sessions currently driven by this process

	locker         ports.DistributedLocker // optional, for multi-replica setups
	lockTTL        time.Duration
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking on top of the in-process guard.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) { m.locker = locker }
}

// WithLockTTL sets the distributed lock TTL (default 30s). The lock is
// released explicitly at run end; the TTL only covers crashed holders.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.lockTTL = ttl }
}

// WithLogger configures a logger for deferred errors.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager over the given checkpoint store.
func NewManager(store ports.CheckpointStore, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		active:         make(map[string]struct{}),
		lockTTL:        30 * time.Second,
		acquireTimeout: 2 * time.Second,
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire claims exclusive run ownership of a session. It does not block: a
// session already held, locally or by another replica, yields
// domain.ErrRunAlreadyActive. The returned release function must be called
// exactly once when the run leaves the Running state.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	if _, held := m.active[sessionID]; held {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrRunAlreadyActive, sessionID)
	}
	m.active[sessionID] = struct{}{}
	m.mu.Unlock()

	var unlock ports.UnlockFunc
	if m.locker != nil {
		// Bound the distributed acquisition: a held remote lock means another
		// replica is driving the session, which is the same caller error.
		lockCtx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
		defer cancel()

		var err error
		unlock, err = m.locker.Lock(lockCtx, sessionID, m.lockTTL)
		if err != nil {
			m.release(sessionID)
			return nil, fmt.Errorf("%w: %s", domain.ErrRunAlreadyActive, sessionID)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if unlock != nil {
				if err := unlock(context.Background()); err != nil {
					m.logger.Warn("failed to release distributed lock (will expire via TTL)",
						"session_id", sessionID,
						"err", err,
					)
				}
			}
			m.release(sessionID)
		})
	}, nil
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, sessionID)
}

// Held reports whether this process is currently driving the session.
func (m *Manager) Held(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.active[sessionID]
	return held
}

// Latest delegates to the store.
func (m *Manager) Latest(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	return m.store.Latest(ctx, sessionID)
}

// Store returns the underlying checkpoint store.
func (m *Manager) Store() ports.CheckpointStore {
	return m.store
}
