// Package redis implements ports.CheckpointStore and ports.DistributedLocker
// on Redis, for deployments where runs must survive process restarts and
// sessions are driven by multiple replicas.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/canopy/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// Store persists checkpoint chains in Redis: one JSON value per step plus a
// per-session ZSET index scored by step number, which gives Latest and Steps
// without key scans.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithTTL sets an expiration on checkpoint keys and indexes. Zero (the
// default) keeps checkpoints forever; retention is a collaborator concern.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a Redis store with its own client.
func New(address, password string, db int, opts ...Option) *Store {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(client, opts...)
}

// NewFromClient creates a Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "canopy:",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) ckptKey(sessionID string, step int) string {
	return fmt.Sprintf("%sckpt:%s:%08d", s.prefix, sessionID, step)
}

func (s *Store) stepsKey(sessionID string) string {
	return s.prefix + "steps:" + sessionID
}

func (s *Store) sessionsKey() string {
	return s.prefix + "sessions"
}

// Save persists the checkpoint and updates both indexes in one pipeline.
// Step monotonicity is checked against the session index; the engine's
// single-writer discipline makes the check-then-write race-free per session.
func (s *Store) Save(ctx context.Context, ckpt *domain.Checkpoint) error {
	if ckpt.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	latest, err := s.latestStep(ctx, ckpt.SessionID)
	if err != nil {
		return err
	}
	if latest >= 0 && ckpt.Step <= latest {
		return fmt.Errorf("%w: step %d, latest %d", domain.ErrStaleCheckpoint, ckpt.Step, latest)
	}

	data, err := json.Marshal(ckpt)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.ckptKey(ckpt.SessionID, ckpt.Step), data, s.ttl)
	pipe.ZAdd(ctx, s.stepsKey(ckpt.SessionID), backend.Z{
		Score:  float64(ckpt.Step),
		Member: strconv.Itoa(ckpt.Step),
	})
	pipe.ZAdd(ctx, s.sessionsKey(), backend.Z{
		Score:  float64(time.Now().Unix()),
		Member: ckpt.SessionID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.stepsKey(ckpt.SessionID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}
	return nil
}

// latestStep returns -1 when the session has no checkpoints.
func (s *Store) latestStep(ctx context.Context, sessionID string) (int, error) {
	members, err := s.client.ZRevRange(ctx, s.stepsKey(sessionID), 0, 0).Result()
	if err != nil {
		return -1, fmt.Errorf("failed to read session index: %w", err)
	}
	if len(members) == 0 {
		return -1, nil
	}
	step, err := strconv.Atoi(members[0])
	if err != nil {
		return -1, fmt.Errorf("corrupt session index entry %q: %w", members[0], err)
	}
	return step, nil
}

// Latest returns the most recent checkpoint for the session.
func (s *Store) Latest(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	step, err := s.latestStep(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if step < 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, sessionID)
	}
	return s.Step(ctx, sessionID, step)
}

// Step reads one checkpoint record.
func (s *Store) Step(ctx context.Context, sessionID string, step int) (*domain.Checkpoint, error) {
	val, err := s.client.Get(ctx, s.ckptKey(sessionID, step)).Result()
	if err != nil {
		if err == backend.Nil {
			return nil, fmt.Errorf("%w: %s step %d", domain.ErrUnknownSession, sessionID, step)
		}
		return nil, fmt.Errorf("failed to get checkpoint from redis: %w", err)
	}
	var ckpt domain.Checkpoint
	if err := json.Unmarshal([]byte(val), &ckpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &ckpt, nil
}

// Steps returns the persisted step numbers in increasing order.
func (s *Store) Steps(ctx context.Context, sessionID string) ([]int, error) {
	members, err := s.client.ZRange(ctx, s.stepsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	steps := make([]int, 0, len(members))
	for _, m := range members {
		step, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("corrupt session index entry %q: %w", m, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Sessions lists session IDs ordered by last write.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	sessions, err := s.client.ZRange(ctx, s.sessionsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes a session's checkpoints and index entries.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	steps, err := s.Steps(ctx, sessionID)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	for _, step := range steps {
		pipe.Del(ctx, s.ckptKey(sessionID, step))
	}
	pipe.Del(ctx, s.stepsKey(sessionID))
	pipe.ZRem(ctx, s.sessionsKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
