// Package memory implements ports.CheckpointStore in process memory.
// It is the default store and the reference implementation for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/canopy/pkg/domain"
)

// Store holds checkpoint chains in memory. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*chain
}

type chain struct {
	byStep map[int]*domain.Checkpoint
	latest int
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*chain)}
}

// Save appends a checkpoint, cloning it so the caller cannot mutate stored
// state afterwards.
func (s *Store) Save(ctx context.Context, ckpt *domain.Checkpoint) error {
	if ckpt.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.sessions[ckpt.SessionID]
	if !ok {
		c = &chain{byStep: make(map[int]*domain.Checkpoint), latest: -1}
		s.sessions[ckpt.SessionID] = c
	}
	if ckpt.Step <= c.latest {
		return fmt.Errorf("%w: step %d, latest %d", domain.ErrStaleCheckpoint, ckpt.Step, c.latest)
	}
	c.byStep[ckpt.Step] = ckpt.Clone()
	c.latest = ckpt.Step
	return nil
}

// Latest returns the most recent checkpoint for the session.
func (s *Store) Latest(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, sessionID)
	}
	return c.byStep[c.latest].Clone(), nil
}

// Step returns the checkpoint written at a specific step.
func (s *Store) Step(ctx context.Context, sessionID string, step int) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, sessionID)
	}
	ckpt, ok := c.byStep[step]
	if !ok {
		return nil, fmt.Errorf("%w: %s step %d", domain.ErrUnknownSession, sessionID, step)
	}
	return ckpt.Clone(), nil
}

// Steps returns the persisted step numbers in increasing order.
func (s *Store) Steps(ctx context.Context, sessionID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.sessions[sessionID]
	if !ok {
		return []int{}, nil
	}
	steps := make([]int, 0, len(c.byStep))
	for step := range c.byStep {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

// Sessions lists all sessions with at least one checkpoint.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a session's entire chain.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
