// Package file implements ports.CheckpointStore on the local filesystem.
// Each session owns a directory; each step is one JSON file written
// atomically (temp file, fsync, rename).
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aretw0/canopy/pkg/domain"
)

// Store persists checkpoints as JSON files under BasePath.
type Store struct {
	BasePath string
}

// New creates a Store rooted at basePath. An empty basePath defaults to
// ".canopy/checkpoints".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".canopy", "checkpoints")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.BasePath, sessionID)
}

func stepFile(step int) string {
	return fmt.Sprintf("%08d.json", step)
}

func validSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return fmt.Errorf("session id %q contains path elements", sessionID)
	}
	return nil
}

// Save writes the checkpoint atomically: temp file in the same directory,
// fsync, then rename. Monotonicity is checked against the files on disk.
func (s *Store) Save(ctx context.Context, ckpt *domain.Checkpoint) error {
	if err := validSessionID(ckpt.SessionID); err != nil {
		return err
	}

	dir := s.sessionDir(ckpt.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to ensure session directory: %w", err)
	}

	steps, err := s.stepsOnDisk(dir)
	if err != nil {
		return err
	}
	if len(steps) > 0 && ckpt.Step <= steps[len(steps)-1] {
		return fmt.Errorf("%w: step %d, latest %d", domain.ErrStaleCheckpoint, ckpt.Step, steps[len(steps)-1])
	}

	data, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to fsync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, stepFile(ckpt.Step))); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	return nil
}

// Latest returns the highest-step checkpoint on disk for the session.
func (s *Store) Latest(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	steps, err := s.stepsOnDisk(s.sessionDir(sessionID))
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSession, sessionID)
	}
	return s.Step(ctx, sessionID, steps[len(steps)-1])
}

// Step reads one checkpoint file.
func (s *Store) Step(ctx context.Context, sessionID string, step int) (*domain.Checkpoint, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), stepFile(step)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s step %d", domain.ErrUnknownSession, sessionID, step)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var ckpt domain.Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &ckpt, nil
}

// Steps returns the persisted step numbers in increasing order.
func (s *Store) Steps(ctx context.Context, sessionID string) ([]int, error) {
	if err := validSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.stepsOnDisk(s.sessionDir(sessionID))
}

func (s *Store) stepsOnDisk(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []int{}, nil
		}
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	steps := make([]int, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "tmp-") {
			continue
		}
		step, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

// Sessions lists session directories containing at least one checkpoint.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var sessions []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		steps, err := s.stepsOnDisk(filepath.Join(s.BasePath, entry.Name()))
		if err == nil && len(steps) > 0 {
			sessions = append(sessions, entry.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// Delete removes the session directory and everything under it.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := validSessionID(sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
