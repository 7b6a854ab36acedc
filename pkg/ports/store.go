package ports

import (
	"context"

	"github.com/aretw0/canopy/pkg/domain"
)

// CheckpointStore persists run checkpoints keyed by (session, step).
// Checkpoints for a session are written and read in strictly increasing step
// order; old checkpoints are retained for audit and replay (retention policy
// is a collaborator concern).
type CheckpointStore interface {
	// Save appends a checkpoint. It returns domain.ErrStaleCheckpoint when
	// the step does not advance the session's sequence.
	Save(ctx context.Context, ckpt *domain.Checkpoint) error

	// Latest returns the most recent checkpoint for a session, or
	// domain.ErrUnknownSession when none exists.
	Latest(ctx context.Context, sessionID string) (*domain.Checkpoint, error)

	// Step returns the checkpoint written at a specific step, or
	// domain.ErrUnknownSession when it does not exist.
	Step(ctx context.Context, sessionID string, step int) (*domain.Checkpoint, error)

	// Steps returns the persisted step numbers for a session in increasing
	// order. An unknown session yields an empty slice, not an error.
	Steps(ctx context.Context, sessionID string) ([]int, error)

	// Sessions lists all session IDs with at least one checkpoint.
	Sessions(ctx context.Context) ([]string, error)

	// Delete removes a session's entire checkpoint chain.
	Delete(ctx context.Context, sessionID string) error
}
