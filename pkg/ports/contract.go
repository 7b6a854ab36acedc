package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/canopy/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunCheckpointStoreContract verifies that a CheckpointStore implementation
// adheres to the interface contract. Adapter test suites call it against a
// fresh store instance.
func RunCheckpointStoreContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()
	sessionID := "contract-session-" + time.Now().Format("20060102150405.000")

	ckpt := func(step int, status domain.RunStatus) *domain.Checkpoint {
		return &domain.Checkpoint{
			SessionID: sessionID,
			GraphID:   "contract-graph",
			Step:      step,
			Status:    status,
			State:     map[string]any{"topic": "checkpoints", "step": float64(step)},
			NextNodes: []string{"retrieve"},
			History: []domain.HistoryEntry{
				{NodeID: "retrieve", Outcome: domain.OutcomeSuccess, At: time.Now().UTC().Truncate(time.Second)},
			},
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		}
	}

	t.Run("Save and Latest", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, ckpt(0, domain.StatusRunning)))
		require.NoError(t, store.Save(ctx, ckpt(1, domain.StatusRunning)))

		latest, err := store.Latest(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, 1, latest.Step)
		assert.Equal(t, domain.StatusRunning, latest.Status)
		assert.Equal(t, "checkpoints", latest.State["topic"])
		assert.Equal(t, []string{"retrieve"}, latest.NextNodes)
		require.Len(t, latest.History, 1)
		assert.Equal(t, domain.OutcomeSuccess, latest.History[0].Outcome)
	})

	t.Run("Steps strictly increase", func(t *testing.T) {
		err := store.Save(ctx, ckpt(1, domain.StatusRunning))
		assert.ErrorIs(t, err, domain.ErrStaleCheckpoint, "re-writing an old step must be rejected")

		err = store.Save(ctx, ckpt(0, domain.StatusRunning))
		assert.ErrorIs(t, err, domain.ErrStaleCheckpoint)

		require.NoError(t, store.Save(ctx, ckpt(2, domain.StatusCompleted)))
		latest, err := store.Latest(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Step)
		assert.Equal(t, domain.StatusCompleted, latest.Status)
	})

	t.Run("Step lookup and audit trail", func(t *testing.T) {
		old, err := store.Step(ctx, sessionID, 0)
		require.NoError(t, err, "old checkpoints are retained")
		assert.Equal(t, 0, old.Step)

		steps, err := store.Steps(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, steps)

		_, err = store.Step(ctx, sessionID, 99)
		assert.ErrorIs(t, err, domain.ErrUnknownSession)
	})

	t.Run("Unknown session", func(t *testing.T) {
		_, err := store.Latest(ctx, "missing-"+sessionID)
		assert.ErrorIs(t, err, domain.ErrUnknownSession)

		steps, err := store.Steps(ctx, "missing-"+sessionID)
		require.NoError(t, err)
		assert.Empty(t, steps)
	})

	t.Run("Isolation from caller mutation", func(t *testing.T) {
		c := ckpt(3, domain.StatusRunning)
		require.NoError(t, store.Save(ctx, c))
		c.State["topic"] = "mutated"
		c.NextNodes[0] = "mutated"

		latest, err := store.Latest(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, "checkpoints", latest.State["topic"])
		assert.Equal(t, "retrieve", latest.NextNodes[0])
	})

	t.Run("Sessions and Delete", func(t *testing.T) {
		other := sessionID + "-other"
		otherCkpt := ckpt(0, domain.StatusRunning)
		otherCkpt.SessionID = other
		require.NoError(t, store.Save(ctx, otherCkpt))

		sessions, err := store.Sessions(ctx)
		require.NoError(t, err)
		assert.Contains(t, sessions, sessionID)
		assert.Contains(t, sessions, other)

		require.NoError(t, store.Delete(ctx, other))
		_, err = store.Latest(ctx, other)
		assert.ErrorIs(t, err, domain.ErrUnknownSession)

		require.NoError(t, store.Delete(ctx, sessionID))
	})
}
