package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/canopy/pkg/adapters/memory"
	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/ports"
)

func TestMemoryStore_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, memory.NewStore())
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("session-%d", n)
			for step := 0; step < 10; step++ {
				err := store.Save(ctx, &domain.Checkpoint{
					SessionID: sessionID,
					Step:      step,
					Status:    domain.StatusRunning,
					State:     map[string]any{"step": step},
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 16)

	latest, err := store.Latest(ctx, "session-7")
	require.NoError(t, err)
	assert.Equal(t, 9, latest.Step)
}
