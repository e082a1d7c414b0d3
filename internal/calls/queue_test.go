package calls

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueManager_PromotesInFIFOOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(steppingClock(base, time.Second))
	qm := NewQueueManager(store, nil)

	active, err := store.Create(ctx, NewCall{RequesterID: "u0", TargetID: "c1", Kind: KindAudio})
	require.NoError(t, err)
	_, err = store.UpdateIfState(ctx, active.ID, StatePending, Patch{State: StateActive, RoomToken: "r0"})
	require.NoError(t, err)

	var queued []CallRecord
	for _, u := range []string{"u1", "u2", "u3"} {
		rec, err := store.Create(ctx, NewCall{RequesterID: u, TargetID: "c1", Kind: KindAudio, State: StateQueued})
		require.NoError(t, err)
		queued = append(queued, rec)
	}

	entries, err := qm.Queue(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, queued[0].ID, entries[0].Call.ID)

	_, promoted, err := qm.PromoteNext(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, promoted, "no promotion while the target is active")

	_, err = store.UpdateIfState(ctx, active.ID, StateActive, Patch{State: StateCompleted})
	require.NoError(t, err)

	for i := range queued {
		rec, promoted, err := qm.PromoteNext(ctx, "c1")
		require.NoError(t, err)
		require.True(t, promoted)
		assert.Equal(t, queued[i].ID, rec.ID, "promotion %d out of order", i)
		assert.Equal(t, StatePending, rec.State)
	}

	_, promoted, err = qm.PromoteNext(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestQueueManager_SkipsCancelledHead(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(steppingClock(base, time.Second))
	qm := NewQueueManager(store, nil)

	first, _ := store.Create(ctx, NewCall{RequesterID: "u1", TargetID: "c1", Kind: KindAudio, State: StateQueued})
	second, _ := store.Create(ctx, NewCall{RequesterID: "u2", TargetID: "c1", Kind: KindAudio, State: StateQueued})

	_, err := store.UpdateIfState(ctx, first.ID, StateQueued, Patch{State: StateCancelled})
	require.NoError(t, err)

	rec, promoted, err := qm.PromoteNext(ctx, "c1")
	require.NoError(t, err)
	require.True(t, promoted)
	assert.Equal(t, second.ID, rec.ID)
}
