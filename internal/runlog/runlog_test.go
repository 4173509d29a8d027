package runlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midastechnical/storefront-sync/internal/model"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func run(id string, state model.SyncState) model.SyncRun {
	return model.SyncRun{
		ID:        id,
		Source:    model.SourcePull,
		State:     state,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Errors:    []model.SyncError{{ExternalID: "rd-1", Reason: "boom"}},
	}
}

// Both implementations must satisfy the same contract.
func forEachLog(t *testing.T, fn func(t *testing.T, l Log)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory(3)) })
	t.Run("redis", func(t *testing.T) {
		_, client := setupTestRedis(t)
		fn(t, NewRedis(client, "test:sync", 3))
	})
}

func TestBeginFinishClearsMarker(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		require.NoError(t, l.Begin(ctx, run("r1", model.StatePulling)))
		got, ok, err := l.InFlight(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "r1", got.ID)

		require.NoError(t, l.Finish(ctx, run("r1", model.StateCompleted)))
		_, ok, err = l.InFlight(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestFinishOfOtherRunKeepsMarker(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		require.NoError(t, l.Begin(ctx, run("pull-1", model.StatePulling)))
		push := run("push-1", model.StateCompleted)
		push.Source = model.SourcePush
		require.NoError(t, l.Finish(ctx, push))
		got, ok, err := l.InFlight(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "pull-1", got.ID)
	})
}

func TestFinishRejectsOpenRun(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		err := l.Finish(context.Background(), run("r1", model.StateApplying))
		assert.ErrorIs(t, err, ErrNotFinalized)
	})
}

func TestRecentIsNewestFirstAndCapped(t *testing.T) {
	forEachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			require.NoError(t, l.Finish(ctx, run(fmt.Sprintf("r%d", i), model.StateCompleted)))
		}
		all, err := l.Recent(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "r5", all[0].ID)
		assert.Equal(t, "r3", all[2].ID)
		assert.Equal(t, "boom", all[0].Errors[0].Reason)

		two, err := l.Recent(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, two, 2)
	})
}

func TestRecentReturnsCopies(t *testing.T) {
	l := NewMemory(10)
	ctx := context.Background()
	require.NoError(t, l.Finish(ctx, run("r1", model.StateFailed)))
	got, _ := l.Recent(ctx, 1)
	got[0].Errors[0].Reason = "changed"
	again, _ := l.Recent(ctx, 1)
	assert.Equal(t, "boom", again[0].Errors[0].Reason)
}

func TestRedisCorruptMarkerStillReportsInFlight(t *testing.T) {
	mr, client := setupTestRedis(t)
	l := NewRedis(client, "test:sync", 10)
	require.NoError(t, mr.Set("test:sync:inflight", "{not json"))
	got, ok, err := l.InFlight(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.SourcePull, got.Source)
}
