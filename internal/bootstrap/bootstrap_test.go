package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midastechnical/storefront-sync/internal/cart"
	"github.com/midastechnical/storefront-sync/internal/config"
	"github.com/midastechnical/storefront-sync/internal/model"
	"github.com/midastechnical/storefront-sync/internal/runlog"
	"github.com/midastechnical/storefront-sync/internal/store"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.RedisURL = ""
	cfg.DatabaseURL = ""
	return cfg
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(context.Background(), baseConfig(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Redis)
	assert.IsType(t, &store.Memory{}, s.Products)
	assert.IsType(t, &runlog.Memory{}, s.Runs)
	assert.IsType(t, &cart.MemoryBackends{}, s.Carts)
	assert.NotNil(t, s.Engine)
	assert.NotNil(t, s.Maintenance())
}

func TestOpenWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	require.NotNil(t, s.Redis)
	assert.IsType(t, &runlog.Redis{}, s.Runs)
	assert.IsType(t, cart.RedisBackends{}, s.Carts)

	ctx := context.Background()
	require.NoError(t, s.Runs.Finish(ctx, model.SyncRun{ID: "r1", Source: model.SourcePush, State: model.StateCompleted}))
	recent, err := s.Runs.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "r1", recent[0].ID)
}

func TestOpenRejectsBadRedisURL(t *testing.T) {
	cfg := baseConfig(t)
	cfg.RedisURL = "mysql://nope"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}

func TestOpenFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	mr.Close()
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
