package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/config"
	"github.com/BaSui01/runflow/workflow/checkpoint"
)

func setupTestRedis(t *testing.T, interval time.Duration) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	opts := DefaultOptions(config.RedisConfig{Addr: mr.Addr()})
	opts.DefaultTTL = time.Minute
	opts.HealthCheckInterval = interval

	m, err := NewManager(context.Background(), opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

type summary struct {
	RunID  string  `json:"run_id"`
	Status string  `json:"status"`
	Pct    float64 `json:"pct"`
}

func TestManager_JSONRoundTrip(t *testing.T) {
	mr, m := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, m.SetJSON(ctx, "runflow:summary:r1", summary{RunID: "r1", Status: "completed", Pct: 100}, 0))
	assert.Equal(t, time.Minute, mr.TTL("runflow:summary:r1"), "zero ttl uses default")

	var got summary
	require.NoError(t, m.GetJSON(ctx, "runflow:summary:r1", &got))
	assert.Equal(t, "completed", got.Status)

	err := m.GetJSON(ctx, "runflow:summary:missing", &got)
	assert.True(t, IsCacheMiss(err))

	require.NoError(t, m.Delete(ctx, "runflow:summary:r1"))
	assert.False(t, mr.Exists("runflow:summary:r1"))
}

func TestManager_InvalidPayloads(t *testing.T) {
	mr, m := setupTestRedis(t, 0)
	ctx := context.Background()

	assert.Error(t, m.SetJSON(ctx, "k", make(chan int), time.Second))

	require.NoError(t, mr.Set("bad", "{not json"))
	var got summary
	err := m.GetJSON(ctx, "bad", &got)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewManager(context.Background(), DefaultOptions(config.RedisConfig{Addr: addr}), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	_, m := setupTestRedis(t, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Error(t, m.Ping(context.Background()))
	assert.Error(t, m.SetJSON(context.Background(), "k", 1, 0))
}

func TestManager_BacksCheckpointStore(t *testing.T) {
	_, m := setupTestRedis(t, 0)
	ctx := context.Background()
	require.NoError(t, m.Ping(ctx))

	store := checkpoint.NewRedisStore(m.Client(), "runflow:checkpoint:", time.Hour, nil)
	require.NoError(t, store.Save(ctx, &checkpoint.Snapshot{RunID: "r", Workflow: "wf", Status: "running"}))
	latest, err := store.LoadLatest(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "r", latest.RunID)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	_, m := setupTestRedis(t, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.SetJSON(ctx, "k", summary{Pct: float64(i)}, time.Second))
		}(i)
	}
	wg.Wait()

	var got summary
	require.NoError(t, m.GetJSON(ctx, "k", &got))
}
