package credloader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/poolctl/logging"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisLoader) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	loader := &RedisLoader{client: client, namespace: "poolctl", known: make(map[string]Credential), logger: logging.NoOpLogger{}}
	return mr, loader
}

func TestRedisLoader_LoadReturnsAllCredentials(t *testing.T) {
	mr, loader := setupTestRedis(t)
	defer mr.Close()
	defer loader.Close()

	mr.HSet("poolctl:credentials", "a", "secret-a")
	mr.HSet("poolctl:credentials", "b", "secret-b")

	creds, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestRedisLoader_LoadEmptyHash(t *testing.T) {
	mr, loader := setupTestRedis(t)
	defer mr.Close()
	defer loader.Close()

	creds, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestRedisLoader_WatchEmitsAddedAndRemoved(t *testing.T) {
	mr, loader := setupTestRedis(t)
	defer mr.Close()
	defer loader.Close()

	mr.HSet("poolctl:credentials", "a", "secret-a")
	_, err := loader.Load(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := loader.Watch(ctx, 5*time.Millisecond)

	mr.HSet("poolctl:credentials", "b", "secret-b")
	mr.HDel("poolctl:credentials", "a")

	select {
	case evt := <-events:
		assert.Len(t, evt.Added, 1)
		assert.Equal(t, "b", evt.Added[0].ID)
		assert.Equal(t, []string{"a"}, evt.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestRedisLoader_WatchClosesChannelOnCancel(t *testing.T) {
	mr, loader := setupTestRedis(t)
	defer mr.Close()
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events := loader.Watch(ctx, 5*time.Millisecond)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
