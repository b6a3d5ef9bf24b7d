package leaselock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nendo/actionengine/pkg/store"
)

func newTestLock(t *testing.T, holderID string) *Lock {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(rdb)

	path := filepath.Join(t.TempDir(), "lease.db")
	lock, err := New(st, path, "gpu-spawner", holderID, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { lock.Close() })
	return lock
}

func TestOnlyOneHolderAcquires(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(rdb)

	dirA := filepath.Join(t.TempDir(), "a.db")
	dirB := filepath.Join(t.TempDir(), "b.db")
	lockA, err := New(st, dirA, "gpu-spawner", "holder-a", time.Minute)
	require.NoError(t, err)
	defer lockA.Close()
	lockB, err := New(st, dirB, "gpu-spawner", "holder-b", time.Minute)
	require.NoError(t, err)
	defer lockB.Close()

	ctx := context.Background()
	ok, err := lockA.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lockB.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, lockB.Held())
}

func TestReleaseThenReacquire(t *testing.T) {
	lock := newTestLock(t, "holder-a")
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.Held())

	ok, err = lock.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFallbackHeldRecently(t *testing.T) {
	lock := newTestLock(t, "holder-a")
	ctx := context.Background()

	assert.False(t, lock.FallbackHeldRecently(time.Hour))

	ok, err := lock.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, lock.FallbackHeldRecently(time.Hour))
	assert.False(t, lock.FallbackHeldRecently(0))
}
