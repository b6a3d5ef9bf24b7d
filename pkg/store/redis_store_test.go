package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nendo/actionengine/pkg/enginerr"
	"github.com/nendo/actionengine/pkg/types"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreFromClient(rdb)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queue := UserCPUQueue("user-1")

	for i := 0; i < 3; i++ {
		unit := &types.WorkUnit{ID: string(rune('a' + i)), UserID: "user-1"}
		require.NoError(t, s.Enqueue(ctx, queue, unit))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.Dequeue(ctx, []QueueName{queue}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, types.UnitStateStarted, got.State)
	}
}

func TestDequeueTimeoutReturnsNilWithoutError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Dequeue(ctx, []QueueName{UserCPUQueue("nobody")}, 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransitionMovesRegistries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queue := UserGPUQueue("user-1")
	unit := &types.WorkUnit{ID: "unit-1", UserID: "user-1"}
	require.NoError(t, s.Enqueue(ctx, queue, unit))

	got, err := s.Dequeue(ctx, []QueueName{queue}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, s.Transition(ctx, "unit-1", types.UnitStateFinished))

	saved, err := s.GetUnit(ctx, "unit-1")
	require.NoError(t, err)
	assert.Equal(t, types.UnitStateFinished, saved.State)
	assert.False(t, saved.EndedAt.IsZero())
}

func TestUnitIDsForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, UserCPUQueue("user-1"), &types.WorkUnit{ID: "u1", UserID: "user-1"}))
	require.NoError(t, s.Enqueue(ctx, UserGPUQueue("user-1"), &types.WorkUnit{ID: "u2", UserID: "user-1"}))
	require.NoError(t, s.Enqueue(ctx, UserCPUQueue("user-2"), &types.WorkUnit{ID: "u3", UserID: "user-2"}))

	ids, err := s.UnitIDsForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)
}

func TestActiveUsersRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterActiveUser(ctx, "user-1"))
	require.NoError(t, s.RegisterActiveUser(ctx, "user-2"))
	require.NoError(t, s.RegisterActiveUser(ctx, "user-1")) // idempotent

	users, err := s.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, users)
}

func TestLeaseAcquireRenewRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "dispatcher", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "dispatcher", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a live lease")

	renewed, err := s.RenewLease(ctx, "dispatcher", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed, "non-holder must not renew")

	renewed, err = s.RenewLease(ctx, "dispatcher", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	require.NoError(t, s.ReleaseLease(ctx, "dispatcher", "holder-a"))

	ok, err = s.AcquireLease(ctx, "dispatcher", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lease must be free after release")
}

func TestRotateGPUQueuesAdvancesOffsetEachCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userIDs := []string{"user-1", "user-2", "user-3"}

	first, err := s.RotateGPUQueues(ctx, userIDs)
	require.NoError(t, err)
	second, err := s.RotateGPUQueues(ctx, userIDs)
	require.NoError(t, err)
	third, err := s.RotateGPUQueues(ctx, userIDs)
	require.NoError(t, err)
	fourth, err := s.RotateGPUQueues(ctx, userIDs)
	require.NoError(t, err)

	assert.NotEqual(t, first[0], second[0], "consecutive calls must not favor the same user first")
	assert.ElementsMatch(t, first, second, "rotation reorders, it never drops a queue")
	assert.Equal(t, fourth[0], first[0], "the cursor wraps back around after len(userIDs) calls")
	_ = third
}

func TestEnqueueExpiresUnvisitedUnitAfterJobTimeout(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()
	queue := UserCPUQueue("user-1")

	unit := &types.WorkUnit{ID: "stuck", UserID: "user-1", JobTimeout: 50 * time.Millisecond}
	require.NoError(t, s.Enqueue(ctx, queue, unit))

	_, err = s.GetUnit(ctx, "stuck")
	require.NoError(t, err)

	// miniredis only expires keys when its clock is advanced explicitly.
	mr.FastForward(100 * time.Millisecond)

	_, err = s.GetUnit(ctx, "stuck")
	assert.ErrorIs(t, err, enginerr.ErrNotFound, "a crashed worker must not leave a unit record forever")
}

func TestTransitionSetsRetentionExpiryOnTerminalState(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()
	queue := UserCPUQueue("user-1")

	unit := &types.WorkUnit{ID: "done", UserID: "user-1", RetentionPeriod: 50 * time.Millisecond}
	require.NoError(t, s.Enqueue(ctx, queue, unit))
	_, err = s.Dequeue(ctx, []QueueName{queue}, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, "done", types.UnitStateFinished))

	_, err = s.GetUnit(ctx, "done")
	require.NoError(t, err)

	// miniredis only expires keys when its clock is advanced explicitly.
	mr.FastForward(100 * time.Millisecond)

	_, err = s.GetUnit(ctx, "done")
	assert.ErrorIs(t, err, enginerr.ErrNotFound, "a finished unit's record must be purged after its retention period")
}

func TestQueueDepth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queue := UserCPUQueue("user-1")

	depth, err := s.QueueDepth(ctx, queue)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, s.Enqueue(ctx, queue, &types.WorkUnit{ID: "x", UserID: "user-1"}))
	depth, err = s.QueueDepth(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
