package workerruntime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nendo/actionengine/pkg/runtime/runtimetest"
	"github.com/nendo/actionengine/pkg/store"
	"github.com/nendo/actionengine/pkg/types"
)

func newTestRuntime(t *testing.T) (*Runtime, *runtimetest.Runtime, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	fake := runtimetest.New()
	rt := New(st, fake)
	return rt, fake, st
}

func TestExecuteSuccessSetsResultFromLastLogLine(t *testing.T) {
	rt, fake, st := newTestRuntime(t)
	ctx := context.Background()

	unit := &types.WorkUnit{ID: "u1", UserID: "user-1"}
	require.NoError(t, st.Enqueue(ctx, store.UserCPUQueue("user-1"), unit))
	got, err := st.Dequeue(ctx, []store.QueueName{store.UserCPUQueue("user-1")}, time.Second)
	require.NoError(t, err)

	fake.Containers["u1"] = &runtimetest.FakeContainer{
		State:    types.UnitStateStarted,
		ExitCode: 0,
		LogLines: "line one\nline two\n",
		StatesAfterPoll: []types.UnitState{
			types.UnitStateStarted,
			types.UnitStateFinished,
		},
	}

	rt.execute(ctx, got)

	saved, err := st.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.UnitStateFinished, saved.State)
	assert.Equal(t, "line two", saved.Meta.Result)
	assert.True(t, fake.Removed["u1"], "container must be removed after a successful run")
}

func TestExecuteNonZeroExitMarksFailed(t *testing.T) {
	rt, fake, st := newTestRuntime(t)
	ctx := context.Background()

	unit := &types.WorkUnit{ID: "u2", UserID: "user-1"}
	require.NoError(t, st.Enqueue(ctx, store.UserCPUQueue("user-1"), unit))
	got, err := st.Dequeue(ctx, []store.QueueName{store.UserCPUQueue("user-1")}, time.Second)
	require.NoError(t, err)

	fake.Containers["u2"] = &runtimetest.FakeContainer{
		State:    types.UnitStateStarted,
		ExitCode: 1,
		LogLines: "boom\ntraceback line\n",
		StatesAfterPoll: []types.UnitState{
			types.UnitStateFailed,
		},
	}

	rt.execute(ctx, got)

	saved, err := st.GetUnit(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, types.UnitStateFailed, saved.State)
	assert.Contains(t, saved.Meta.ExcInfo, "boom")
	assert.True(t, fake.Removed["u2"])
}

func TestExecuteStructuredProgressPreferredOverLogTail(t *testing.T) {
	rt, fake, st := newTestRuntime(t)
	ctx := context.Background()

	unit := &types.WorkUnit{ID: "u3", UserID: "user-1"}
	require.NoError(t, st.Enqueue(ctx, store.UserCPUQueue("user-1"), unit))
	got, err := st.Dequeue(ctx, []store.QueueName{store.UserCPUQueue("user-1")}, time.Second)
	require.NoError(t, err)

	// Simulate a plugin reporting structured progress via the store while
	// the container runs.
	got.Meta.Progress = "processed 42 tracks"
	require.NoError(t, st.SaveUnit(ctx, got))

	fake.Containers["u3"] = &runtimetest.FakeContainer{
		State:    types.UnitStateStarted,
		ExitCode: 0,
		LogLines: "raw stdout tail\n",
		StatesAfterPoll: []types.UnitState{
			types.UnitStateFinished,
		},
	}

	rt.execute(ctx, got)

	saved, err := st.GetUnit(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, "processed 42 tracks", saved.Meta.Result)
}

func TestExecuteSkipsAlreadyCanceledUnit(t *testing.T) {
	rt, fake, st := newTestRuntime(t)
	ctx := context.Background()

	unit := &types.WorkUnit{ID: "u4", UserID: "user-1"}
	require.NoError(t, st.Enqueue(ctx, store.UserCPUQueue("user-1"), unit))
	got, err := st.Dequeue(ctx, []store.QueueName{store.UserCPUQueue("user-1")}, time.Second)
	require.NoError(t, err)

	require.NoError(t, st.Transition(ctx, "u4", types.UnitStateCanceled))

	rt.execute(ctx, got)

	assert.False(t, fake.Removed["u4"], "a pre-canceled unit must never reach container creation")
	_, created := fake.Containers["u4"]
	assert.False(t, created)
}
