package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nendo/actionengine/pkg/library/librarytest"
	"github.com/nendo/actionengine/pkg/store"
	"github.com/nendo/actionengine/pkg/types"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *librarytest.Library, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	lib := librarytest.New()
	d := New(st, lib, Limits{MaxChunkDuration: 30 * time.Minute, MaxTrackDuration: 20 * time.Minute}, ContainerDefaults{
		LibraryHostPath:       "/data/library",
		ContainerLibraryPath:  "/home/nendo/nendo_library",
		ScriptsHostPath:       "/data/apps",
		HFModelsCacheHostPath: "/data/hf-models-cache",
		LibraryPlugin:         "nendo_plugin_library_postgres",
		LogLevel:              "info",
		PostgresHost:          "postgres:5432",
		PostgresUser:          "nendo",
		PostgresPassword:      "nendo",
		PostgresDB:            "nendo",
		UseGPU:                true,
		AutoResample:          true,
		DefaultSR:             44100,
		CopyToLibrary:         true,
		AutoConvert:           true,
		SkipDuplicate:         true,
	})
	return d, lib, st
}

func TestSubmitRunWithoutTargetUsesSentinelCollection(t *testing.T) {
	d, _, st := newTestDispatcher(t)
	ctx := context.Background()

	ids, err := d.Submit(ctx, SubmitRequest{
		UserID:           "user-1",
		ActionName:       "normalize",
		RunWithoutTarget: true,
		Image:            "nendo/normalize:latest",
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	unit, err := st.GetUnit(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.QueueFamilyCPU, unit.Queue)
	assert.Equal(t, "", unit.Meta.Target.TargetID)
}

func TestSubmitSingleTrackNoChunking(t *testing.T) {
	d, lib, st := newTestDispatcher(t)
	ctx := context.Background()
	lib.AddTrack(&types.Track{ID: "t1", UserID: "user-1", Title: "a song", Duration: 120})

	ids, err := d.Submit(ctx, SubmitRequest{
		UserID:     "user-1",
		ActionName: "analyze",
		TargetID:   "t1",
		Image:      "nendo/analyze:latest",
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	unit, err := st.GetUnit(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, types.TargetKindTrack, unit.Meta.Target.TargetType)
}

func TestSubmitGPUChunkedCollectionProducesMultipleUnitsAndSkipReport(t *testing.T) {
	d, lib, st := newTestDispatcher(t)
	ctx := context.Background()

	lib.AddTrack(&types.Track{ID: "a", UserID: "user-1", Title: "a", Duration: 600})
	lib.AddTrack(&types.Track{ID: "b", UserID: "user-1", Title: "b", Duration: 900})
	lib.AddTrack(&types.Track{ID: "c", UserID: "user-1", Title: "too-long", Duration: 25 * 60})
	lib.AddTrack(&types.Track{ID: "d", UserID: "user-1", Title: "d", Duration: 600})
	collID, err := lib.AddCollection(ctx, "user-1", "album", "permanent", []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	ids, err := d.Submit(ctx, SubmitRequest{
		UserID:       "user-1",
		ActionName:   "stem_split",
		TargetID:     collID,
		ChunkActions: true,
		GPU:          true,
		Image:        "nendo/stem-split:latest",
	})
	require.NoError(t, err)
	require.Len(t, ids, 2, "a+b fill one 30m chunk, too-long is skipped, d overflows into a second chunk")

	last, err := st.GetUnit(ctx, ids[len(ids)-1])
	require.NoError(t, err)
	require.Len(t, last.Meta.Errors, 1)
	assert.Contains(t, last.Meta.Errors[0], "too-long")
	assert.Equal(t, types.QueueFamilyGPU, last.Queue)
}

func TestSubmitUnknownTargetReturnsNotFound(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.Submit(context.Background(), SubmitRequest{
		UserID:   "user-1",
		TargetID: "does-not-exist",
	})
	assert.Error(t, err)
}

func TestSubmitPopulatesBindsFromConfig(t *testing.T) {
	d, lib, st := newTestDispatcher(t)
	ctx := context.Background()
	lib.AddTrack(&types.Track{ID: "t1", UserID: "user-1", Title: "a song", Duration: 120})

	ids, err := d.Submit(ctx, SubmitRequest{
		UserID:     "user-1",
		ActionName: "analyze",
		TargetID:   "t1",
		Image:      "nendo/analyze:latest",
		ScriptPath: "analyze/run.py",
	})
	require.NoError(t, err)
	unit, err := st.GetUnit(ctx, ids[0])
	require.NoError(t, err)

	require.Len(t, unit.Binds, 3)
	assert.Equal(t, types.VolumeBind{Source: "/data/library", Target: "/home/nendo/nendo_library", ReadOnly: false}, unit.Binds[0])
	assert.Equal(t, types.VolumeBind{Source: "/data/apps/analyze/run.py", Target: containerScriptMountPath, ReadOnly: true}, unit.Binds[1])
	assert.Equal(t, types.VolumeBind{Source: "/data/hf-models-cache", Target: containerCacheMountPath, ReadOnly: false}, unit.Binds[2])
}

func TestSubmitEnvMergesCallerEnvButEngineKeysWin(t *testing.T) {
	d, lib, st := newTestDispatcher(t)
	ctx := context.Background()
	lib.AddTrack(&types.Track{ID: "t1", UserID: "user-1", Title: "a song", Duration: 120})

	ids, err := d.Submit(ctx, SubmitRequest{
		UserID:     "user-1",
		ActionName: "analyze",
		TargetID:   "t1",
		Image:      "nendo/analyze:latest",
		Plugins:    []string{"nendo_plugin_loudness"},
		Env: map[string]string{
			"CUSTOM_FLAG":  "1",
			"LIBRARY_PATH": "/caller/tries/to/override/this",
		},
	})
	require.NoError(t, err)
	unit, err := st.GetUnit(ctx, ids[0])
	require.NoError(t, err)

	assert.Equal(t, "1", unit.Env["CUSTOM_FLAG"])
	assert.Equal(t, "/home/nendo/nendo_library", unit.Env["LIBRARY_PATH"], "engine key must win over a caller-supplied value of the same name")
	assert.Equal(t, "nendo_plugin_library_postgres", unit.Env["LIBRARY_PLUGIN"])
	assert.Equal(t, "info", unit.Env["LOG_LEVEL"])
	assert.Equal(t, "user-1", unit.Env["USER_ID"])
	assert.Equal(t, `["nendo_plugin_loudness"]`, unit.Env["PLUGINS"])
	assert.Equal(t, "postgres:5432", unit.Env["POSTGRES_HOST"])
	assert.Equal(t, "false", unit.Env["USE_GPU"])
	assert.Equal(t, "44100", unit.Env["DEFAULT_SR"])
}

// failingLibrary wraps librarytest.Library and fails AddCollection once a
// configured number of calls have succeeded, to exercise the dispatcher's
// temp-collection rollback on a mid-chunk-loop failure.
type failingLibrary struct {
	*librarytest.Library
	failAfter int
	calls     int
	removed   []string
}

func (f *failingLibrary) AddCollection(ctx context.Context, userID, name, collectionType string, trackIDs []string) (string, error) {
	f.calls++
	if f.calls > f.failAfter {
		return "", fmt.Errorf("simulated AddCollection failure")
	}
	return f.Library.AddCollection(ctx, userID, name, collectionType, trackIDs)
}

func (f *failingLibrary) RemoveCollection(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return f.Library.RemoveCollection(ctx, id)
}

func TestSubmitRemovesChunkCollectionsCreatedBeforeAddCollectionFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	st := store.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	inner := librarytest.New()
	inner.AddTrack(&types.Track{ID: "a", UserID: "user-1", Title: "a", Duration: 600})
	inner.AddTrack(&types.Track{ID: "b", UserID: "user-1", Title: "b", Duration: 900})
	inner.AddTrack(&types.Track{ID: "c", UserID: "user-1", Title: "c", Duration: 600})
	inner.AddTrack(&types.Track{ID: "d", UserID: "user-1", Title: "d", Duration: 900})
	collID, err := inner.AddCollection(context.Background(), "user-1", "album", "permanent", []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	lib := &failingLibrary{Library: inner, failAfter: 1}
	d := New(st, lib, Limits{MaxChunkDuration: 20 * time.Minute, MaxTrackDuration: 20 * time.Minute}, ContainerDefaults{UseGPU: true})

	_, err = d.Submit(context.Background(), SubmitRequest{
		UserID:       "user-1",
		ActionName:   "stem_split",
		TargetID:     collID,
		ChunkActions: true,
		GPU:          true,
		Image:        "nendo/stem-split:latest",
	})
	require.Error(t, err)
	require.Len(t, lib.removed, 1, "the one chunk collection created before the failing AddCollection call must be rolled back")
	_, getErr := inner.GetCollection(context.Background(), lib.removed[0])
	assert.Error(t, getErr, "the rolled-back collection must actually be gone")
}
