package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nendo/actionengine/pkg/types"
)

func track(id, title string, seconds float64) *types.Track {
	return &types.Track{ID: id, Title: title, Duration: seconds}
}

func TestPlanChunksSingleTrack(t *testing.T) {
	tr := track("t1", "solo", 300)
	plan := planChunks(types.TargetKindTrack, tr, nil, nil, 30*time.Minute, 20*time.Minute)
	assert.Len(t, plan.Chunks, 1)
	assert.Equal(t, []string{"t1"}, plan.Chunks[0].TrackIDs)
	assert.Empty(t, plan.Skipped)
}

func TestPlanChunksSingleTrackTooLongIsSkipped(t *testing.T) {
	tr := track("t1", "epic", 25*60)
	plan := planChunks(types.TargetKindTrack, tr, nil, nil, 30*time.Minute, 20*time.Minute)
	assert.Empty(t, plan.Chunks)
	assert.Equal(t, []string{"epic"}, plan.Skipped)
}

func TestPlanChunksCollectionPacksGreedily(t *testing.T) {
	tracks := []*types.Track{
		track("a", "a", 600),  // 10m
		track("b", "b", 900),  // 15m, total 25m still under 30m
		track("c", "c", 600),  // 10m, would push to 35m -> new chunk
		track("d", "d", 1200), // 20m, c+d is 30m exactly, fits the same chunk
	}
	plan := planChunks(types.TargetKindCollection, nil, tracks, nil, 30*time.Minute, 20*time.Minute)

	assert.Len(t, plan.Chunks, 2)
	assert.Equal(t, []string{"a", "b"}, plan.Chunks[0].TrackIDs)
	assert.Equal(t, []string{"c", "d"}, plan.Chunks[1].TrackIDs)
	assert.Empty(t, plan.Skipped)
}

func TestPlanChunksSkipsOverlongTracksAmongOthers(t *testing.T) {
	tracks := []*types.Track{
		track("a", "short", 300),
		track("b", "too-long", 25*60),
		track("c", "short2", 300),
	}
	plan := planChunks(types.TargetKindCollection, nil, tracks, nil, 30*time.Minute, 20*time.Minute)

	assert.Len(t, plan.Chunks, 1)
	assert.Equal(t, []string{"a", "c"}, plan.Chunks[0].TrackIDs)
	assert.Equal(t, []string{"too-long"}, plan.Skipped)
}

func TestPlanChunksNoneUsesLibraryTracks(t *testing.T) {
	tracks := []*types.Track{track("x", "x", 60)}
	plan := planChunks(types.TargetKindNone, nil, nil, tracks, 30*time.Minute, 20*time.Minute)
	assert.Len(t, plan.Chunks, 1)
	assert.Equal(t, []string{"x"}, plan.Chunks[0].TrackIDs)
}

func TestPlanChunksZeroMaxChunkDurationHoldsAllInOneChunk(t *testing.T) {
	tracks := []*types.Track{
		track("a", "a", 600),
		track("b", "b", 900),
		track("c", "c", 600),
	}
	plan := planChunks(types.TargetKindCollection, nil, tracks, nil, 0, 20*time.Minute)
	assert.Len(t, plan.Chunks, 1)
	assert.Equal(t, []string{"a", "b", "c"}, plan.Chunks[0].TrackIDs)
	assert.Empty(t, plan.Skipped)
}

func TestPlanChunksZeroMaxTrackDurationSkipsNothing(t *testing.T) {
	tracks := []*types.Track{
		track("a", "a", 600),
		track("b", "way too long on a positive limit", 100*60),
	}
	plan := planChunks(types.TargetKindCollection, nil, tracks, nil, 30*time.Minute, 0)
	assert.Empty(t, plan.Skipped)
	var gotIDs []string
	for _, c := range plan.Chunks {
		gotIDs = append(gotIDs, c.TrackIDs...)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, gotIDs)
}
